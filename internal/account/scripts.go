package account

import (
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	modeAlways         = "always"
	modeUnlessTerminal = "unless_terminal"
)

// applyScript writes fields of an existing record and removes others in one step.
//
//	KEYS[1]  account hash
//	ARGV[1]  mode: "always" or "unless_terminal"
//	ARGV[2]  comma-separated lower-case statuses writable under unless_terminal
//	ARGV[3]  count n of field/value arguments that follow
//	ARGV[4 .. 3+n]  field/value pairs to set
//	ARGV[4+n ..]    fields to delete
//
// Under unless_terminal any status outside ARGV[2] refuses the write, so values the
// store does not recognize stay excluded. An empty status is writable.
// Returns 0 when the record is missing, -1 when refused, 1 otherwise.
var applyScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
if ARGV[1] == 'unless_terminal' then
  local s = string.lower(redis.call('HGET', KEYS[1], 'status') or '')
  s = string.match(s, '^%s*(.-)%s*$')
  if s ~= '' and (string.find(s, ',', 1, true) or not string.find(',' .. ARGV[2] .. ',', ',' .. s .. ',', 1, true)) then
    return -1
  end
end
local n = tonumber(ARGV[3])
if n > 0 then
  redis.call('HSET', KEYS[1], unpack(ARGV, 4, 3 + n))
end
if #ARGV > 3 + n then
  redis.call('HDEL', KEYS[1], unpack(ARGV, 4 + n))
end
return 1
`)

// clearScript returns a record to active only while it is still in the expected state.
//
//	KEYS[1]  account hash
//	ARGV[1]  expected status
//	ARGV[2]  guard field, or "" for none
//	ARGV[3]  expected raw value of the guard field
//	ARGV[4]  updatedAt
//	ARGV[5 ..] fields to delete
var clearScript = redis.NewScript(`
local s = redis.call('HGET', KEYS[1], 'status')
if not s or string.lower(s) ~= ARGV[1] then
  return 0
end
if ARGV[2] ~= '' and (redis.call('HGET', KEYS[1], ARGV[2]) or '') ~= ARGV[3] then
  return 0
end
redis.call('HSET', KEYS[1], 'status', 'active', 'updatedAt', ARGV[4])
if #ARGV > 4 then
  redis.call('HDEL', KEYS[1], unpack(ARGV, 5))
end
return 1
`)

// change collects a field-level mutation for applyScript.
type change struct {
	set []interface{}
	del []interface{}
}

func (c *change) Set(field, value string) *change {
	c.set = append(c.set, field, value)
	return c
}

func (c *change) Del(fields ...string) *change {
	for _, f := range fields {
		c.del = append(c.del, f)
	}
	return c
}

func (c *change) args(mode string) []interface{} {
	args := make([]interface{}, 0, 3+len(c.set)+len(c.del))
	args = append(args, mode, writableStatuses, len(c.set))
	args = append(args, c.set...)
	return append(args, c.del...)
}

// writableStatuses lists every stored spelling of a non-terminal status.
var writableStatuses = func() string {
	var out []string
	for raw, st := range statusAliases {
		if !st.IsTerminal() {
			out = append(out, raw)
		}
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}()

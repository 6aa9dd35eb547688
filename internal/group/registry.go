// Package group manages named account pools of one platform that client credentials can
// bind to instead of a single account.
package group

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/pysugar/relay-nexus/internal/kv"
	"github.com/pysugar/relay-nexus/internal/platform"
)

var (
	ErrGroupNotFound    = errors.New("group not found")
	ErrGroupExists      = errors.New("group already exists")
	ErrGroupNotEmpty    = errors.New("group still has members")
	ErrGroupInUse       = errors.New("group is referenced by a client credential")
	ErrPlatformMismatch = errors.New("account platform does not match group platform")
	ErrMemberNotFound   = errors.New("member account not found")
	ErrInvalidGroup     = errors.New("invalid group")
)

// AccountLookup checks that an account record exists.
type AccountLookup interface {
	Exists(ctx context.Context, p platform.Platform, id string) (bool, error)
}

// ReferenceChecker counts client credentials bound to a group.
type ReferenceChecker interface {
	CountGroupReferences(ctx context.Context, p platform.Platform, groupID string) (int64, error)
}

// Group is one named pool.
type Group struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Platform    platform.Platform `json:"platform"`
	Description string            `json:"description"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// CreateInput describes a new group.
type CreateInput struct {
	ID          string
	Name        string
	Platform    platform.Platform
	Description string
}

// UpdateInput changes the non-nil fields. The platform cannot be changed.
type UpdateInput struct {
	Name        *string
	Description *string
}

// Registry stores groups and their member sets.
type Registry struct {
	rdb      redis.UniversalClient
	keys     kv.Keys
	accounts AccountLookup
	refs     ReferenceChecker
	log      logrus.FieldLogger
	now      func() time.Time
}

// NewRegistry creates a registry. refs may be nil when no credential store is attached.
func NewRegistry(rdb redis.UniversalClient, keys kv.Keys, accounts AccountLookup, refs ReferenceChecker, log logrus.FieldLogger) *Registry {
	return &Registry{
		rdb:      rdb,
		keys:     keys,
		accounts: accounts,
		refs:     refs,
		log:      log,
		now:      time.Now,
	}
}

// Create stores a new group.
func (r *Registry) Create(ctx context.Context, in CreateInput) (*Group, error) {
	p, err := platform.Parse(string(in.Platform))
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidGroup)
	}
	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = uuid.NewString()
	}
	if strings.ContainsAny(id, ": ") {
		return nil, fmt.Errorf("%w: id %q contains reserved characters", ErrInvalidGroup, id)
	}

	key := r.keys.Group(id)
	claimed, err := r.rdb.HSetNX(ctx, key, "id", id).Result()
	if err != nil {
		return nil, fmt.Errorf("create group %s: %w", id, err)
	}
	if !claimed {
		return nil, fmt.Errorf("%w: %s", ErrGroupExists, id)
	}

	now := r.now().UTC()
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"name", name,
			"platform", string(p),
			"description", in.Description,
			"createdAt", now.Format(time.RFC3339Nano),
			"updatedAt", now.Format(time.RFC3339Nano),
		)
		pipe.SAdd(ctx, r.keys.GroupIndex(), id)
		return nil
	})
	if err != nil {
		if delErr := r.rdb.Del(context.WithoutCancel(ctx), key).Err(); delErr != nil {
			r.log.WithError(delErr).WithField("group_id", id).Error("Failed to release claimed group id")
		}
		return nil, fmt.Errorf("create group %s: %w", id, err)
	}
	r.log.WithFields(logrus.Fields{"group_id": id, "platform": p}).Info("Group created")
	return &Group{ID: id, Name: name, Platform: p, Description: in.Description, CreatedAt: now, UpdatedAt: now}, nil
}

// Get loads one group.
func (r *Registry) Get(ctx context.Context, id string) (*Group, error) {
	raw, err := r.rdb.HGetAll(ctx, r.keys.Group(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load group %s: %w", id, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, id)
	}
	return decodeGroup(id, raw)
}

func decodeGroup(id string, raw map[string]string) (*Group, error) {
	p, err := platform.Parse(raw["platform"])
	if err != nil {
		return nil, fmt.Errorf("%w: group %s: %v", ErrInvalidGroup, id, err)
	}
	g := &Group{ID: id, Name: raw["name"], Platform: p, Description: raw["description"]}
	g.CreatedAt, _ = time.Parse(time.RFC3339Nano, raw["createdAt"])
	g.UpdatedAt, _ = time.Parse(time.RFC3339Nano, raw["updatedAt"])
	return g, nil
}

// List returns all groups ordered by name, optionally restricted to one platform.
func (r *Registry) List(ctx context.Context, p platform.Platform) ([]*Group, error) {
	ids, err := r.rdb.SMembers(ctx, r.keys.GroupIndex()).Result()
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, r.keys.Group(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}

	groups := make([]*Group, 0, len(ids))
	for i, cmd := range cmds {
		if len(cmd.Val()) == 0 {
			continue
		}
		g, err := decodeGroup(ids[i], cmd.Val())
		if err != nil {
			r.log.WithError(err).Warn("Skipping undecodable group")
			continue
		}
		if p != "" && g.Platform != p {
			continue
		}
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Name != groups[j].Name {
			return groups[i].Name < groups[j].Name
		}
		return groups[i].ID < groups[j].ID
	})
	return groups, nil
}

// Update changes name or description.
func (r *Registry) Update(ctx context.Context, id string, in UpdateInput) (*Group, error) {
	if _, err := r.Get(ctx, id); err != nil {
		return nil, err
	}
	fields := []interface{}{"updatedAt", r.now().UTC().Format(time.RFC3339Nano)}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: name is required", ErrInvalidGroup)
		}
		fields = append(fields, "name", name)
	}
	if in.Description != nil {
		fields = append(fields, "description", *in.Description)
	}
	if err := r.rdb.HSet(ctx, r.keys.Group(id), fields...).Err(); err != nil {
		return nil, fmt.Errorf("update group %s: %w", id, err)
	}
	return r.Get(ctx, id)
}

// Delete removes an empty group that no client credential references.
func (r *Registry) Delete(ctx context.Context, id string) error {
	g, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	members, err := r.rdb.SCard(ctx, r.keys.GroupMembers(id)).Result()
	if err != nil {
		return fmt.Errorf("count members of %s: %w", id, err)
	}
	if members > 0 {
		return fmt.Errorf("%w: %s has %d members", ErrGroupNotEmpty, id, members)
	}
	if r.refs != nil {
		refs, err := r.refs.CountGroupReferences(ctx, g.Platform, id)
		if err != nil {
			return fmt.Errorf("count references to %s: %w", id, err)
		}
		if refs > 0 {
			return fmt.Errorf("%w: %s is bound by %d credentials", ErrGroupInUse, id, refs)
		}
	}

	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.keys.Group(id), r.keys.GroupMembers(id))
		pipe.SRem(ctx, r.keys.GroupIndex(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete group %s: %w", id, err)
	}
	r.log.WithField("group_id", id).Info("Group deleted")
	return nil
}

// AddMember adds an account of the group's platform.
func (r *Registry) AddMember(ctx context.Context, groupID, accountID string) error {
	g, err := r.Get(ctx, groupID)
	if err != nil {
		return err
	}
	ok, err := r.accounts.Exists(ctx, g.Platform, accountID)
	if err != nil {
		return err
	}
	if !ok {
		for _, other := range platform.All() {
			if other == g.Platform {
				continue
			}
			if found, err := r.accounts.Exists(ctx, other, accountID); err == nil && found {
				return fmt.Errorf("%w: account %s is %s, group %s is %s", ErrPlatformMismatch, accountID, other, groupID, g.Platform)
			}
		}
		return fmt.Errorf("%w: %s/%s", ErrMemberNotFound, g.Platform, accountID)
	}

	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, r.keys.GroupMembers(groupID), accountID)
		pipe.SAdd(ctx, r.keys.AccountGroups(string(g.Platform), accountID), groupID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("add member %s to %s: %w", accountID, groupID, err)
	}
	return nil
}

// RemoveMember removes an account from a group. Removing a non-member is a no-op.
func (r *Registry) RemoveMember(ctx context.Context, groupID, accountID string) error {
	g, err := r.Get(ctx, groupID)
	if err != nil {
		return err
	}
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, r.keys.GroupMembers(groupID), accountID)
		pipe.SRem(ctx, r.keys.AccountGroups(string(g.Platform), accountID), groupID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove member %s from %s: %w", accountID, groupID, err)
	}
	return nil
}

// ListMembers returns the sorted member account ids of a group.
func (r *Registry) ListMembers(ctx context.Context, groupID string) ([]string, error) {
	if _, err := r.Get(ctx, groupID); err != nil {
		return nil, err
	}
	members, err := r.rdb.SMembers(ctx, r.keys.GroupMembers(groupID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list members of %s: %w", groupID, err)
	}
	sort.Strings(members)
	return members, nil
}

// IsMember reports whether accountID belongs to groupID.
func (r *Registry) IsMember(ctx context.Context, groupID, accountID string) (bool, error) {
	return r.rdb.SIsMember(ctx, r.keys.GroupMembers(groupID), accountID).Result()
}

// GroupsOf returns the ids of the groups an account belongs to.
func (r *Registry) GroupsOf(ctx context.Context, p platform.Platform, accountID string) ([]string, error) {
	ids, err := r.rdb.SMembers(ctx, r.keys.AccountGroups(string(p), accountID)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// DetachAccount removes an account from every group it belongs to and returns how many
// groups were touched.
func (r *Registry) DetachAccount(ctx context.Context, p platform.Platform, accountID string) (int, error) {
	ids, err := r.GroupsOf(ctx, p, accountID)
	if err != nil {
		return 0, fmt.Errorf("list groups of %s: %w", accountID, err)
	}
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.SRem(ctx, r.keys.GroupMembers(id), accountID)
		}
		pipe.Del(ctx, r.keys.AccountGroups(string(p), accountID))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("detach %s: %w", accountID, err)
	}
	return len(ids), nil
}

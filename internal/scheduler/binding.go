package scheduler

import "strings"

// GroupPrefix namespaces group references in a credential binding.
const GroupPrefix = "group:"

// Kind is the resolution stage of a binding, in precedence order.
type Kind string

const (
	KindBound  Kind = "bound"
	KindGroup  Kind = "group"
	KindPooled Kind = "pooled"
)

// Binding is what a client credential pins for one platform.
type Binding struct {
	Kind      Kind
	AccountID string
	GroupID   string
}

// ParseBinding interprets a stored binding value: empty selects the shared pool,
// "group:<id>" a group, anything else one account id.
func ParseBinding(raw string) Binding {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return Binding{Kind: KindPooled}
	case strings.HasPrefix(raw, GroupPrefix):
		return Binding{Kind: KindGroup, GroupID: strings.TrimSpace(strings.TrimPrefix(raw, GroupPrefix))}
	default:
		return Binding{Kind: KindBound, AccountID: raw}
	}
}

// String renders the binding in its stored form.
func (b Binding) String() string {
	switch b.Kind {
	case KindBound:
		return b.AccountID
	case KindGroup:
		return GroupPrefix + b.GroupID
	}
	return ""
}

package assignments

import (
	"context"
	"sort"
	"sync"

	"github.com/rendis/stateflow/pkg/schema"
)

// GroupResolver expands a group name into its member user IDs. Hosts plug in
// their directory here; the default StaticGroupResolver is a host-populated
// in-memory table.
type GroupResolver interface {
	ResolveGroup(ctx context.Context, group string) ([]string, error)
}

// StaticGroupResolver resolves groups from an in-memory membership table.
// A group with no registered membership resolves to the group name itself,
// so until a host calls SetGroup an assigned group name doubles as a user
// id. Thread-safe.
type StaticGroupResolver struct {
	mu      sync.RWMutex
	members map[string][]string
}

// NewStaticGroupResolver creates an empty StaticGroupResolver.
func NewStaticGroupResolver() *StaticGroupResolver {
	return &StaticGroupResolver{
		members: make(map[string][]string),
	}
}

// SetGroup replaces the membership of a group.
func (r *StaticGroupResolver) SetGroup(group string, users ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[group] = append([]string(nil), users...)
}

func (r *StaticGroupResolver) ResolveGroup(_ context.Context, group string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members, ok := r.members[group]
	if !ok {
		return []string{group}, nil
	}
	return append([]string(nil), members...), nil
}

// Resolver answers authorization questions about who may act on a state.
type Resolver struct {
	groups GroupResolver
}

// NewResolver creates a Resolver. A nil group resolver falls back to an
// empty StaticGroupResolver with its group-name-as-user default.
func NewResolver(groups GroupResolver) *Resolver {
	if groups == nil {
		groups = NewStaticGroupResolver()
	}
	return &Resolver{groups: groups}
}

// CanActOnState reports whether a user may trigger events while the given
// state is active. Authorization is fail-closed: a state with no assignment
// rules admits only the system actor.
func (r *Resolver) CanActOnState(ctx context.Context, state *schema.StateDefinition, userID string) (bool, error) {
	if userID == schema.SystemActorID {
		return true, nil
	}
	rules := state.Assignments
	if rules == nil {
		return false, nil
	}

	for _, u := range rules.Users {
		if u == userID {
			return true, nil
		}
	}

	for _, g := range rules.Groups {
		members, err := r.groups.ResolveGroup(ctx, g)
		if err != nil {
			return false, err
		}
		for _, m := range members {
			if m == userID {
				return true, nil
			}
		}
	}
	return false, nil
}

// Assignments aggregates the direct users and groups authorized across a set
// of states, deduplicated and sorted.
type Assignments struct {
	Users  []string
	Groups []string
}

// Collect gathers the assignment rules of every given state into one
// deduplicated view. States without rules contribute nothing.
func Collect(states []*schema.StateDefinition) Assignments {
	userSet := make(map[string]struct{})
	groupSet := make(map[string]struct{})
	for _, st := range states {
		if st == nil || st.Assignments == nil {
			continue
		}
		for _, u := range st.Assignments.Users {
			userSet[u] = struct{}{}
		}
		for _, g := range st.Assignments.Groups {
			groupSet[g] = struct{}{}
		}
	}
	return Assignments{
		Users:  sortedKeys(userSet),
		Groups: sortedKeys(groupSet),
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

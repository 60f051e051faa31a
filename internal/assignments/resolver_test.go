package assignments

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stateflow/pkg/schema"
)

func TestCanActOnStateDirectUser(t *testing.T) {
	r := NewResolver(nil)
	state := &schema.StateDefinition{
		Name:        "Review",
		Assignments: &schema.AssignmentRules{Users: []string{"alice", "bob"}},
	}

	ok, err := r.CanActOnState(context.Background(), state, "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.CanActOnState(context.Background(), state, "mallory")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCanActOnStateGroupMembership(t *testing.T) {
	groups := NewStaticGroupResolver()
	groups.SetGroup("reviewers", "carol", "dave")
	r := NewResolver(groups)

	state := &schema.StateDefinition{
		Name:        "Review",
		Assignments: &schema.AssignmentRules{Groups: []string{"reviewers"}},
	}

	ok, err := r.CanActOnState(context.Background(), state, "carol")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.CanActOnState(context.Background(), state, "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	// Registered membership replaces the group-name-as-user default.
	ok, err = r.CanActOnState(context.Background(), state, "reviewers")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGroupNameActsAsUserByDefault(t *testing.T) {
	r := NewResolver(nil)
	state := &schema.StateDefinition{
		Name:        "Review",
		Assignments: &schema.AssignmentRules{Groups: []string{"approvers"}},
	}

	ok, err := r.CanActOnState(context.Background(), state, "approvers")
	require.NoError(t, err)
	assert.True(t, ok, "unregistered group names double as user ids")

	ok, err = r.CanActOnState(context.Background(), state, "mallory")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCanActOnStateDeniedWhenUnassigned(t *testing.T) {
	r := NewResolver(nil)
	for _, state := range []*schema.StateDefinition{
		{Name: "NoRules"},
		{Name: "EmptyRules", Assignments: &schema.AssignmentRules{}},
	} {
		ok, err := r.CanActOnState(context.Background(), state, "anyone")
		require.NoError(t, err)
		assert.False(t, ok, state.Name)
	}
}

func TestSystemActorAlwaysAuthorized(t *testing.T) {
	r := NewResolver(nil)
	state := &schema.StateDefinition{
		Name:        "Locked",
		Assignments: &schema.AssignmentRules{Users: []string{"alice"}},
	}

	ok, err := r.CanActOnState(context.Background(), state, schema.SystemActorID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCollectDeduplicates(t *testing.T) {
	got := Collect([]*schema.StateDefinition{
		{Assignments: &schema.AssignmentRules{Users: []string{"bob", "alice"}, Groups: []string{"ops"}}},
		{Assignments: &schema.AssignmentRules{Users: []string{"alice"}, Groups: []string{"ops", "admins"}}},
		{Name: "NoRules"},
		nil,
	})

	assert.Equal(t, []string{"alice", "bob"}, got.Users)
	assert.Equal(t, []string{"admins", "ops"}, got.Groups)
}

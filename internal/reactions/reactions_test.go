package reactions_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"chatsync/internal/domain"
	"chatsync/internal/reactions"
)

func TestAggregateFirstSeenOrder(t *testing.T) {
	rs := []domain.Reaction{
		{UserID: "u1", Emoji: "❤️"},
		{UserID: "u2", Emoji: "👍"},
		{UserID: "u3", Emoji: "❤️"},
		{UserID: "u4", Emoji: "😂"},
	}

	groups := reactions.Aggregate(rs)

	assert.Len(t, groups, 3)
	assert.Equal(t, "❤️", groups[0].Emoji)
	assert.Equal(t, 2, groups[0].Count)
	assert.Equal(t, []string{"u1", "u3"}, groups[0].UserIDs)
	assert.Equal(t, "👍", groups[1].Emoji)
	assert.Equal(t, "😂", groups[2].Emoji)
}

func TestAggregateEmpty(t *testing.T) {
	assert.Empty(t, reactions.Aggregate(nil))
}

func TestToggleAddRemove(t *testing.T) {
	now := time.Now()

	once := reactions.Toggle(nil, "u1", "❤️", now)
	assert.Len(t, once, 1)
	assert.True(t, reactions.Has(once, "u1", "❤️"))

	// Toggling the same emoji twice returns to the original state.
	twice := reactions.Toggle(once, "u1", "❤️", now)
	assert.Empty(t, twice)
}

func TestToggleReplacesExistingEmoji(t *testing.T) {
	now := time.Now()
	rs := []domain.Reaction{
		{UserID: "u1", Emoji: "❤️", CreatedAt: now},
		{UserID: "u2", Emoji: "❤️", CreatedAt: now},
	}

	out := reactions.Toggle(rs, "u1", "👍", now)

	assert.Len(t, out, 2)
	assert.False(t, reactions.Has(out, "u1", "❤️"))
	assert.True(t, reactions.Has(out, "u1", "👍"))
	assert.True(t, reactions.Has(out, "u2", "❤️"))
}

func TestToggleDoesNotMutateInput(t *testing.T) {
	rs := []domain.Reaction{{UserID: "u1", Emoji: "❤️"}}
	_ = reactions.Toggle(rs, "u1", "❤️", time.Now())
	assert.Len(t, rs, 1)
}

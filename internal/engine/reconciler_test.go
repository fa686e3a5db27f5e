package engine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chatsync/internal/domain"
	"chatsync/internal/engine"
	"chatsync/internal/msgstore"
)

func newReconciler(api domain.MessageAPI) (*engine.Reconciler, *msgstore.Store) {
	store := msgstore.New("c1")
	return engine.NewReconciler(store, api, nil, nil), store
}

func placeholder(content string, at time.Time) *domain.Message {
	return &domain.Message{
		ID:             domain.NewLocalID(),
		ConversationID: "c1",
		SenderID:       "me",
		Content:        content,
		Type:           domain.MessageTypeText,
		CreatedAt:      at,
		Pending:        true,
	}
}

func TestConfirmationReplacesPlaceholder(t *testing.T) {
	rec, store := newReconciler(nil)
	now := time.Now().UTC()

	p := placeholder("hello", now)
	rec.TrackSend(p)
	require.Equal(t, 1, store.Len())

	rec.OnSendConfirmed(p.ID, serverMsg("s1", "me", "hello", now.Add(200*time.Millisecond)))

	msgs := rec.Snapshot()
	require.Len(t, msgs, 1)
	assert.Equal(t, "s1", msgs[0].ID)
	assert.False(t, msgs[0].Pending)
	_, stillThere := store.Get(p.ID)
	assert.False(t, stillThere)
}

func TestOwnMessageDedupe_PushBeforeResponse(t *testing.T) {
	rec, _ := newReconciler(nil)
	now := time.Now().UTC()

	p := placeholder("hello", now)
	rec.TrackSend(p)

	// Push event for our own send lands before the HTTP response.
	confirmed := serverMsg("s1", "me", "hello", now.Add(300*time.Millisecond))
	rec.OnEvent(domain.Event{Kind: domain.EventMessageCreated, ConversationID: "c1", MessageID: "s1", Message: confirmed})

	msgs := rec.Snapshot()
	require.Len(t, msgs, 1)
	assert.Equal(t, "s1", msgs[0].ID)

	// The response for the same send must not duplicate it.
	rec.OnSendConfirmed(p.ID, confirmed)
	assert.Len(t, rec.Snapshot(), 1)
}

func TestOwnMessageDedupe_ResponseBeforePush(t *testing.T) {
	rec, _ := newReconciler(nil)
	now := time.Now().UTC()

	p := placeholder("hello", now)
	rec.TrackSend(p)

	confirmed := serverMsg("s1", "me", "hello", now.Add(300*time.Millisecond))
	rec.OnSendConfirmed(p.ID, confirmed)
	rec.OnEvent(domain.Event{Kind: domain.EventMessageCreated, ConversationID: "c1", MessageID: "s1", Message: confirmed})

	msgs := rec.Snapshot()
	require.Len(t, msgs, 1)
	assert.Equal(t, "s1", msgs[0].ID)
}

func TestPendingMatchRespectsWindow(t *testing.T) {
	rec, _ := newReconciler(nil)
	now := time.Now().UTC()

	p := placeholder("hello", now)
	rec.TrackSend(p)

	// Same sender and content, but a timestamp far outside the window: a
	// genuinely different message (e.g. the user said "hello" yesterday too).
	foreign := serverMsg("s9", "me", "hello", now.Add(-time.Hour))
	rec.OnEvent(domain.Event{Kind: domain.EventMessageCreated, ConversationID: "c1", MessageID: "s9", Message: foreign})

	assert.Len(t, rec.Snapshot(), 2)
}

func TestForeignMessageOrdering(t *testing.T) {
	rec, _ := newReconciler(nil)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	rec.Seed([]*domain.Message{
		serverMsg("s10", "u2", "first", base.Add(10*time.Second)),
		serverMsg("s30", "u2", "third", base.Add(30*time.Second)),
	})
	rec.OnEvent(domain.Event{
		Kind:           domain.EventMessageCreated,
		ConversationID: "c1",
		MessageID:      "s20",
		Message:        serverMsg("s20", "u3", "second", base.Add(20*time.Second)),
	})

	msgs := rec.Snapshot()
	require.Len(t, msgs, 3)
	assert.Equal(t, "s10", msgs[0].ID)
	assert.Equal(t, "s20", msgs[1].ID)
	assert.Equal(t, "s30", msgs[2].ID)
}

func TestSendFailureLeavesNoTrace(t *testing.T) {
	rec, store := newReconciler(nil)

	p := placeholder("hi", time.Now().UTC())
	rec.TrackSend(p)
	rec.OnSendFailed(p.ID, assert.AnError)

	assert.Equal(t, 0, store.Len())
	// A late push event must not resurrect the rolled-back placeholder match.
	rec.OnSendFailed(p.ID, assert.AnError)
	assert.Equal(t, 0, store.Len())
}

func TestDeletedEventRemoves(t *testing.T) {
	rec, _ := newReconciler(nil)
	rec.Seed([]*domain.Message{serverMsg("s1", "u2", "bye", time.Now().UTC())})

	rec.OnEvent(domain.Event{Kind: domain.EventMessageDeleted, ConversationID: "c1", MessageID: "s1"})
	rec.OnEvent(domain.Event{Kind: domain.EventMessageDeleted, ConversationID: "c1", MessageID: "s1"}) // duplicate is a no-op

	assert.Empty(t, rec.Snapshot())
}

func TestReactionChangedWithSet(t *testing.T) {
	rec, _ := newReconciler(nil)
	rec.Seed([]*domain.Message{serverMsg("s1", "u2", "hey", time.Now().UTC())})

	rec.OnEvent(domain.Event{
		Kind:           domain.EventReactionChanged,
		ConversationID: "c1",
		MessageID:      "s1",
		Reactions:      []domain.Reaction{{UserID: "u3", Emoji: "👍"}},
		HasReactions:   true,
	})

	m, ok := rec.Message("s1")
	require.True(t, ok)
	require.Len(t, m.Reactions, 1)
	assert.Equal(t, "👍", m.Reactions[0].Emoji)
}

func TestReactionChangedWithoutSetRefetches(t *testing.T) {
	api := new(MockAPI)
	rec, _ := newReconciler(api)
	rec.Seed([]*domain.Message{serverMsg("s1", "u2", "hey", time.Now().UTC())})

	fetched := make(chan struct{})
	api.On("FetchReactions", mock.Anything, "s1").
		Run(func(mock.Arguments) { close(fetched) }).
		Return([]domain.Reaction{{UserID: "u3", Emoji: "❤️"}}, nil)

	rec.OnEvent(domain.Event{Kind: domain.EventReactionChanged, ConversationID: "c1", MessageID: "s1"})

	select {
	case <-fetched:
	case <-time.After(time.Second):
		t.Fatal("refetch never happened")
	}
	assert.Eventually(t, func() bool {
		m, ok := rec.Message("s1")
		return ok && len(m.Reactions) == 1 && m.Reactions[0].Emoji == "❤️"
	}, time.Second, 10*time.Millisecond)
}

func TestApplyResyncDiffsAgainstStore(t *testing.T) {
	rec, _ := newReconciler(nil)
	base := time.Now().UTC()

	rec.Seed([]*domain.Message{
		serverMsg("stale", "u2", "gone on server", base),
		serverMsg("kept", "u2", "still here", base.Add(time.Second)),
	})
	pending := placeholder("in flight", base.Add(2*time.Second))
	rec.TrackSend(pending)

	rec.ApplyResync([]*domain.Message{
		serverMsg("kept", "u2", "still here", base.Add(time.Second)),
		serverMsg("new", "u3", "missed while offline", base.Add(1500*time.Millisecond)),
	})

	msgs := rec.Snapshot()
	require.Len(t, msgs, 3)
	assert.Equal(t, "kept", msgs[0].ID)
	assert.Equal(t, "new", msgs[1].ID)
	assert.Equal(t, pending.ID, msgs[2].ID) // pending placeholder survives
}

func TestApplyResyncConfirmsPending(t *testing.T) {
	rec, _ := newReconciler(nil)
	now := time.Now().UTC()

	p := placeholder("hello", now)
	rec.TrackSend(p)

	// The send reached the server during the gap; the refetch carries it.
	rec.ApplyResync([]*domain.Message{serverMsg("s1", "me", "hello", now.Add(time.Second))})

	msgs := rec.Snapshot()
	require.Len(t, msgs, 1)
	assert.Equal(t, "s1", msgs[0].ID)
}

func TestClosedReconcilerTolerated(t *testing.T) {
	rec, _ := newReconciler(nil)
	p := placeholder("hello", time.Now().UTC())
	rec.TrackSend(p)

	rec.Close()

	// In-flight resolutions after teardown must be silent no-ops.
	rec.OnSendConfirmed(p.ID, serverMsg("s1", "me", "hello", time.Now().UTC()))
	rec.OnEvent(domain.Event{Kind: domain.EventMessageDeleted, MessageID: "s1"})
	assert.Empty(t, rec.Snapshot())
}

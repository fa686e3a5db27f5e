package engine_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chatsync/internal/domain"
	"chatsync/internal/engine"
	"chatsync/internal/subscription"
)

func publishCreated(t *testing.T, feed *subscription.InMem, m *domain.Message) {
	t.Helper()
	row, err := json.Marshal(m)
	require.NoError(t, err)
	raw, err := json.Marshal(subscription.Record{
		EventType: subscription.EventInsert,
		Table:     subscription.TableMessages,
		Row:       row,
	})
	require.NoError(t, err)
	require.NoError(t, feed.Publish(context.Background(), subscription.MessageSubject(m.ConversationID), raw))
}

func openConversation(t *testing.T, api *MockAPI, feed *subscription.InMem, initial []*domain.Message) *engine.Conversation {
	t.Helper()
	api.On("FetchMessages", mock.Anything, "c1").Return(initial, nil).Once()
	conv, err := engine.Open(context.Background(), engine.Options{
		ConversationID: "c1",
		UserID:         "me",
		API:            api,
		Blobs:          new(MockBlobs),
		Feed:           feed,
	})
	require.NoError(t, err)
	t.Cleanup(conv.Close)
	return conv
}

func TestOpenSeedsFromFetch(t *testing.T) {
	api := new(MockAPI)
	feed := subscription.NewInMem()
	base := time.Now().UTC()

	conv := openConversation(t, api, feed, []*domain.Message{
		serverMsg("s1", "u2", "hi", base),
		serverMsg("s2", "u2", "there", base.Add(time.Second)),
	})

	msgs := conv.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "s1", msgs[0].ID)
}

func TestPushEventFlowsIntoView(t *testing.T) {
	api := new(MockAPI)
	feed := subscription.NewInMem()
	conv := openConversation(t, api, feed, nil)

	publishCreated(t, feed, serverMsg("s1", "u2", "from elsewhere", time.Now().UTC()))

	assert.Eventually(t, func() bool {
		return len(conv.Messages()) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestOwnSendRacesPushEvent(t *testing.T) {
	api := new(MockAPI)
	feed := subscription.NewInMem()
	conv := openConversation(t, api, feed, nil)

	now := time.Now().UTC()
	confirmed := serverMsg("s1", "me", "hello", now)

	// Hold the HTTP response until the push event has landed.
	release := make(chan struct{})
	api.On("SendMessage", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return(confirmed, nil)

	_, err := conv.SendText(context.Background(), "hello")
	require.NoError(t, err)

	publishCreated(t, feed, confirmed)
	assert.Eventually(t, func() bool {
		msgs := conv.Messages()
		return len(msgs) == 1 && msgs[0].ID == "s1"
	}, time.Second, 10*time.Millisecond)

	close(release)
	conv.Wait()

	msgs := conv.Messages()
	require.Len(t, msgs, 1, "confirmation after push event must not duplicate")
	assert.Equal(t, "s1", msgs[0].ID)
}

func TestReplySnapshotSurvivesDeletion(t *testing.T) {
	api := new(MockAPI)
	feed := subscription.NewInMem()
	base := time.Now().UTC()
	conv := openConversation(t, api, feed, []*domain.Message{
		serverMsg("sA", "u2", "original words", base),
	})

	replyConfirmed := serverMsg("sB", "me", "replying", base.Add(time.Second))
	replyConfirmed.ReplyTo = &domain.ReplyRef{MessageID: "sA", SenderID: "u2", Content: "original words", Type: domain.MessageTypeText}
	api.On("SendMessage", mock.Anything, mock.Anything).Return(replyConfirmed, nil)

	require.NoError(t, conv.SetReplyTo("sA"))
	_, err := conv.SendText(context.Background(), "replying")
	require.NoError(t, err)
	conv.Wait()

	// A is deleted; B's captured snapshot must keep rendering.
	convApplyDelete(t, feed, "c1", "sA")

	assert.Eventually(t, func() bool {
		msgs := conv.Messages()
		if len(msgs) != 1 {
			return false
		}
		b := msgs[0]
		return b.ID == "sB" && b.ReplyTo != nil && b.ReplyTo.Content == "original words"
	}, time.Second, 10*time.Millisecond)
}

func convApplyDelete(t *testing.T, feed *subscription.InMem, conversationID, messageID string) {
	t.Helper()
	row, _ := json.Marshal(map[string]string{"id": messageID, "conversation_id": conversationID})
	raw, _ := json.Marshal(subscription.Record{EventType: subscription.EventDelete, Table: subscription.TableMessages, Row: row})
	require.NoError(t, feed.Publish(context.Background(), subscription.MessageSubject(conversationID), raw))
}

func TestReconnectTriggersResync(t *testing.T) {
	api := new(MockAPI)
	feed := subscription.NewInMem()
	conv := openConversation(t, api, feed, nil)

	missed := serverMsg("s9", "u2", "sent during the gap", time.Now().UTC())
	api.On("FetchMessages", mock.Anything, "c1").Return([]*domain.Message{missed}, nil)

	feed.SimulateReconnect()

	assert.Eventually(t, func() bool {
		msgs := conv.Messages()
		return len(msgs) == 1 && msgs[0].ID == "s9"
	}, time.Second, 10*time.Millisecond)
}

func TestMarkRead(t *testing.T) {
	api := new(MockAPI)
	feed := subscription.NewInMem()
	conv := openConversation(t, api, feed, []*domain.Message{
		serverMsg("s1", "u2", "unread", time.Now().UTC()),
	})

	api.On("MarkConversationRead", mock.Anything, "c1").Return(nil)
	conv.MarkRead(context.Background())

	msgs := conv.Messages()
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].IsRead)
	conv.Wait()
	api.AssertCalled(t, "MarkConversationRead", mock.Anything, "c1")
}

func TestCloseToleratesInFlightResolutions(t *testing.T) {
	api := new(MockAPI)
	feed := subscription.NewInMem()
	conv := openConversation(t, api, feed, nil)

	confirmed := serverMsg("s1", "me", "late", time.Now().UTC())
	release := make(chan struct{})
	api.On("SendMessage", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return(confirmed, nil)

	_, err := conv.SendText(context.Background(), "late")
	require.NoError(t, err)

	conv.Close()
	close(release) // request resolves into a torn-down store: tolerated no-op
	conv.Wait()

	assert.Empty(t, conv.Messages())
	_, err = conv.SendText(context.Background(), "after close")
	assert.ErrorIs(t, err, domain.ErrSessionClosed)
}

func TestReactionGroupsDerivation(t *testing.T) {
	api := new(MockAPI)
	feed := subscription.NewInMem()
	msg := serverMsg("s1", "u2", "hey", time.Now().UTC())
	msg.Reactions = []domain.Reaction{
		{UserID: "u3", Emoji: "❤️"},
		{UserID: "u4", Emoji: "👍"},
		{UserID: "u5", Emoji: "❤️"},
	}
	conv := openConversation(t, api, feed, []*domain.Message{msg})

	groups := conv.ReactionGroups("s1")
	require.Len(t, groups, 2)
	assert.Equal(t, "❤️", groups[0].Emoji)
	assert.Equal(t, 2, groups[0].Count)
}

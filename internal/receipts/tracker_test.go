package receipts

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-client/internal/mocks"
	"chat-client/internal/models"
)

func TestMarkSeenEmitsOncePerActivity(t *testing.T) {
	fake := mocks.NewTransportFake()
	tracker := NewTracker(fake)
	defer tracker.Close()

	require.NoError(t, tracker.MarkSeen("c1"))
	require.NoError(t, tracker.MarkSeen("c1"))
	require.NoError(t, tracker.MarkSeen("c1"))

	seen := fake.SentNamed(models.EventSeenMessage)
	require.Len(t, seen, 1)
	assert.Equal(t, models.SeenPayload{ConversationID: "c1"}, seen[0].Payload)
}

func TestCounterpartMessageReArmsSeen(t *testing.T) {
	fake := mocks.NewTransportFake()
	tracker := NewTracker(fake)
	defer tracker.Close()

	require.NoError(t, tracker.MarkSeen("c1"))
	assert.True(t, tracker.Clean("c1"))

	tracker.NoteMessage(models.Message{ConversationID: "c1", SenderID: "u2"}, "self")
	assert.False(t, tracker.Clean("c1"))

	require.NoError(t, tracker.MarkSeen("c1"))
	assert.Len(t, fake.SentNamed(models.EventSeenMessage), 2)
}

func TestOwnMessageDoesNotReArmSeen(t *testing.T) {
	fake := mocks.NewTransportFake()
	tracker := NewTracker(fake)
	defer tracker.Close()

	require.NoError(t, tracker.MarkSeen("c1"))
	tracker.NoteMessage(models.Message{ConversationID: "c1", SenderID: "self"}, "self")
	require.NoError(t, tracker.MarkSeen("c1"))

	assert.Len(t, fake.SentNamed(models.EventSeenMessage), 1)
}

func TestMarkSeenTracksConversationsIndependently(t *testing.T) {
	fake := mocks.NewTransportFake()
	tracker := NewTracker(fake)
	defer tracker.Close()

	require.NoError(t, tracker.MarkSeen("c1"))
	require.NoError(t, tracker.MarkSeen("c2"))
	tracker.NoteMessage(models.Message{ConversationID: "c1", SenderID: "u2"}, "self")
	require.NoError(t, tracker.MarkSeen("c1"))
	require.NoError(t, tracker.MarkSeen("c2"))

	assert.Len(t, fake.SentNamed(models.EventSeenMessage), 3)
}

func TestMarkSeenRetriesAfterSendFailure(t *testing.T) {
	fake := mocks.NewTransportFake()
	tracker := NewTracker(fake)
	defer tracker.Close()

	fake.SendErr = errors.New("queue full")
	require.Error(t, tracker.MarkSeen("c1"))

	fake.SendErr = nil
	require.NoError(t, tracker.MarkSeen("c1"))
	assert.Len(t, fake.SentNamed(models.EventSeenMessage), 1)
}

func TestRemoteSeenNotifiesListeners(t *testing.T) {
	fake := mocks.NewTransportFake()
	tracker := NewTracker(fake)
	defer tracker.Close()

	var seen []string
	unsub := tracker.OnRemoteSeen(func(conversationID string) {
		seen = append(seen, conversationID)
	})

	fake.Emit(models.EventNewSeen, models.NewSeenEvent{ConversationID: "c1"})
	require.Equal(t, []string{"c1"}, seen)

	unsub()
	fake.Emit(models.EventNewSeen, models.NewSeenEvent{ConversationID: "c2"})
	assert.Equal(t, []string{"c1"}, seen)
}

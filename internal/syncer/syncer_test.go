package syncer

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-client/internal/history"
	"chat-client/internal/mocks"
	"chat-client/internal/models"
)

func newTestSynchronizer(t *testing.T, fake *mocks.TransportFake, fetcher *mocks.FetcherMock, now time.Time) *Synchronizer {
	t.Helper()
	s := New(Config{
		Transport: fake,
		Fetcher:   fetcher,
		SelfID:    "self",
		PageSize:  30,
		Tolerance: 5 * time.Second,
		Now:       func() time.Time { return now },
	})
	t.Cleanup(s.Close)
	return s
}

func confirmed(id, conv, sender, body string, at time.Time) models.Message {
	return models.Message{
		ID:             id,
		ConversationID: conv,
		SenderID:       sender,
		Body:           body,
		SentAt:         at,
		Provenance:     models.ProvenanceConfirmed,
	}
}

func TestSendThenEchoNetsOneMessage(t *testing.T) {
	fake := mocks.NewTransportFake()
	fetcher := new(mocks.FetcherMock)
	sent := time.UnixMilli(1000).UTC()
	s := newTestSynchronizer(t, fake, fetcher, sent)

	msg, err := s.SendMessage("c1", "hello", nil)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(msg.ID, "tmp-"))
	require.Equal(t, models.ProvenanceOptimistic, msg.Provenance)

	seq := s.Messages("c1")
	require.Len(t, seq, 1)

	fake.Emit(models.EventNewMessage, models.NewMessageEvent{
		ID:             "55",
		ConversationID: "c1",
		SenderID:       "self",
		Message:        "hello",
		Time:           1000,
	})

	seq = s.Messages("c1")
	require.Len(t, seq, 1)
	assert.Equal(t, "55", seq[0].ID)
	assert.Equal(t, models.ProvenanceConfirmed, seq[0].Provenance)
	for _, m := range seq {
		assert.False(t, strings.HasPrefix(m.ID, "tmp-"))
	}

	outbound := fake.SentNamed(models.EventSendMessage)
	require.Len(t, outbound, 1)
	payload := outbound[0].Payload.(models.SendMessagePayload)
	assert.Equal(t, "c1", payload.ConversationID)
	assert.Equal(t, "hello", payload.Message)
	assert.Equal(t, msg.ID, payload.ClientRef)
}

func TestEchoOutsideToleranceAppends(t *testing.T) {
	fake := mocks.NewTransportFake()
	fetcher := new(mocks.FetcherMock)
	sent := time.UnixMilli(1000).UTC()
	s := newTestSynchronizer(t, fake, fetcher, sent)

	_, err := s.SendMessage("c1", "hello", nil)
	require.NoError(t, err)

	fake.Emit(models.EventNewMessage, models.NewMessageEvent{
		ID:             "77",
		ConversationID: "c1",
		SenderID:       "self",
		Message:        "hello",
		Time:           sent.Add(time.Minute).UnixMilli(),
	})

	require.Len(t, s.Messages("c1"), 2)
}

func TestInboundOrderedByTimestamp(t *testing.T) {
	fake := mocks.NewTransportFake()
	fetcher := new(mocks.FetcherMock)
	s := newTestSynchronizer(t, fake, fetcher, time.Now())

	base := time.UnixMilli(0)
	for _, event := range []models.NewMessageEvent{
		{ID: "m3", ConversationID: "c1", SenderID: "u2", Message: "three", Time: base.Add(30 * time.Second).UnixMilli()},
		{ID: "m1", ConversationID: "c1", SenderID: "u2", Message: "one", Time: base.Add(10 * time.Second).UnixMilli()},
		{ID: "m2", ConversationID: "c1", SenderID: "u2", Message: "two", Time: base.Add(20 * time.Second).UnixMilli()},
	} {
		fake.Emit(models.EventNewMessage, event)
	}

	seq := s.Messages("c1")
	require.Len(t, seq, 3)
	assert.Equal(t, []string{"m1", "m2", "m3"}, []string{seq[0].ID, seq[1].ID, seq[2].ID})
}

func TestInboundDuplicateIDIgnored(t *testing.T) {
	fake := mocks.NewTransportFake()
	fetcher := new(mocks.FetcherMock)
	s := newTestSynchronizer(t, fake, fetcher, time.Now())

	event := models.NewMessageEvent{ID: "m1", ConversationID: "c1", SenderID: "u2", Message: "hi", Time: 1000}
	fake.Emit(models.EventNewMessage, event)
	fake.Emit(models.EventNewMessage, event)

	require.Len(t, s.Messages("c1"), 1)
}

func TestLiveEventDuringHistoryFetch(t *testing.T) {
	fake := mocks.NewTransportFake()
	fetcher := new(mocks.FetcherMock)
	s := newTestSynchronizer(t, fake, fetcher, time.Now())

	base := time.UnixMilli(0)
	page := []models.Message{
		confirmed("m1", "c1", "u2", "one", base.Add(10*time.Second)),
		confirmed("m3", "c1", "u2", "three", base.Add(30*time.Second)),
	}
	fetcher.On("FetchMessages", mock.Anything, "c1", 1, 30, "", history.SortAsc).
		Return(page, nil).
		Run(func(mock.Arguments) {
			// The live event lands while the fetch is still in flight.
			fake.Emit(models.EventNewMessage, models.NewMessageEvent{
				ID: "m2", ConversationID: "c1", SenderID: "u2", Message: "two",
				Time: base.Add(20 * time.Second).UnixMilli(),
			})
		}).Once()

	require.NoError(t, s.LoadHistory(context.Background(), "c1"))

	seq := s.Messages("c1")
	require.Len(t, seq, 3)
	assert.Equal(t, []string{"m1", "m2", "m3"}, []string{seq[0].ID, seq[1].ID, seq[2].ID})

	state, historyErr := s.StateOf("c1")
	assert.Equal(t, StateReady, state)
	assert.False(t, historyErr)
	fetcher.AssertExpectations(t)
}

func TestLoadHistoryFailureDegradesToReady(t *testing.T) {
	fake := mocks.NewTransportFake()
	fetcher := new(mocks.FetcherMock)
	s := newTestSynchronizer(t, fake, fetcher, time.Now())

	fetchErr := &history.FetchFailed{Kind: "messages", ConversationID: "c1", Page: 1, Err: errors.New("boom")}
	fetcher.On("FetchMessages", mock.Anything, "c1", 1, 30, "", history.SortAsc).
		Return(([]models.Message)(nil), fetchErr).Once()

	err := s.LoadHistory(context.Background(), "c1")
	require.Error(t, err)

	var failed *history.FetchFailed
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, "c1", failed.ConversationID)
	assert.Equal(t, 1, failed.Page)

	state, historyErr := s.StateOf("c1")
	assert.Equal(t, StateReady, state)
	assert.True(t, historyErr)

	// Live events are still accepted in the degraded state.
	fake.Emit(models.EventNewMessage, models.NewMessageEvent{
		ID: "m1", ConversationID: "c1", SenderID: "u2", Message: "hi", Time: 1000,
	})
	require.Len(t, s.Messages("c1"), 1)
	fetcher.AssertExpectations(t)
}

func TestStaleFetchDiscarded(t *testing.T) {
	fake := mocks.NewTransportFake()
	fetcher := new(mocks.FetcherMock)
	s := newTestSynchronizer(t, fake, fetcher, time.Now())

	entered := make(chan struct{})
	release := make(chan struct{})
	stale := []models.Message{confirmed("old", "c1", "u2", "stale", time.UnixMilli(1000))}
	fresh := []models.Message{confirmed("new", "c1", "u2", "fresh", time.UnixMilli(2000))}

	fetcher.On("FetchMessages", mock.Anything, "c1", 1, 30, "", history.SortAsc).
		Return(stale, nil).
		Run(func(mock.Arguments) {
			close(entered)
			<-release
		}).Once()
	fetcher.On("FetchMessages", mock.Anything, "c1", 1, 30, "", history.SortAsc).
		Return(fresh, nil).Once()

	done := make(chan error, 1)
	go func() { done <- s.LoadHistory(context.Background(), "c1") }()
	<-entered

	require.NoError(t, s.LoadHistory(context.Background(), "c1"))
	close(release)
	require.NoError(t, <-done)

	seq := s.Messages("c1")
	require.Len(t, seq, 1)
	assert.Equal(t, "new", seq[0].ID)
	fetcher.AssertExpectations(t)
}

func TestReconcileAfterReconnectIsSuperset(t *testing.T) {
	fake := mocks.NewTransportFake()
	fetcher := new(mocks.FetcherMock)
	s := newTestSynchronizer(t, fake, fetcher, time.Now())

	// Pre-disconnect state arrives live.
	fake.Emit(models.EventNewMessage, models.NewMessageEvent{
		ID: "m1", ConversationID: "c1", SenderID: "u2", Message: "one", Time: 1000,
	})
	fake.Emit(models.EventNewMessage, models.NewMessageEvent{
		ID: "m2", ConversationID: "c1", SenderID: "u2", Message: "two", Time: 2000,
	})

	// The page fetched after reconnect overlaps and extends it.
	page := []models.Message{
		confirmed("m2", "c1", "u2", "two", time.UnixMilli(2000)),
		confirmed("m3", "c1", "u2", "missed", time.UnixMilli(3000)),
	}
	fetcher.On("FetchMessages", mock.Anything, "c1", 1, 30, "", history.SortAsc).
		Return(page, nil).Once()

	require.NoError(t, s.ReconcileAfterReconnect(context.Background(), "c1"))

	seq := s.Messages("c1")
	require.Len(t, seq, 3)
	ids := map[string]bool{}
	for _, m := range seq {
		ids[m.ID] = true
	}
	for _, id := range []string{"m1", "m2", "m3"} {
		assert.True(t, ids[id], "missing %s after reconcile", id)
	}
	fetcher.AssertExpectations(t)
}

func TestReconnectTriggersReconcile(t *testing.T) {
	fake := mocks.NewTransportFake()
	fetcher := new(mocks.FetcherMock)
	s := newTestSynchronizer(t, fake, fetcher, time.Now())

	fake.Emit(models.EventNewMessage, models.NewMessageEvent{
		ID: "m1", ConversationID: "c1", SenderID: "u2", Message: "one", Time: 1000,
	})

	fetched := make(chan struct{})
	fetcher.On("FetchMessages", mock.Anything, "c1", 1, 30, "", history.SortAsc).
		Return([]models.Message{confirmed("m2", "c1", "u2", "missed", time.UnixMilli(2000))}, nil).
		Run(func(mock.Arguments) { close(fetched) }).Once()

	fake.SetState(models.ConnClosed)
	fake.SetState(models.ConnOpen)

	select {
	case <-fetched:
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect did not trigger a history reconcile")
	}

	require.Eventually(t, func() bool {
		return len(s.Messages("c1")) == 2
	}, 2*time.Second, 10*time.Millisecond)
	fetcher.AssertExpectations(t)
}

func TestSendFailureMarksMessageFailed(t *testing.T) {
	fake := mocks.NewTransportFake()
	fake.SendErr = errors.New("queue full")
	fetcher := new(mocks.FetcherMock)
	s := newTestSynchronizer(t, fake, fetcher, time.Now())

	msg, err := s.SendMessage("c1", "hello", nil)
	require.ErrorIs(t, err, ErrConnectionUnavailable)
	assert.True(t, msg.Failed)

	seq := s.Messages("c1")
	require.Len(t, seq, 1)
	assert.True(t, seq[0].Failed)
	assert.Equal(t, models.ProvenanceOptimistic, seq[0].Provenance)
}

func TestDroppedQueuedSendMarksMessageFailed(t *testing.T) {
	fake := mocks.NewTransportFake()
	fetcher := new(mocks.FetcherMock)
	s := newTestSynchronizer(t, fake, fetcher, time.Now())

	msg, err := s.SendMessage("c1", "hello", nil)
	require.NoError(t, err)

	s.HandleDroppedSend(models.EventSendMessage, models.SendMessagePayload{
		ConversationID: "c1",
		Message:        "hello",
		ClientRef:      msg.ID,
	})

	seq := s.Messages("c1")
	require.Len(t, seq, 1)
	assert.True(t, seq[0].Failed)
}

func TestMarkConversationSeen(t *testing.T) {
	fake := mocks.NewTransportFake()
	fetcher := new(mocks.FetcherMock)
	s := newTestSynchronizer(t, fake, fetcher, time.Now())

	fake.Emit(models.EventNewMessage, models.NewMessageEvent{
		ID: "m1", ConversationID: "c1", SenderID: "self", Message: "one", Time: 1000,
	})
	_, err := s.SendMessage("c1", "pending", nil)
	require.NoError(t, err)

	s.MarkConversationSeen("c1")

	for _, m := range s.Messages("c1") {
		if m.Provenance == models.ProvenanceConfirmed {
			assert.True(t, m.Seen)
		} else {
			assert.False(t, m.Seen)
		}
	}
}

func TestForgetDropsSequence(t *testing.T) {
	fake := mocks.NewTransportFake()
	fetcher := new(mocks.FetcherMock)
	s := newTestSynchronizer(t, fake, fetcher, time.Now())

	fake.Emit(models.EventNewMessage, models.NewMessageEvent{
		ID: "m1", ConversationID: "c1", SenderID: "u2", Message: "one", Time: 1000,
	})
	require.Len(t, s.Messages("c1"), 1)

	s.Forget("c1")
	assert.Empty(t, s.Messages("c1"))
}

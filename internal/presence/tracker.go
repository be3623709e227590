package presence

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"chat-client/internal/models"
	"chat-client/internal/transport"
)

// Transport is the subset of the transport connection the tracker needs.
type Transport interface {
	Send(eventName string, payload any) error
	Subscribe(eventName string, h transport.Handler) func()
	OnStateChange(fn func(models.ConnState)) func()
}

// Tracker maintains online/offline state for tracked counterpart users.
// The server does not persist presence joins across a reconnect, so the
// tracker keeps an explicit set of active subscriptions and replays
// joinOnlineTrack for each on every transition back to open.
type Tracker struct {
	conn Transport
	now  func() time.Time

	mu        sync.Mutex
	tracked   map[string]func() // user id -> event unsubscribe
	records   map[string]models.PresenceRecord
	listeners map[int]func(models.PresenceEvent)
	nextID    int

	unsubState func()
}

// NewTracker builds a Tracker and hooks the reconnect replay.
func NewTracker(conn Transport) *Tracker {
	t := &Tracker{
		conn:      conn,
		now:       time.Now,
		tracked:   make(map[string]func()),
		records:   make(map[string]models.PresenceRecord),
		listeners: make(map[int]func(models.PresenceEvent)),
	}
	t.unsubState = conn.OnStateChange(func(state models.ConnState) {
		if state == models.ConnOpen {
			t.resubscribeAll()
		}
	})
	return t
}

// Close unsubscribes everything.
func (t *Tracker) Close() {
	t.mu.Lock()
	unsubs := make([]func(), 0, len(t.tracked))
	for _, unsub := range t.tracked {
		unsubs = append(unsubs, unsub)
	}
	t.tracked = make(map[string]func())
	t.records = make(map[string]models.PresenceRecord)
	t.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	if t.unsubState != nil {
		t.unsubState()
	}
}

// Track subscribes to presence updates for a user. Idempotent.
// Presence events for a user arrive under an event named by the user id.
func (t *Tracker) Track(userID string) error {
	t.mu.Lock()
	if _, exists := t.tracked[userID]; exists {
		t.mu.Unlock()
		return nil
	}
	unsub := t.conn.Subscribe(userID, func(data json.RawMessage) {
		t.handleUpdate(userID, data)
	})
	t.tracked[userID] = unsub
	t.mu.Unlock()

	return t.conn.Send(models.EventJoinOnlineTrack, models.JoinOnlineTrackPayload{UserID: userID})
}

// Untrack unsubscribes and tears down the presence record.
func (t *Tracker) Untrack(userID string) {
	t.mu.Lock()
	unsub, exists := t.tracked[userID]
	delete(t.tracked, userID)
	delete(t.records, userID)
	t.mu.Unlock()

	if exists {
		unsub()
	}
}

// Online reports the last known state of a tracked user.
func (t *Tracker) Online(userID string) (bool, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	record, ok := t.records[userID]
	return record.Online, ok
}

// OnUpdate registers a presence listener. Returns its removal capability.
func (t *Tracker) OnUpdate(fn func(models.PresenceEvent)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	t.listeners[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.listeners, id)
	}
}

func (t *Tracker) handleUpdate(userID string, data json.RawMessage) {
	var event models.PresenceEvent
	if err := json.Unmarshal(data, &event); err != nil {
		log.Printf("presence: dropping malformed update for user=%s: %v", userID, err)
		return
	}
	if event.UserID == "" {
		event.UserID = userID
	}

	t.mu.Lock()
	if _, tracked := t.tracked[event.UserID]; !tracked {
		t.mu.Unlock()
		return
	}
	t.records[event.UserID] = models.PresenceRecord{
		UserID:    event.UserID,
		Online:    event.Online,
		UpdatedAt: t.now(),
	}
	listeners := make([]func(models.PresenceEvent), 0, len(t.listeners))
	for _, fn := range t.listeners {
		listeners = append(listeners, fn)
	}
	t.mu.Unlock()

	for _, fn := range listeners {
		fn(event)
	}
}

// resubscribeAll replays the join request for every tracked user. Local
// event handlers survive a reconnect; the server-side join does not.
func (t *Tracker) resubscribeAll() {
	t.mu.Lock()
	userIDs := make([]string, 0, len(t.tracked))
	for userID := range t.tracked {
		userIDs = append(userIDs, userID)
	}
	t.mu.Unlock()

	for _, userID := range userIDs {
		if err := t.conn.Send(models.EventJoinOnlineTrack, models.JoinOnlineTrackPayload{UserID: userID}); err != nil {
			log.Printf("presence: resubscribe user=%s failed: %v", userID, err)
		}
	}
}

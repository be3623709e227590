package receipts

import (
	"encoding/json"
	"log"
	"sync"

	"chat-client/internal/models"
	"chat-client/internal/transport"
)

// Transport is the subset of the transport connection the tracker needs.
type Transport interface {
	Send(eventName string, payload any) error
	Subscribe(eventName string, h transport.Handler) func()
}

// Tracker emits seen signals for the actively-displayed conversation and
// consumes inbound seen acknowledgements. A seen emission covers every
// confirmed message in the conversation up to that moment; there is no
// per-message acknowledgement.
type Tracker struct {
	conn Transport

	mu sync.Mutex
	// clean marks conversations already reported seen with no newer
	// counterpart activity, making MarkSeen idempotent.
	clean     map[string]bool
	listeners map[int]func(conversationID string)
	nextID    int

	unsub func()
}

// NewTracker builds a Tracker and subscribes to newSeen.
func NewTracker(conn Transport) *Tracker {
	t := &Tracker{
		conn:      conn,
		clean:     make(map[string]bool),
		listeners: make(map[int]func(string)),
	}
	t.unsub = conn.Subscribe(models.EventNewSeen, t.handleRemoteSeen)
	return t
}

// Close releases the newSeen subscription.
func (t *Tracker) Close() {
	if t.unsub != nil {
		t.unsub()
	}
}

// MarkSeen reports the conversation as viewed. Repeated calls with no
// new messages in between emit nothing further.
func (t *Tracker) MarkSeen(conversationID string) error {
	t.mu.Lock()
	if t.clean[conversationID] {
		t.mu.Unlock()
		return nil
	}
	t.clean[conversationID] = true
	t.mu.Unlock()

	err := t.conn.Send(models.EventSeenMessage, models.SeenPayload{ConversationID: conversationID})
	if err != nil {
		// Allow a retry on the next open.
		t.mu.Lock()
		delete(t.clean, conversationID)
		t.mu.Unlock()
	}
	return err
}

// Clean reports whether the conversation has been marked seen with no
// counterpart activity since.
func (t *Tracker) Clean(conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.clean[conversationID]
}

// NoteMessage records counterpart activity so the next MarkSeen emits
// again. Wire it to the synchronizer's message listener.
func (t *Tracker) NoteMessage(msg models.Message, selfID string) {
	if msg.SenderID == selfID {
		return
	}
	t.mu.Lock()
	delete(t.clean, msg.ConversationID)
	t.mu.Unlock()
}

// OnRemoteSeen registers a listener for inbound seen acknowledgements.
func (t *Tracker) OnRemoteSeen(fn func(conversationID string)) func() {
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

func (t *Tracker) handleRemoteSeen(data json.RawMessage) {
	var event models.NewSeenEvent
	if err := json.Unmarshal(data, &event); err != nil {
		log.Printf("receipts: dropping malformed newSeen event: %v", err)
		return
	}

	t.mu.Lock()
	listeners := make([]func(string), 0, len(t.listeners))
	for _, fn := range t.listeners {
		listeners = append(listeners, fn)
	}
	t.mu.Unlock()

	for _, fn := range listeners {
		fn(event.ConversationID)
	}
}

package mocks

import (
	"encoding/json"
	"sync"

	"chat-client/internal/models"
	"chat-client/internal/transport"
)

// SentEvent records one outbound event dispatched through the fake.
type SentEvent struct {
	Event   string
	Payload any
}

// TransportFake is an in-memory stand-in for the transport connection.
// It models the server-side behavior that matters to the components:
// local subscriptions survive a reconnect, server-side joins do not.
type TransportFake struct {
	mu        sync.Mutex
	state     models.ConnState
	subs      map[string]map[int]transport.Handler
	stateSubs map[int]func(models.ConnState)
	nextID    int
	sent      []SentEvent
	// SendErr, when set, is returned by every Send.
	SendErr error
}

func NewTransportFake() *TransportFake {
	return &TransportFake{
		state:     models.ConnOpen,
		subs:      make(map[string]map[int]transport.Handler),
		stateSubs: make(map[int]func(models.ConnState)),
	}
}

func (f *TransportFake) State() models.ConnState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *TransportFake) Send(eventName string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return f.SendErr
	}
	f.sent = append(f.sent, SentEvent{Event: eventName, Payload: payload})
	return nil
}

func (f *TransportFake) Subscribe(eventName string, h transport.Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	if f.subs[eventName] == nil {
		f.subs[eventName] = make(map[int]transport.Handler)
	}
	f.subs[eventName][id] = h
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if handlers, ok := f.subs[eventName]; ok {
			delete(handlers, id)
		}
	}
}

func (f *TransportFake) OnStateChange(fn func(models.ConnState)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.stateSubs[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.stateSubs, id)
	}
}

// SetState transitions the fake and notifies state listeners, like a
// real disconnect or reconnect would.
func (f *TransportFake) SetState(state models.ConnState) {
	f.mu.Lock()
	f.state = state
	listeners := make([]func(models.ConnState), 0, len(f.stateSubs))
	for _, fn := range f.stateSubs {
		listeners = append(listeners, fn)
	}
	f.mu.Unlock()

	for _, fn := range listeners {
		fn(state)
	}
}

// Emit delivers an inbound event to every handler subscribed to it.
func (f *TransportFake) Emit(eventName string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	f.mu.Lock()
	handlers := make([]transport.Handler, 0, len(f.subs[eventName]))
	for _, h := range f.subs[eventName] {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()

	for _, h := range handlers {
		h(json.RawMessage(data))
	}
}

// Sent returns a copy of the outbound events recorded so far.
func (f *TransportFake) Sent() []SentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SentEvent, len(f.sent))
	copy(out, f.sent)
	return out
}

// SentNamed returns only the outbound events with the given name.
func (f *TransportFake) SentNamed(eventName string) []SentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []SentEvent
	for _, e := range f.sent {
		if e.Event == eventName {
			out = append(out, e)
		}
	}
	return out
}

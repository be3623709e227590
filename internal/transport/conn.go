package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chat-client/internal/models"
	"chat-client/internal/observability"
	"chat-client/internal/telemetry"
)

// ErrQueueFull is returned by Send when the transport is not open and
// the bounded retry queue cannot accept another event.
var ErrQueueFull = errors.New("transport: send queue full")

// Handler receives the raw payload of one inbound occurrence of a
// subscribed event. Handlers run on the read loop goroutine; inbound
// events are therefore dispatched strictly in arrival order.
type Handler func(data json.RawMessage)

// Config configures a Conn.
type Config struct {
	// URL is the websocket endpoint.
	URL string
	// Token is the bearer credential presented during the handshake.
	Token string
	// Locale is sent as Accept-Language on the handshake.
	Locale string
	// Dialer overrides the websocket dialer. Nil uses the default.
	Dialer *websocket.Dialer
	// QueueLimit bounds the number of events held while disconnected.
	QueueLimit int
	// QueueTTL is how long a queued event may wait for reconnection
	// before it is dropped and reported through OnDrop.
	QueueTTL time.Duration
	// OnDrop is invoked for every queued event that expired or was
	// discarded without being sent. May be nil.
	OnDrop func(event string, payload any)
	// Emitter publishes connect/disconnect/error audit events. May be nil.
	Emitter *telemetry.AuditEmitter
}

type queuedEvent struct {
	event    string
	payload  any
	frame    []byte
	deadline time.Time
}

// Conn owns the single persistent bidirectional channel. It carries no
// business logic: higher layers use Send/Subscribe and re-synchronize
// themselves on every transition back to open (queued events are the
// only thing replayed).
type Conn struct {
	cfg       Config
	sessionID string

	mu          sync.Mutex
	ws          *websocket.Conn
	state       models.ConnState
	connectedAt time.Time
	subs        map[string]map[int]Handler
	stateSubs   map[int]func(models.ConnState)
	nextID      int
	queue       []queuedEvent
	closed      bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewConn builds an unconnected Conn.
func NewConn(cfg Config) *Conn {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = 64
	}
	if cfg.QueueTTL <= 0 {
		cfg.QueueTTL = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		cfg:       cfg,
		sessionID: uuid.NewString(),
		state:     models.ConnClosed,
		subs:      make(map[string]map[int]Handler),
		stateSubs: make(map[int]func(models.ConnState)),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Connect establishes the channel, retrying with exponential backoff
// until it succeeds or ctx is done. On success the read loop, the
// reconnect manager, and the queue janitor are running.
func (c *Conn) Connect(ctx context.Context) error {
	c.setState(models.ConnConnecting)
	ws, err := c.dial(ctx)
	if err != nil {
		c.setState(models.ConnClosed)
		return fmt.Errorf("transport: connect: %w", err)
	}

	c.mu.Lock()
	c.ws = ws
	c.connectedAt = time.Now()
	c.mu.Unlock()
	c.setState(models.ConnOpen)
	c.emitAudit("INFO", "transport connected")
	c.flushQueue()

	go c.run(ws)
	go c.janitor()
	return nil
}

// State reports the current connection state.
func (c *Conn) State() models.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send dispatches a named outbound event. While the channel is not open
// the event is held in the bounded retry queue and flushed on reconnect;
// ErrQueueFull is returned when the queue cannot accept it.
func (c *Conn) Send(eventName string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("transport: marshal %s payload: %w", eventName, err)
	}
	frame, err := json.Marshal(models.Envelope{Event: eventName, Data: data})
	if err != nil {
		return fmt.Errorf("transport: marshal %s envelope: %w", eventName, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == models.ConnOpen && c.ws != nil {
		if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
			// The read loop will notice the broken connection and
			// reconnect; keep the event for the flush.
			log.Printf("transport write error, queueing %s: %v", eventName, err)
			return c.enqueueLocked(eventName, payload, frame)
		}
		observability.IncOutboundEvent(eventName, "sent")
		return nil
	}
	return c.enqueueLocked(eventName, payload, frame)
}

func (c *Conn) enqueueLocked(eventName string, payload any, frame []byte) error {
	if len(c.queue) >= c.cfg.QueueLimit {
		observability.IncOutboundEvent(eventName, "rejected")
		return ErrQueueFull
	}
	c.queue = append(c.queue, queuedEvent{
		event:    eventName,
		payload:  payload,
		frame:    frame,
		deadline: time.Now().Add(c.cfg.QueueTTL),
	})
	observability.IncOutboundEvent(eventName, "queued")
	return nil
}

// Subscribe registers a handler for a named inbound event and returns
// the unsubscribe capability. Callers must unsubscribe on teardown.
func (c *Conn) Subscribe(eventName string, h Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	if c.subs[eventName] == nil {
		c.subs[eventName] = make(map[int]Handler)
	}
	c.subs[eventName][id] = h

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if handlers, ok := c.subs[eventName]; ok {
			delete(handlers, id)
			if len(handlers) == 0 {
				delete(c.subs, eventName)
			}
		}
	}
}

// OnStateChange registers a listener for connection state transitions
// and returns its removal capability.
func (c *Conn) OnStateChange(fn func(models.ConnState)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.stateSubs[id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.stateSubs, id)
	}
}

// Close tears the connection down. Queued events are discarded through
// OnDrop.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	c.ws = nil
	pending := c.queue
	c.queue = nil
	c.mu.Unlock()

	c.cancel()
	if ws != nil {
		_ = ws.Close()
	}
	c.setState(models.ConnClosed)
	for _, entry := range pending {
		c.drop(entry)
	}
	c.emitAudit("INFO", "transport closed")
	return nil
}

func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	if c.cfg.Locale != "" {
		header.Set("Accept-Language", c.cfg.Locale)
	}

	var ws *websocket.Conn
	operation := func() error {
		conn, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, header)
		if err != nil {
			log.Printf("transport dial failed: %v", err)
			return err
		}
		ws = conn
		return nil
	}
	expo := backoff.NewExponentialBackOff()
	expo.MaxElapsedTime = 0 // retry until the context is cancelled
	policy := backoff.WithContext(expo, ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return ws, nil
}

// run owns the read loop and the reconnect cycle. The channel never
// replays application events on reconnect; it only flushes the local
// retry queue.
func (c *Conn) run(ws *websocket.Conn) {
	for {
		err := c.readLoop(ws)

		c.mu.Lock()
		closed := c.closed
		started := c.connectedAt
		c.ws = nil
		c.mu.Unlock()
		if closed {
			return
		}

		c.setState(models.ConnClosed)
		if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			c.emitAudit("ERROR", fmt.Sprintf("transport read error after %dms: %v",
				time.Since(started).Milliseconds(), err))
		} else {
			c.emitAudit("INFO", fmt.Sprintf("transport disconnected after %dms",
				time.Since(started).Milliseconds()))
		}

		c.setState(models.ConnConnecting)
		next, err := c.dial(c.ctx)
		if err != nil {
			// Only on Close: the dial context is cancelled.
			c.setState(models.ConnClosed)
			return
		}

		c.mu.Lock()
		c.ws = next
		c.connectedAt = time.Now()
		c.mu.Unlock()
		observability.IncReconnect()
		c.setState(models.ConnOpen)
		c.emitAudit("INFO", "transport reconnected")
		c.flushQueue()
		ws = next
	}
}

func (c *Conn) readLoop(ws *websocket.Conn) error {
	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		var env models.Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			log.Printf("transport: dropping malformed frame: %v", err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Conn) dispatch(env models.Envelope) {
	observability.IncInboundEvent(env.Event)

	c.mu.Lock()
	handlers := make([]Handler, 0, len(c.subs[env.Event]))
	for _, h := range c.subs[env.Event] {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(env.Data)
	}
}

func (c *Conn) setState(state models.ConnState) {
	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	listeners := make([]func(models.ConnState), 0, len(c.stateSubs))
	for _, fn := range c.stateSubs {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	observability.SetConnectionState(state.String())
	for _, fn := range listeners {
		fn(state)
	}
}

// flushQueue writes every still-valid queued event. Expired entries are
// dropped; a write failure puts the remainder back for the next cycle.
func (c *Conn) flushQueue() {
	c.mu.Lock()
	pending := c.queue
	c.queue = nil
	c.mu.Unlock()

	now := time.Now()
	for i, entry := range pending {
		if now.After(entry.deadline) {
			c.drop(entry)
			continue
		}
		c.mu.Lock()
		ws := c.ws
		open := c.state == models.ConnOpen
		var err error
		if open && ws != nil {
			err = ws.WriteMessage(websocket.TextMessage, entry.frame)
		}
		if !open || ws == nil || err != nil {
			c.queue = append(c.queue, pending[i:]...)
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		observability.IncOutboundEvent(entry.event, "sent")
	}
}

// janitor expires queued events that outlived QueueTTL so that callers
// learn about a send that will never happen even if the transport never
// reconnects.
func (c *Conn) janitor() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now()
		c.mu.Lock()
		var kept []queuedEvent
		var expired []queuedEvent
		for _, entry := range c.queue {
			if now.After(entry.deadline) {
				expired = append(expired, entry)
			} else {
				kept = append(kept, entry)
			}
		}
		c.queue = kept
		c.mu.Unlock()

		for _, entry := range expired {
			c.drop(entry)
		}
	}
}

func (c *Conn) drop(entry queuedEvent) {
	observability.IncOutboundEvent(entry.event, "dropped")
	if c.cfg.OnDrop != nil {
		c.cfg.OnDrop(entry.event, entry.payload)
	}
}

func (c *Conn) emitAudit(level, text string) {
	if c.cfg.Emitter == nil {
		return
	}
	c.cfg.Emitter.Emit(context.Background(), level, text, c.sessionID, nil)
}

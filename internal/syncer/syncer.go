package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"chat-client/internal/history"
	"chat-client/internal/models"
	"chat-client/internal/observability"
	"chat-client/internal/transport"
)

// ErrConnectionUnavailable is returned when a send could not even be
// queued. The optimistic message stays visible, marked failed.
var ErrConnectionUnavailable = errors.New("syncer: connection unavailable")

// ConvState is the per-conversation synchronization state.
type ConvState int

const (
	StateUninitialized ConvState = iota
	StateLoading
	StateReady
)

// Transport is the subset of the transport connection the synchronizer
// needs.
type Transport interface {
	State() models.ConnState
	Send(eventName string, payload any) error
	Subscribe(eventName string, h transport.Handler) func()
	OnStateChange(fn func(models.ConnState)) func()
}

// Config configures a Synchronizer.
type Config struct {
	Transport Transport
	Fetcher   history.Fetcher
	// SelfID is the current user's identifier, used as the sender of
	// optimistic messages.
	SelfID string
	// PageSize is the history page requested on load and reconnect.
	PageSize int
	// Tolerance is the timestamp window within which a server echo is
	// matched against a pending optimistic message.
	Tolerance time.Duration
	// Now overrides the clock. Nil uses time.Now.
	Now func() time.Time
}

// Synchronizer merges live transport events, history fetches, and local
// optimistic messages into one ordered, deduplicated sequence per
// conversation. It is the sole owner of that sequence; every mutation
// goes through its operations and is atomic with respect to the others.
type Synchronizer struct {
	transport Transport
	fetcher   history.Fetcher
	selfID    string
	pageSize  int
	tolerance time.Duration
	now       func() time.Time

	mu        sync.Mutex
	convs     map[string]*conversation
	listeners map[int]func(models.Message)
	nextID    int

	unsubs []func()
}

type conversation struct {
	state      ConvState
	historyErr bool
	// generation guards against a slow fetch resolving after newer
	// state was established; stale results are discarded.
	generation uint64
	messages   []models.Message
	ids        map[string]struct{}
}

// New builds a Synchronizer and registers its transport subscriptions.
// Call Close to release them.
func New(cfg Config) *Synchronizer {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 30
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Synchronizer{
		transport: cfg.Transport,
		fetcher:   cfg.Fetcher,
		selfID:    cfg.SelfID,
		pageSize:  cfg.PageSize,
		tolerance: cfg.Tolerance,
		now:       cfg.Now,
		convs:     make(map[string]*conversation),
		listeners: make(map[int]func(models.Message)),
	}

	s.unsubs = append(s.unsubs,
		s.transport.Subscribe(models.EventNewMessage, s.handleInbound),
		s.transport.OnStateChange(func(state models.ConnState) {
			if state == models.ConnOpen {
				go s.reconcileAll()
			}
		}),
	)
	return s
}

// Close releases the transport subscriptions.
func (s *Synchronizer) Close() {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
}

// OnMessage registers a listener invoked for every message inserted or
// updated in any sequence. Returns the removal capability.
func (s *Synchronizer) OnMessage(fn func(models.Message)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// LoadHistory fetches the most recent page for a conversation and merges
// it into the sequence. On failure the conversation degrades to ready
// with the history-error flag set, still accepting live events.
func (s *Synchronizer) LoadHistory(ctx context.Context, conversationID string) error {
	return s.loadPage(ctx, conversationID, 1, true)
}

// LoadPage fetches an older history page and merges it in. The same
// staleness guard as LoadHistory applies.
func (s *Synchronizer) LoadPage(ctx context.Context, conversationID string, page int) error {
	return s.loadPage(ctx, conversationID, page, false)
}

func (s *Synchronizer) loadPage(ctx context.Context, conversationID string, page int, markLoading bool) error {
	s.mu.Lock()
	conv := s.ensureLocked(conversationID)
	if markLoading && conv.state == StateUninitialized {
		conv.state = StateLoading
	}
	conv.generation++
	generation := conv.generation
	s.mu.Unlock()

	fetched, err := s.fetcher.FetchMessages(ctx, conversationID, page, s.pageSize, "", history.SortAsc)

	s.mu.Lock()
	conv = s.ensureLocked(conversationID)
	if conv.generation != generation {
		// Newer state was established while this fetch was in
		// flight; the result would be stale.
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		conv.state = StateReady
		conv.historyErr = true
		s.mu.Unlock()
		return err
	}
	merged := s.mergeLocked(conv, fetched)
	conv.state = StateReady
	conv.historyErr = false
	listeners := s.listenersLocked()
	s.mu.Unlock()

	for _, m := range merged {
		notify(listeners, m)
	}
	return nil
}

// SendMessage inserts an optimistic message synchronously and dispatches
// the outbound event without waiting for acknowledgement. The returned
// message carries the temporary client id.
func (s *Synchronizer) SendMessage(conversationID, body string, attachments []models.Attachment) (models.Message, error) {
	msg := models.Message{
		ID:             "tmp-" + uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       s.selfID,
		Body:           body,
		Attachments:    attachments,
		SentAt:         s.now().UTC(),
		Provenance:     models.ProvenanceOptimistic,
	}

	s.mu.Lock()
	conv := s.ensureLocked(conversationID)
	conv.messages = append(conv.messages, msg)
	conv.ids[msg.ID] = struct{}{}
	sortMessages(conv.messages)
	listeners := s.listenersLocked()
	s.mu.Unlock()
	notify(listeners, msg)

	err := s.transport.Send(models.EventSendMessage, models.SendMessagePayload{
		ConversationID: conversationID,
		Message:        body,
		Attachments:    attachments,
		ClientRef:      msg.ID,
	})
	if err != nil {
		s.markFailed(conversationID, msg.ID)
		msg.Failed = true
		return msg, fmt.Errorf("%w: %v", ErrConnectionUnavailable, err)
	}
	return msg, nil
}

// HandleDroppedSend marks the optimistic message of a queued sendMessage
// event that expired before the transport reopened. Wire it as the
// transport's OnDrop callback.
func (s *Synchronizer) HandleDroppedSend(eventName string, payload any) {
	if eventName != models.EventSendMessage {
		return
	}
	sendPayload, ok := payload.(models.SendMessagePayload)
	if !ok {
		return
	}
	s.markFailed(sendPayload.ConversationID, sendPayload.ClientRef)
}

func (s *Synchronizer) markFailed(conversationID, messageID string) {
	s.mu.Lock()
	conv := s.ensureLocked(conversationID)
	var failed *models.Message
	for i := range conv.messages {
		if conv.messages[i].ID == messageID {
			conv.messages[i].Failed = true
			m := conv.messages[i]
			failed = &m
			break
		}
	}
	listeners := s.listenersLocked()
	s.mu.Unlock()

	if failed != nil {
		log.Printf("send failed conversation=%s message=%s", conversationID, messageID)
		notify(listeners, *failed)
	}
}

// handleInbound is the newMessage subscription. An inbound event that
// matches a pending optimistic message replaces it in place; anything
// else is appended. Either way the sequence ends sorted and free of
// duplicates.
func (s *Synchronizer) handleInbound(data json.RawMessage) {
	var event models.NewMessageEvent
	if err := json.Unmarshal(data, &event); err != nil {
		log.Printf("syncer: dropping malformed newMessage event: %v", err)
		return
	}
	incoming := event.ToMessage()

	s.mu.Lock()
	conv := s.ensureLocked(incoming.ConversationID)
	final, changed := s.reconcileLocked(conv, incoming)
	listeners := s.listenersLocked()
	s.mu.Unlock()

	if changed {
		notify(listeners, final)
	}
}

// reconcileLocked applies one confirmed message to the sequence.
func (s *Synchronizer) reconcileLocked(conv *conversation, incoming models.Message) (models.Message, bool) {
	if _, exists := conv.ids[incoming.ID]; exists {
		return incoming, false
	}

	if idx := s.matchOptimisticLocked(conv, incoming); idx >= 0 {
		delete(conv.ids, conv.messages[idx].ID)
		incoming.Seen = conv.messages[idx].Seen
		conv.messages[idx] = incoming
		conv.ids[incoming.ID] = struct{}{}
		sortMessages(conv.messages)
		observability.IncOptimisticMerge()
		return incoming, true
	}

	conv.messages = append(conv.messages, incoming)
	conv.ids[incoming.ID] = struct{}{}
	sortMessages(conv.messages)
	return incoming, true
}

// matchOptimisticLocked finds the pending optimistic message the
// incoming event confirms: same sender, same body, timestamps within
// the tolerance window. The client id is not round-tripped by the
// server, so this stays a heuristic; two identical bodies inside the
// window can merge wrongly.
func (s *Synchronizer) matchOptimisticLocked(conv *conversation, incoming models.Message) int {
	for i := range conv.messages {
		candidate := conv.messages[i]
		if candidate.Provenance != models.ProvenanceOptimistic {
			continue
		}
		if candidate.SenderID != incoming.SenderID || candidate.Body != incoming.Body {
			continue
		}
		delta := incoming.SentAt.Sub(candidate.SentAt)
		if delta < 0 {
			delta = -delta
		}
		if delta <= s.tolerance {
			return i
		}
	}
	return -1
}

// mergeLocked unions a fetched page into the sequence: known ids are
// skipped, confirmations of pending optimistic messages replace them,
// everything else is appended, then the sequence is re-sorted once.
func (s *Synchronizer) mergeLocked(conv *conversation, fetched []models.Message) []models.Message {
	var changed []models.Message
	for _, incoming := range fetched {
		if _, exists := conv.ids[incoming.ID]; exists {
			continue
		}
		if idx := s.matchOptimisticLocked(conv, incoming); idx >= 0 {
			delete(conv.ids, conv.messages[idx].ID)
			incoming.Seen = conv.messages[idx].Seen
			conv.messages[idx] = incoming
			conv.ids[incoming.ID] = struct{}{}
			observability.IncOptimisticMerge()
		} else {
			conv.messages = append(conv.messages, incoming)
			conv.ids[incoming.ID] = struct{}{}
		}
		changed = append(changed, incoming)
	}
	sortMessages(conv.messages)
	return changed
}

// ReconcileAfterReconnect unions the most recent history page with the
// in-memory sequence, recovering events missed while disconnected. The
// live channel cannot replay them.
func (s *Synchronizer) ReconcileAfterReconnect(ctx context.Context, conversationID string) error {
	return s.loadPage(ctx, conversationID, 1, false)
}

func (s *Synchronizer) reconcileAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.convs))
	for id := range s.convs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if err := s.ReconcileAfterReconnect(ctx, id); err != nil {
			log.Printf("reconcile after reconnect failed conversation=%s: %v", id, err)
		}
		cancel()
	}
}

// Messages returns a snapshot of the ordered sequence.
func (s *Synchronizer) Messages(conversationID string) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[conversationID]
	if !ok {
		return nil
	}
	snapshot := make([]models.Message, len(conv.messages))
	copy(snapshot, conv.messages)
	return snapshot
}

// StateOf reports the conversation state and whether the last history
// load failed.
func (s *Synchronizer) StateOf(conversationID string) (ConvState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[conversationID]
	if !ok {
		return StateUninitialized, false
	}
	return conv.state, conv.historyErr
}

// MarkConversationSeen flags every confirmed message in the conversation
// as seen. Called when a remote seen acknowledgement arrives.
func (s *Synchronizer) MarkConversationSeen(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[conversationID]
	if !ok {
		return
	}
	for i := range conv.messages {
		if conv.messages[i].Provenance == models.ProvenanceConfirmed {
			conv.messages[i].Seen = true
		}
	}
}

// Forget drops a conversation's sequence, e.g. after directory deletion.
// A later fetch resolution for it is discarded by the generation guard.
func (s *Synchronizer) Forget(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.convs[conversationID]; ok {
		conv.generation++
	}
	delete(s.convs, conversationID)
}

func (s *Synchronizer) ensureLocked(conversationID string) *conversation {
	conv, ok := s.convs[conversationID]
	if !ok {
		conv = &conversation{ids: make(map[string]struct{})}
		s.convs[conversationID] = conv
	}
	return conv
}

func (s *Synchronizer) listenersLocked() []func(models.Message) {
	listeners := make([]func(models.Message), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	return listeners
}

func notify(listeners []func(models.Message), msg models.Message) {
	for _, fn := range listeners {
		fn(msg)
	}
}

func sortMessages(messages []models.Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Before(messages[j])
	})
}

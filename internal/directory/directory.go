package directory

import (
	"context"
	"sort"
	"sync"

	"chat-client/internal/history"
	"chat-client/internal/models"
)

// Directory is the ordered conversation list with denormalized
// last-message previews, fed by the history fetcher and kept current by
// live message events.
type Directory struct {
	fetcher history.Fetcher
	selfID  string

	mu    sync.Mutex
	convs map[string]*models.Conversation
}

// New builds a Directory.
func New(fetcher history.Fetcher, selfID string) *Directory {
	return &Directory{
		fetcher: fetcher,
		selfID:  selfID,
		convs:   make(map[string]*models.Conversation),
	}
}

// List fetches one directory page and merges it into the local set.
// Fetched previews win over stale local ones, but a local preview newer
// than the fetched page is kept.
func (d *Directory) List(ctx context.Context, page, limit int) ([]models.Conversation, error) {
	fetched, err := d.fetcher.FetchConversations(ctx, page, limit)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	for _, conv := range fetched {
		existing, ok := d.convs[conv.ID]
		if ok && existing.LastMessageAt.After(conv.LastMessageAt) {
			existing.CounterpartName = conv.CounterpartName
			existing.CounterpartAvatar = conv.CounterpartAvatar
			continue
		}
		merged := conv
		if ok {
			merged.Unread = existing.Unread
			merged.Online = existing.Online
		}
		d.convs[conv.ID] = &merged
	}
	d.mu.Unlock()

	return fetched, nil
}

// Open opens (or returns) the conversation for a counterpart context and
// registers a directory stub for it.
func (d *Directory) Open(ctx context.Context, contextID string) (string, error) {
	conversationID, err := d.fetcher.OpenConversation(ctx, contextID)
	if err != nil {
		return "", err
	}

	d.mu.Lock()
	if _, ok := d.convs[conversationID]; !ok {
		d.convs[conversationID] = &models.Conversation{ID: conversationID}
	}
	d.mu.Unlock()
	return conversationID, nil
}

// ApplyLiveUpdate refreshes the owning conversation's preview and unread
// fields from a synchronizer message event.
func (d *Directory) ApplyLiveUpdate(msg models.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()

	conv, ok := d.convs[msg.ConversationID]
	if !ok {
		conv = &models.Conversation{ID: msg.ConversationID}
		d.convs[msg.ConversationID] = conv
	}
	if msg.SentAt.Before(conv.LastMessageAt) {
		// Historical backfill; the preview already shows something newer.
		return
	}
	conv.LastMessage = msg.Body
	conv.LastMessageAt = msg.SentAt
	if msg.SenderID != d.selfID && msg.Provenance == models.ProvenanceConfirmed {
		conv.Unread++
	}
}

// MarkRead clears the unread counter, typically alongside a seen emission.
func (d *Directory) MarkRead(conversationID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if conv, ok := d.convs[conversationID]; ok {
		conv.Unread = 0
	}
}

// SetOnline mirrors a presence update onto the counterpart's entries.
func (d *Directory) SetOnline(userID string, online bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, conv := range d.convs {
		if conv.CounterpartID == userID {
			conv.Online = online
		}
	}
}

// Delete removes a conversation. The local entry goes away only after
// the server confirms; an optimistic removal could be resurrected by the
// next live event.
func (d *Directory) Delete(ctx context.Context, conversationID string) error {
	if err := d.fetcher.DeleteConversation(ctx, conversationID); err != nil {
		return err
	}
	d.mu.Lock()
	delete(d.convs, conversationID)
	d.mu.Unlock()
	return nil
}

// Snapshot returns the conversations ordered by most recent activity.
func (d *Directory) Snapshot() []models.Conversation {
	d.mu.Lock()
	list := make([]models.Conversation, 0, len(d.convs))
	for _, conv := range d.convs {
		list = append(list, *conv)
	}
	d.mu.Unlock()

	sort.Slice(list, func(i, j int) bool {
		if !list[i].LastMessageAt.Equal(list[j].LastMessageAt) {
			return list[i].LastMessageAt.After(list[j].LastMessageAt)
		}
		return list[i].ID < list[j].ID
	})
	return list
}

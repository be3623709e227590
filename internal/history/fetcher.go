package history

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"chat-client/internal/models"
	"chat-client/internal/observability"
)

// Sort declares the order of a fetched message page.
type Sort string

const (
	SortAsc  Sort = "asc"
	SortDesc Sort = "desc"
)

// FetchFailed is returned for any non-2xx or network failure. It carries
// enough context to retry the same page.
type FetchFailed struct {
	Kind           string
	ConversationID string
	Page           int
	Status         int
	Err            error
}

func (e *FetchFailed) Error() string {
	if e.ConversationID != "" {
		return fmt.Sprintf("history: fetch %s conversation=%s page=%d failed: %v",
			e.Kind, e.ConversationID, e.Page, e.Err)
	}
	return fmt.Sprintf("history: fetch %s page=%d failed: %v", e.Kind, e.Page, e.Err)
}

func (e *FetchFailed) Unwrap() error { return e.Err }

// ErrDeleteFailed reports a rejected conversation deletion. The caller
// must not remove the local entry.
var ErrDeleteFailed = errors.New("history: delete conversation failed")

// Fetcher is the paginated request/response interface to the chat
// backend. All calls are stateless and side-effect-free except
// OpenConversation and DeleteConversation.
type Fetcher interface {
	FetchMessages(ctx context.Context, conversationID string, page, limit int, search string, sort Sort) ([]models.Message, error)
	FetchConversations(ctx context.Context, page, limit int) ([]models.Conversation, error)
	OpenConversation(ctx context.Context, contextID string) (string, error)
	DeleteConversation(ctx context.Context, conversationID string) error
}

// Config configures a Client.
type Config struct {
	BaseURL string
	Token   string
	Locale  string
	// HTTPClient is used for all requests. Nil uses http.DefaultClient.
	HTTPClient *http.Client
}

// Client is the HTTP implementation of Fetcher.
type Client struct {
	baseURL    string
	token      string
	locale     string
	httpClient *http.Client
}

// NewClient validates the base URL and builds a Client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("history: BaseURL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("history: invalid BaseURL %q: %w", cfg.BaseURL, err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		locale:     cfg.Locale,
		httpClient: httpClient,
	}, nil
}

// FetchMessages returns one confirmed page of a conversation's history.
func (c *Client) FetchMessages(ctx context.Context, conversationID string, page, limit int, search string, sort Sort) ([]models.Message, error) {
	ctx, span := otel.Tracer("chat-client/history").Start(ctx, "history.fetch_messages")
	defer span.End()

	query := url.Values{}
	query.Set("limit", strconv.Itoa(limit))
	query.Set("page", strconv.Itoa(page))
	if search != "" {
		query.Set("search", search)
	}
	if sort != "" {
		query.Set("sort", string(sort))
	}

	started := time.Now()
	body, status, err := c.doRequest(ctx, http.MethodGet,
		"/messages/"+url.PathEscape(conversationID)+"?"+query.Encode(), nil)
	if err != nil {
		observability.IncFetchError("messages")
		return nil, &FetchFailed{Kind: "messages", ConversationID: conversationID, Page: page, Status: status, Err: err}
	}
	observability.ObserveFetch("messages", time.Since(started))

	var payload struct {
		Messages []models.NewMessageEvent `json:"messages"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		observability.IncFetchError("messages")
		return nil, &FetchFailed{Kind: "messages", ConversationID: conversationID, Page: page, Err: err}
	}

	messages := make([]models.Message, 0, len(payload.Messages))
	for _, event := range payload.Messages {
		messages = append(messages, event.ToMessage())
	}
	return messages, nil
}

// FetchConversations returns one page of the conversation directory.
func (c *Client) FetchConversations(ctx context.Context, page, limit int) ([]models.Conversation, error) {
	ctx, span := otel.Tracer("chat-client/history").Start(ctx, "history.fetch_conversations")
	defer span.End()

	query := url.Values{}
	query.Set("limit", strconv.Itoa(limit))
	query.Set("page", strconv.Itoa(page))

	started := time.Now()
	body, status, err := c.doRequest(ctx, http.MethodGet, "/chats?"+query.Encode(), nil)
	if err != nil {
		observability.IncFetchError("conversations")
		return nil, &FetchFailed{Kind: "conversations", Page: page, Status: status, Err: err}
	}
	observability.ObserveFetch("conversations", time.Since(started))

	var payload struct {
		Chats []models.Conversation `json:"chats"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		observability.IncFetchError("conversations")
		return nil, &FetchFailed{Kind: "conversations", Page: page, Err: err}
	}
	return payload.Chats, nil
}

// OpenConversation opens (or returns) the conversation for a counterpart
// context and returns its id. Not idempotent: the server may create state.
func (c *Client) OpenConversation(ctx context.Context, contextID string) (string, error) {
	request := map[string]string{"context_id": contextID}
	body, status, err := c.doRequest(ctx, http.MethodPost, "/chats/open", request)
	if err != nil {
		return "", &FetchFailed{Kind: "open", Status: status, Err: err}
	}

	var payload struct {
		ChatID string `json:"chat_id"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", &FetchFailed{Kind: "open", Err: err}
	}
	if payload.ChatID == "" {
		return "", &FetchFailed{Kind: "open", Err: errors.New("empty chat id in response")}
	}
	return payload.ChatID, nil
}

// DeleteConversation deletes a conversation server-side. Local removal
// must wait for this call to succeed.
func (c *Client) DeleteConversation(ctx context.Context, conversationID string) error {
	_, _, err := c.doRequest(ctx, http.MethodDelete, "/chats/"+url.PathEscape(conversationID), nil)
	if err != nil {
		return fmt.Errorf("%w: conversation=%s: %v", ErrDeleteFailed, conversationID, err)
	}
	return nil
}

// doRequest performs one HTTP call with the bearer credential and locale
// headers. Any non-2xx response is a total failure for that call.
func (c *Client) doRequest(ctx context.Context, method, path string, requestBody any) ([]byte, int, error) {
	var reader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, 0, err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, err
	}
	if requestBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.locale != "" {
		req.Header.Set("Accept-Language", c.locale)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, resp.StatusCode, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(body))
	}
	return body, resp.StatusCode, nil
}

func truncate(body []byte) string {
	const limit = 256
	if len(body) <= limit {
		return string(body)
	}
	return string(body[:limit]) + "..."
}

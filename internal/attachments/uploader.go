package attachments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.opentelemetry.io/otel"

	"chat-client/internal/models"
	"chat-client/internal/observability"
)

// InvalidAttachment rejects a file before any network call. Fatal for
// the attachment, not for the whole send.
type InvalidAttachment struct {
	Filename string
	Reason   string
}

func (e *InvalidAttachment) Error() string {
	return fmt.Sprintf("attachments: invalid attachment %q: %s", e.Filename, e.Reason)
}

// UploadFailed reports a network or server failure during upload.
// Retryable; the message send is blocked on it by the caller.
type UploadFailed struct {
	Filename string
	Status   int
	Err      error
}

func (e *UploadFailed) Error() string {
	return fmt.Sprintf("attachments: upload %q failed: %v", e.Filename, e.Err)
}

func (e *UploadFailed) Unwrap() error { return e.Err }

// Uploader transfers a binary payload out-of-band and returns a stable
// path reference. Upload order is independent of message send order.
type Uploader interface {
	Upload(ctx context.Context, contextID, filename string, data []byte) (models.Attachment, error)
}

// Config configures a Client.
type Config struct {
	BaseURL string
	Token   string
	Locale  string
	// MaxSize is the maximum accepted payload in bytes.
	MaxSize int64
	// AllowedMIME whitelists content types, detected by sniffing the
	// payload rather than trusting the filename.
	AllowedMIME []string
	HTTPClient  *http.Client
}

// Client is the multipart HTTP implementation of Uploader.
type Client struct {
	baseURL    string
	token      string
	locale     string
	maxSize    int64
	allowed    map[string]bool
	httpClient *http.Client
}

// NewClient builds a Client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("attachments: BaseURL is required")
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 10 << 20
	}
	allowed := make(map[string]bool, len(cfg.AllowedMIME))
	for _, mime := range cfg.AllowedMIME {
		allowed[strings.TrimSpace(mime)] = true
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		locale:     cfg.Locale,
		maxSize:    cfg.MaxSize,
		allowed:    allowed,
		httpClient: httpClient,
	}, nil
}

// Upload validates and transfers one file, returning its path reference.
// Oversized or disallowed payloads fail fast with InvalidAttachment
// before any network traffic.
func (c *Client) Upload(ctx context.Context, contextID, filename string, data []byte) (models.Attachment, error) {
	if int64(len(data)) > c.maxSize {
		observability.IncUpload("invalid")
		return models.Attachment{}, &InvalidAttachment{
			Filename: filename,
			Reason:   fmt.Sprintf("size %d exceeds maximum %d", len(data), c.maxSize),
		}
	}
	detected := mimetype.Detect(data)
	if len(c.allowed) > 0 && !c.allowed[detected.String()] {
		observability.IncUpload("invalid")
		return models.Attachment{}, &InvalidAttachment{
			Filename: filename,
			Reason:   fmt.Sprintf("content type %s not allowed", detected.String()),
		}
	}

	ctx, span := otel.Tracer("chat-client/attachments").Start(ctx, "attachments.upload")
	defer span.End()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return models.Attachment{}, &UploadFailed{Filename: filename, Err: err}
	}
	if _, err := part.Write(data); err != nil {
		return models.Attachment{}, &UploadFailed{Filename: filename, Err: err}
	}
	if err := writer.Close(); err != nil {
		return models.Attachment{}, &UploadFailed{Filename: filename, Err: err}
	}

	endpoint := c.baseURL + "/" + url.PathEscape(contextID) + "/attachments"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return models.Attachment{}, &UploadFailed{Filename: filename, Err: err}
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.locale != "" {
		req.Header.Set("Accept-Language", c.locale)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		observability.IncUpload("error")
		return models.Attachment{}, &UploadFailed{Filename: filename, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		observability.IncUpload("error")
		return models.Attachment{}, &UploadFailed{Filename: filename, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		observability.IncUpload("error")
		return models.Attachment{}, &UploadFailed{
			Filename: filename,
			Status:   resp.StatusCode,
			Err:      fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	var payload struct {
		Path string                `json:"path"`
		Kind models.AttachmentKind `json:"kind"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		observability.IncUpload("error")
		return models.Attachment{}, &UploadFailed{Filename: filename, Status: resp.StatusCode, Err: err}
	}
	if payload.Path == "" {
		observability.IncUpload("error")
		return models.Attachment{}, &UploadFailed{Filename: filename, Status: resp.StatusCode, Err: errors.New("empty path in response")}
	}
	if payload.Kind == "" {
		payload.Kind = models.KindForPath(payload.Path)
	}

	observability.IncUpload("ok")
	// The path is logged so orphaned uploads (upload succeeded, send
	// never happened) can be reconciled operationally.
	log.Printf("attachment uploaded context=%s path=%s kind=%s in %dms",
		contextID, payload.Path, payload.Kind, time.Since(started).Milliseconds())
	return models.Attachment{Path: payload.Path, Kind: payload.Kind}, nil
}

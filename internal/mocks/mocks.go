package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"chat-client/internal/attachments"
	"chat-client/internal/history"
	"chat-client/internal/models"
	"chat-client/internal/telemetry"
)

type FetcherMock struct {
	mock.Mock
}

func (m *FetcherMock) FetchMessages(ctx context.Context, conversationID string, page, limit int, search string, sort history.Sort) ([]models.Message, error) {
	args := m.Called(ctx, conversationID, page, limit, search, sort)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *FetcherMock) FetchConversations(ctx context.Context, page, limit int) ([]models.Conversation, error) {
	args := m.Called(ctx, page, limit)
	var convs []models.Conversation
	if val := args.Get(0); val != nil {
		convs = val.([]models.Conversation)
	}
	return convs, args.Error(1)
}

func (m *FetcherMock) OpenConversation(ctx context.Context, contextID string) (string, error) {
	args := m.Called(ctx, contextID)
	return args.String(0), args.Error(1)
}

func (m *FetcherMock) DeleteConversation(ctx context.Context, conversationID string) error {
	args := m.Called(ctx, conversationID)
	return args.Error(0)
}

type UploaderMock struct {
	mock.Mock
}

func (m *UploaderMock) Upload(ctx context.Context, contextID, filename string, data []byte) (models.Attachment, error) {
	args := m.Called(ctx, contextID, filename, data)
	var ref models.Attachment
	if val := args.Get(0); val != nil {
		ref = val.(models.Attachment)
	}
	return ref, args.Error(1)
}

type PublisherMock struct {
	mock.Mock
}

func (m *PublisherMock) Publish(ctx context.Context, routingKey string, event any) error {
	args := m.Called(ctx, routingKey, event)
	return args.Error(0)
}

func (m *PublisherMock) Close() error {
	args := m.Called()
	return args.Error(0)
}

var _ history.Fetcher = (*FetcherMock)(nil)
var _ attachments.Uploader = (*UploaderMock)(nil)
var _ telemetry.Publisher = (*PublisherMock)(nil)

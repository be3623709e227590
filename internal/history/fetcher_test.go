package history

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-client/internal/models"
)

func newFetcherAgainst(t *testing.T, router *gin.Engine) *Client {
	t.Helper()
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{BaseURL: srv.URL, Token: "secret", Locale: "de"})
	require.NoError(t, err)
	return client
}

func TestFetchMessagesSuccess(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/messages/:id", func(c *gin.Context) {
		assert.Equal(t, "Bearer secret", c.GetHeader("Authorization"))
		assert.Equal(t, "de", c.GetHeader("Accept-Language"))
		assert.Equal(t, "c1", c.Param("id"))
		assert.Equal(t, "2", c.Query("page"))
		assert.Equal(t, "25", c.Query("limit"))
		assert.Equal(t, "hello", c.Query("search"))
		assert.Equal(t, "asc", c.Query("sort"))

		c.JSON(http.StatusOK, gin.H{"messages": []models.NewMessageEvent{
			{ID: "1", ConversationID: "c1", SenderID: "u2", Message: "hello there", Time: 1000},
			{ID: "2", ConversationID: "c1", SenderID: "self", Message: "hello back", Time: 2000},
		}})
	})

	client := newFetcherAgainst(t, router)
	msgs, err := client.FetchMessages(context.Background(), "c1", 2, 25, "hello", SortAsc)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "1", msgs[0].ID)
	assert.Equal(t, models.ProvenanceConfirmed, msgs[0].Provenance)
	assert.Equal(t, int64(1000), msgs[0].SentAt.UnixMilli())
}

func TestFetchMessagesNon2xxIsTotalFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/messages/:id", func(c *gin.Context) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "boom"})
	})

	client := newFetcherAgainst(t, router)
	_, err := client.FetchMessages(context.Background(), "c1", 3, 10, "", SortDesc)
	require.Error(t, err)

	var failed *FetchFailed
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, "c1", failed.ConversationID)
	assert.Equal(t, 3, failed.Page)
	assert.Equal(t, http.StatusInternalServerError, failed.Status)
}

func TestFetchConversations(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/chats", func(c *gin.Context) {
		assert.Equal(t, "1", c.Query("page"))
		c.JSON(http.StatusOK, gin.H{"chats": []models.Conversation{
			{ID: "c1", CounterpartID: "u2", CounterpartName: "bob", LastMessage: "hi"},
		}})
	})

	client := newFetcherAgainst(t, router)
	convs, err := client.FetchConversations(context.Background(), 1, 20)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "bob", convs[0].CounterpartName)
}

func TestOpenConversation(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/chats/open", func(c *gin.Context) {
		var req struct {
			ContextID string `json:"context_id"`
		}
		require.NoError(t, c.ShouldBindJSON(&req))
		assert.Equal(t, "ad-9", req.ContextID)
		c.JSON(http.StatusOK, gin.H{"chat_id": "c9"})
	})

	client := newFetcherAgainst(t, router)
	id, err := client.OpenConversation(context.Background(), "ad-9")
	require.NoError(t, err)
	assert.Equal(t, "c9", id)
}

func TestDeleteConversationFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.DELETE("/chats/:id", func(c *gin.Context) {
		c.JSON(http.StatusForbidden, gin.H{"error": "nope"})
	})

	client := newFetcherAgainst(t, router)
	err := client.DeleteConversation(context.Background(), "c1")
	require.ErrorIs(t, err, ErrDeleteFailed)
}

func TestDeleteConversationSuccess(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.DELETE("/chats/:id", func(c *gin.Context) {
		assert.Equal(t, "c1", c.Param("id"))
		c.Status(http.StatusNoContent)
	})

	client := newFetcherAgainst(t, router)
	require.NoError(t, client.DeleteConversation(context.Background(), "c1"))
}

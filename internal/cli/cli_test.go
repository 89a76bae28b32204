package cli

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"histeeria-chatsync/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBridge(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	v1 := r.Group("/api/v1", func(c *gin.Context) {
		if c.GetHeader("Authorization") != "Bearer tok" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid bridge token"})
			return
		}
		c.Next()
	})
	v1.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"online": true, "channelConnected": false, "queueLength": 2})
	})
	v1.POST("/queue/drain", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sent": 2, "failed": 0, "remaining": 0, "stopped": false})
	})
	v1.POST("/messages", func(c *gin.Context) {
		var req models.CreateMessageRequest
		require.NoError(t, c.ShouldBindJSON(&req))
		assert.Equal(t, "m0", req.ReplyToID)
		c.JSON(http.StatusAccepted, models.Message{
			TempID: "tmp_1", ConversationID: req.ChatID, SenderID: "me", Content: req.Content, SendState: models.StateQueued,
		})
	})
	v1.POST("/messages/:key/retry", func(c *gin.Context) {
		c.JSON(http.StatusConflict, gin.H{"error": "message is not retriable"})
	})
	v1.GET("/chats/:id/messages", func(c *gin.Context) {
		c.JSON(http.StatusOK, []models.Message{
			{ID: "m1", ConversationID: c.Param("id"), SenderID: "bob", Content: "hey", SendState: models.StateRead},
			{TempID: "tmp_2", ConversationID: c.Param("id"), SenderID: "me", Content: "yo", SendState: models.StateFailed, SendError: "timeout"},
		})
	})
	v1.DELETE("/chats/:id", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"removed": 3})
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func run(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--addr", srv.URL, "--token", "tok"))
	err := cmd.Execute()
	return out.String(), err
}

func TestStatus(t *testing.T) {
	srv := newBridge(t)
	out, err := run(t, srv, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "online:    true")
	assert.Contains(t, out, "queued:    2")

	out, err = run(t, srv, "status", "--json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"online":true,"channelConnected":false,"queueLength":2}`, out)
}

func TestSendAndDrain(t *testing.T) {
	srv := newBridge(t)
	out, err := run(t, srv, "send", "c1", "hello", "there", "--reply-to", "m0")
	require.NoError(t, err)
	assert.Contains(t, out, "tmp_1")
	assert.Contains(t, out, "hello there")
	assert.Contains(t, out, "queued")

	out, err = run(t, srv, "drain")
	require.NoError(t, err)
	assert.Equal(t, "sent 2, failed 0, remaining 0\n", out)
}

func TestMessagesAndForget(t *testing.T) {
	srv := newBridge(t)
	out, err := run(t, srv, "messages", "c1")
	require.NoError(t, err)
	assert.Contains(t, out, "KEY")
	assert.Contains(t, out, "m1")
	assert.Contains(t, out, "failed (timeout)")

	out, err = run(t, srv, "forget", "c1")
	require.NoError(t, err)
	assert.Equal(t, "removed 3 messages from c1\n", out)
}

func TestErrorsAreReported(t *testing.T) {
	srv := newBridge(t)
	_, err := run(t, srv, "retry", "tmp_9")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "message is not retriable")

	cmd := NewRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"status", "--addr", srv.URL, "--token", "wrong"})
	err = cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Contains(t, err.Error(), "BRIDGE_TOKEN")

	_, err = run(t, srv, "send", "c1")
	assert.Error(t, err, "text is required")
}

func TestOutbox_RequiresBackend(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")
	srv := newBridge(t)
	_, err := run(t, srv, "outbox")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no persistent outbox configured")
}

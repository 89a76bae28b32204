package bridge

import (
	"net/http"

	"histeeria-chatsync/internal/middleware"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type RouterOptions struct {
	Token          string
	AllowedOrigins []string

	// Registry is served on /metrics when set.
	Registry *prometheus.Registry
	Release  bool

	// RateLimit is requests per second per client IP; zero disables it.
	RateLimit float64
	RateBurst int
}

// NewRouter builds the bridge's gin engine.
func NewRouter(h *Handler, opts RouterOptions) *gin.Engine {
	if opts.Release {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.RedirectTrailingSlash = false
	r.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = opts.AllowedOrigins
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowOrigins = []string{"http://localhost:3000", "http://127.0.0.1:3000"}
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization"}
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "UP"})
	})
	if opts.Registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{})))
	}

	apiV1 := r.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(opts.RateLimit, opts.RateBurst), middleware.BridgeAuth(opts.Token))
	{
		apiV1.GET("/status", h.Status)
		apiV1.GET("/events", h.Events)
		apiV1.POST("/queue/drain", h.DrainQueue)

		apiV1.POST("/messages", h.PostMessage)
		apiV1.PATCH("/messages/:key", h.EditMessage)
		apiV1.DELETE("/messages/:key", h.DeleteMessage)
		apiV1.DELETE("/messages/:key/local", h.RemoveMessage)
		apiV1.POST("/messages/:key/retry", h.RetryMessage)
		apiV1.POST("/messages/:key/cancel-upload", h.CancelUpload)
		apiV1.POST("/messages/:key/reactions", h.React)
		apiV1.PUT("/messages/:key/pin", h.SetPinned)
		apiV1.DELETE("/messages/:key/pin", h.SetPinned)
		apiV1.PUT("/messages/:key/star", h.SetStarred)
		apiV1.DELETE("/messages/:key/star", h.SetStarred)
		apiV1.POST("/messages/:key/forward", h.Forward)

		apiV1.DELETE("/chats/:id", h.ForgetConversation)
		apiV1.GET("/chats/:id/messages", h.GetMessages)
		apiV1.POST("/chats/:id/history", h.LoadHistory)
		apiV1.GET("/chats/:id/typing", h.GetTyping)
		apiV1.GET("/chats/:id/unread", h.GetUnread)
		apiV1.PUT("/chats/:id/unread", h.PutUnread)

		apiV1.POST("/chats/:id/session", h.OpenConversation)
		apiV1.DELETE("/chats/:id/session", h.CloseConversation)
		apiV1.POST("/chats/:id/session/interact", h.Interact)
		apiV1.PUT("/chats/:id/session/visible", h.SetVisible)
		apiV1.PUT("/chats/:id/session/foreground", h.SetForeground)
		apiV1.POST("/chats/:id/session/keystroke", h.Keystroke)
		apiV1.PUT("/chats/:id/session/recording", h.SetRecording)
	}
	return r
}

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func limitedRouter(rps float64, burst int) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RateLimit(rps, burst))
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	return r
}

func hit(r *gin.Engine, remoteAddr string) int {
	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	req.RemoteAddr = remoteAddr
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Code
}

func TestRateLimit_BurstThenReject(t *testing.T) {
	// One token per hour, so nothing refills during the test.
	r := limitedRouter(1.0/3600, 3)
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusNoContent, hit(r, "10.0.0.1:5000"))
	}
	assert.Equal(t, http.StatusTooManyRequests, hit(r, "10.0.0.1:5001"))

	// Buckets are per client.
	assert.Equal(t, http.StatusNoContent, hit(r, "10.0.0.2:5000"))
}

func TestRateLimit_Disabled(t *testing.T) {
	r := limitedRouter(0, 0)
	for i := 0; i < 50; i++ {
		assert.Equal(t, http.StatusNoContent, hit(r, "10.0.0.1:5000"))
	}
}

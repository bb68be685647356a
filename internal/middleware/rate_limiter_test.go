package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(time.Hour, 2)

	if !rl.Allow("203.0.113.1") {
		t.Fatal("first request denied")
	}
	if !rl.Allow("203.0.113.1") {
		t.Fatal("second request denied within burst")
	}
	if rl.Allow("203.0.113.1") {
		t.Fatal("third request allowed past burst")
	}

	// Other clients have their own buckets.
	if !rl.Allow("203.0.113.2") {
		t.Fatal("fresh client denied")
	}
}

func TestRateLimiterRefills(t *testing.T) {
	rl := NewRateLimiter(10*time.Millisecond, 1)

	if !rl.Allow("203.0.113.1") {
		t.Fatal("first request denied")
	}
	if rl.Allow("203.0.113.1") {
		t.Fatal("second immediate request allowed")
	}

	time.Sleep(25 * time.Millisecond)
	if !rl.Allow("203.0.113.1") {
		t.Fatal("request denied after refill window")
	}
}

func TestNewRateLimiterPerSecond(t *testing.T) {
	rl := NewRateLimiterPerSecond(10, 5)
	if rl.rate != 100*time.Millisecond {
		t.Errorf("rate = %v, want 100ms", rl.rate)
	}
	if rl.burst != 5 {
		t.Errorf("burst = %d, want 5", rl.burst)
	}

	// Zero and negative fall back to one request per second.
	rl = NewRateLimiterPerSecond(0, 1)
	if rl.rate != time.Second {
		t.Errorf("fallback rate = %v, want 1s", rl.rate)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RateLimitMiddleware(NewRateLimiter(time.Hour, 1)))
	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", w.Code)
	}
}

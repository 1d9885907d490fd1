package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/paygate/internal/access"
)

func TestAllowBurstThenDeny(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, Burst: 5, CleanupInterval: time.Minute})
	defer l.Stop()

	for i := 0; i < 5; i++ {
		if !l.Allow("merchant") {
			t.Errorf("request %d should fit within the burst", i)
		}
	}
	if l.Allow("merchant") {
		t.Error("request past the burst should be denied")
	}

	// At 60/min one token refills per second.
	time.Sleep(1100 * time.Millisecond)
	if !l.Allow("merchant") {
		t.Error("request after refill should be allowed")
	}
}

func TestAllowIsolatesCallers(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, Burst: 2, CleanupInterval: time.Minute})
	defer l.Stop()

	l.Allow("payer-a")
	l.Allow("payer-a")
	if l.Allow("payer-a") {
		t.Error("payer-a should be exhausted")
	}
	if !l.Allow("payer-b") {
		t.Error("payer-b has its own bucket")
	}
}

func TestMiddlewareKeysByCaller(t *testing.T) {
	gin.SetMode(gin.TestMode)

	l := New(Config{RequestsPerMinute: 60, Burst: 1, CleanupInterval: time.Minute})
	defer l.Stop()

	r := gin.New()
	r.Use(l.Middleware())
	r.GET("/ping", func(c *gin.Context) { c.String(200, "ok") })

	do := func(caller string) int {
		req := httptest.NewRequest("GET", "/ping", nil)
		if caller != "" {
			req.Header.Set(access.CallerHeader, caller)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	if code := do("merchant"); code != http.StatusOK {
		t.Errorf("first request = %d, want 200", code)
	}
	if code := do("merchant"); code != http.StatusTooManyRequests {
		t.Errorf("second request = %d, want 429", code)
	}
	// A different caller from the same IP is not throttled.
	if code := do("payer"); code != http.StatusOK {
		t.Errorf("other caller = %d, want 200", code)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.RequestsPerMinute != 60 || cfg.Burst != 10 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

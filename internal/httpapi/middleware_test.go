package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/meshworks/meshchat/internal/auth"
)

func identityRequest(authID string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/chats", nil)
	id := &auth.Identity{AuthID: authID}
	return req.WithContext(auth.WithIdentity(req.Context(), id))
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestRateLimiterWindow(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	rl := NewRateLimiter(client, 3, zap.NewNop())
	h := rl.Wrap(okHandler)

	for i := 0; i < 3; i++ {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, identityRequest("auth0|alice"))
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i+1, rr.Code)
		}
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, identityRequest("auth0|alice"))
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
	if rr.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("remaining = %q, want 0", rr.Header().Get("X-RateLimit-Remaining"))
	}

	// Another caller has their own budget.
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, identityRequest("auth0|bob"))
	if rr.Code != http.StatusOK {
		t.Fatalf("other user status = %d", rr.Code)
	}
}

func TestRateLimiterLocalFallback(t *testing.T) {
	rl := NewRateLimiter(nil, 60, zap.NewNop())
	h := rl.Wrap(okHandler)

	allowed := 0
	for i := 0; i < 12; i++ {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, identityRequest("auth0|alice"))
		if rr.Code == http.StatusOK {
			allowed++
		}
	}
	// The token bucket admits the burst, then throttles.
	if allowed < rl.burstSize || allowed == 12 {
		t.Fatalf("allowed = %d, want about %d", allowed, rl.burstSize)
	}
}

func TestRateLimiterFailsOpen(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	mr.Close()

	rl := NewRateLimiter(client, 1, zap.NewNop())
	h := rl.Wrap(okHandler)

	for i := 0; i < 3; i++ {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, identityRequest("auth0|alice"))
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want fail open", i+1, rr.Code)
		}
	}
}

func TestRateLimiterSkipsAnonymous(t *testing.T) {
	rl := NewRateLimiter(nil, 1, zap.NewNop())
	h := rl.Wrap(okHandler)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/chats", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if rr.Header().Get("X-RateLimit-Limit") != "" {
		t.Fatal("anonymous request should not carry rate limit headers")
	}
}

func TestCORSPreflight(t *testing.T) {
	h := newAPIHarness(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/chats", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Fatalf("allow origin = %q", got)
	}
	if rr.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatal("expected credentials allowed")
	}
	if !strings.Contains(rr.Header().Get("Access-Control-Allow-Methods"), "PATCH") {
		t.Fatalf("allow methods = %q", rr.Header().Get("Access-Control-Allow-Methods"))
	}
}

func TestCORSRejectsForeignOrigin(t *testing.T) {
	h := newAPIHarness(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/chats", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)

	if rr.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("foreign origin must not be allowed")
	}
}

func TestRecoverPanicsTo500(t *testing.T) {
	s := &Server{logger: zap.NewNop()}
	h := s.recoverPanics(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "internal server error") {
		t.Fatalf("body = %q", rr.Body.String())
	}
}

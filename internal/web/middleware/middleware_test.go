package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/JonMunkholm/partyledger/internal/config"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	_, _ = w.Write([]byte(r.RemoteAddr))
})

func TestAPIKeyAuth(t *testing.T) {
	cfg := config.SecurityConfig{RequireAPIKey: true, APIKeys: []string{"k1", "k2"}}
	h := APIKeyAuth(cfg, "/healthz")(okHandler)

	tests := []struct {
		name   string
		path   string
		header string
		value  string
		want   int
	}{
		{"missing", "/api/parties", "", "", http.StatusUnauthorized},
		{"wrong", "/api/parties", "X-API-Key", "nope", http.StatusForbidden},
		{"header", "/api/parties", "X-API-Key", "k2", http.StatusOK},
		{"bearer", "/api/parties", "Authorization", "Bearer k1", http.StatusOK},
		{"public path", "/healthz", "", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestAPIKeyAuth_Disabled(t *testing.T) {
	h := APIKeyAuth(config.SecurityConfig{})(okHandler)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/parties", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestTrustedRealIP(t *testing.T) {
	h := TrustedRealIP([]string{"10.0.0.0/8", "192.168.1.5", "not-an-ip"})(okHandler)

	tests := []struct {
		name   string
		remote string
		real   string
		xff    string
		want   string
	}{
		{"trusted real ip", "10.1.2.3:5000", "203.0.113.7", "", "203.0.113.7"},
		{"trusted xff", "192.168.1.5:80", "", "198.51.100.1, 10.0.0.1", "198.51.100.1"},
		{"untrusted", "203.0.113.9:1234", "1.2.3.4", "", "203.0.113.9:1234"},
		{"trusted invalid header", "10.0.0.1:1", "garbage", "", "10.0.0.1:1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.real != "" {
				req.Header.Set("X-Real-IP", tt.real)
			}
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if got := rec.Body.String(); got != tt.want {
				t.Errorf("RemoteAddr = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(60, 2)
	defer rl.Close()

	now := time.Unix(1_000, 0)
	rl.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if ok, _ := rl.Allow("1.1.1.1"); !ok {
			t.Fatalf("request %d rejected within burst", i)
		}
	}
	ok, wait := rl.Allow("1.1.1.1")
	if ok {
		t.Fatal("request over burst allowed")
	}
	if wait <= 0 || wait > time.Second {
		t.Errorf("wait = %v, want (0, 1s]", wait)
	}

	// Other clients have their own bucket.
	if ok, _ := rl.Allow("2.2.2.2"); !ok {
		t.Error("second client rejected")
	}

	// One token per second refills.
	now = now.Add(time.Second)
	if ok, _ := rl.Allow("1.1.1.1"); !ok {
		t.Error("request after refill rejected")
	}

	rl.evict(now.Add(time.Second))
	rl.mu.Lock()
	n := len(rl.visitors)
	rl.mu.Unlock()
	if n != 0 {
		t.Errorf("visitors after evict = %d, want 0", n)
	}
}

func TestRateLimiter_Handler(t *testing.T) {
	rl := NewRateLimiter(60, 1)
	defer rl.Close()
	h := rl.Handler(okHandler)

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "9.9.9.9:1000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	if rec := do(); rec.Code != http.StatusOK {
		t.Fatalf("first status = %d, want 200", rec.Code)
	}
	rec := do()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", rec.Code)
	}
	if secs, err := strconv.Atoi(rec.Header().Get("Retry-After")); err != nil || secs < 1 {
		t.Errorf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}
}

func TestLogger_CapturesStatus(t *testing.T) {
	h := Logger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusTeapot)
	}
	if rec.Body.String() != "short and stout" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func newTestRateLimiter(t *testing.T, cfg RateLimiterConfig) *RateLimiter {
	t.Helper()
	rl := NewRateLimiter(cfg, slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil)))
	t.Cleanup(rl.Stop)
	return rl
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func requestFrom(method, path, remoteAddr, userID string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = remoteAddr
	if userID != "" {
		req = req.WithContext(ContextWithUserID(req.Context(), userID))
	}
	return req
}

// TestRateLimiter_General_AllowsBurstThenRejects はバースト分まで通り、超えると429になることを検証する。
func TestRateLimiter_General_AllowsBurstThenRejects(t *testing.T) {
	rl := newTestRateLimiter(t, RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    3,
		AuthRate:        1,
		AuthBurst:       1,
		CleanupInterval: time.Minute,
	})
	handler := rl.GeneralMiddleware()(okHandler())

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestFrom(http.MethodGet, "/api/me", "10.0.0.1:1234", "user-1"))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom(http.MethodGet, "/api/me", "10.0.0.1:1234", "user-1"))

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	if ra := w.Header().Get("Retry-After"); ra != "1" {
		t.Errorf("Retry-After = %q, want %q", ra, "1")
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.Code != "RATE_LIMIT_EXCEEDED" {
		t.Errorf("code = %q, want %q", body.Code, "RATE_LIMIT_EXCEEDED")
	}
}

// TestRateLimiter_General_SeparatesClients はクライアントごとに独立したバケットを持つことを検証する。
func TestRateLimiter_General_SeparatesClients(t *testing.T) {
	rl := newTestRateLimiter(t, RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    1,
		AuthRate:        1,
		AuthBurst:       1,
		CleanupInterval: time.Minute,
	})
	handler := rl.GeneralMiddleware()(okHandler())

	reqs := []*http.Request{
		requestFrom(http.MethodGet, "/api/me", "10.0.0.1:1234", "user-1"),
		requestFrom(http.MethodGet, "/api/me", "10.0.0.1:1234", "user-2"),
		requestFrom(http.MethodGet, "/api/me", "10.0.0.2:1234", ""),
		requestFrom(http.MethodGet, "/api/me", "10.0.0.3:1234", ""),
	}
	for i, req := range reqs {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}

	if got := rl.GeneralLimiterCount(); got != 4 {
		t.Errorf("GeneralLimiterCount = %d, want 4", got)
	}
}

// TestRateLimiter_Auth_IndependentOfGeneral はログイン用の制限がAPI全般と独立していることを検証する。
func TestRateLimiter_Auth_IndependentOfGeneral(t *testing.T) {
	rl := newTestRateLimiter(t, RateLimiterConfig{
		GeneralRate:     100,
		GeneralBurst:    100,
		AuthRate:        rate.Limit(10.0 / 60.0),
		AuthBurst:       2,
		CleanupInterval: time.Minute,
	})
	handler := rl.GeneralMiddleware()(rl.AuthMiddleware()(okHandler()))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestFrom(http.MethodPost, "/api/auth/login", "192.0.2.7:5555", ""))
		codes = append(codes, w.Code)
	}

	want := []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}
	for i := range want {
		if codes[i] != want[i] {
			t.Errorf("request %d: status = %d, want %d", i, codes[i], want[i])
		}
	}
	if got := rl.AuthLimiterCount(); got != 1 {
		t.Errorf("AuthLimiterCount = %d, want 1", got)
	}

	w := httptest.NewRecorder()
	rl.AuthMiddleware()(okHandler()).ServeHTTP(w, requestFrom(http.MethodPost, "/api/auth/login", "192.0.2.7:5555", ""))
	if ra, _ := strconv.Atoi(w.Header().Get("Retry-After")); ra < 6 || ra > 7 {
		t.Errorf("Retry-After = %d, want about 6", ra)
	}
}

// TestClientKey はユーザーID優先、なければ接続元IPでキーを作ることを検証する。
func TestClientKey(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		userID     string
		want       string
	}{
		{"ログイン中", "10.0.0.1:1234", "user-1", "user:user-1"},
		{"未ログイン", "10.0.0.1:1234", "", "ip:10.0.0.1"},
		{"ポートなし", "10.0.0.9", "", "ip:10.0.0.9"},
		{"IPv6", "[::1]:8080", "", "ip:::1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := clientKey(requestFrom(http.MethodGet, "/", tt.remoteAddr, tt.userID))
			if got != tt.want {
				t.Errorf("clientKey = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestRateLimiter_Cleanup は古いエントリだけが削除されることを検証する。
func TestRateLimiter_Cleanup(t *testing.T) {
	rl := newTestRateLimiter(t, RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    1,
		AuthRate:        1,
		AuthBurst:       1,
		CleanupInterval: time.Hour,
	})

	base := time.Now()
	rl.general.get("user:old", base.Add(-3*time.Hour))
	rl.general.get("user:new", base)
	rl.auth.get("ip:10.0.0.1", base.Add(-3*time.Hour))

	rl.cleanup(base)

	if got := rl.GeneralLimiterCount(); got != 1 {
		t.Errorf("GeneralLimiterCount = %d, want 1", got)
	}
	if got := rl.AuthLimiterCount(); got != 0 {
		t.Errorf("AuthLimiterCount = %d, want 0", got)
	}
}

// TestRateLimiter_StopIsIdempotent はStopを複数回呼んでもpanicしないことを検証する。
func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimiterConfig(), slog.Default())
	rl.Stop()
	rl.Stop()
}

// TestNewRateLimiterConfig は1分あたりの上限からの換算を検証する。
func TestNewRateLimiterConfig(t *testing.T) {
	cfg := NewRateLimiterConfig(60)
	if cfg.GeneralRate != 1 {
		t.Errorf("GeneralRate = %v, want 1", cfg.GeneralRate)
	}
	if cfg.GeneralBurst != 60 {
		t.Errorf("GeneralBurst = %d, want 60", cfg.GeneralBurst)
	}
	if cfg.AuthBurst != 10 {
		t.Errorf("AuthBurst = %d, want 10", cfg.AuthBurst)
	}

	if def := NewRateLimiterConfig(0); def.GeneralBurst != 120 {
		t.Errorf("GeneralBurst for 0 = %d, want 120", def.GeneralBurst)
	}
}

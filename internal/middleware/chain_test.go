package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/yowxmods/yowx/internal/model"
)

// newTestChain はアプリケーションと同じ順序でミドルウェアを組んだルーターを返す。
func newTestChain(users UserSource, logBuf *bytes.Buffer) http.Handler {
	logger := slog.New(slog.NewJSONHandler(logBuf, nil))

	r := chi.NewRouter()
	r.Use(NewRecoveryMiddleware(logger))
	r.Use(NewSecurityHeadersMiddleware())
	r.Use(NewCORSMiddleware("http://localhost:5173"))
	r.Use(NewUserContextMiddleware(users))
	r.Use(NewLoggingMiddleware(logger))
	r.Use(NewCSRFMiddleware(CSRFConfig{Logger: logger}))

	r.Get("/api/leaderboard", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/api/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	r.Group(func(r chi.Router) {
		r.Use(NewRequireUserMiddleware(users))
		r.Post("/api/wallet/coins", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})
	return r
}

func TestMiddlewareChain_PublicGET(t *testing.T) {
	var logBuf bytes.Buffer
	handler := newTestChain(&stubUsers{}, &logBuf)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/leaderboard", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want %q", got, "nosniff")
	}
	if got := w.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q, want %q", got, "no-store")
	}
	if findCookie(w.Result().Cookies(), csrfCookieName) == nil {
		t.Error("expected CSRF cookie on first GET")
	}
	if !strings.Contains(logBuf.String(), `"path":"/api/leaderboard"`) {
		t.Errorf("access log missing path: %s", logBuf.String())
	}
}

func TestMiddlewareChain_ProtectedPOST(t *testing.T) {
	tests := []struct {
		name      string
		user      *model.AuthUser
		withToken bool
		want      int
	}{
		{"ログイン中かつトークンあり", &model.AuthUser{ID: "user-1"}, true, http.StatusOK},
		{"ログイン中でトークンなし", &model.AuthUser{ID: "user-1"}, false, http.StatusForbidden},
		{"未ログイン", nil, true, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logBuf bytes.Buffer
			handler := newTestChain(&stubUsers{user: tt.user}, &logBuf)

			req := httptest.NewRequest(http.MethodPost, "/api/wallet/coins", strings.NewReader(`{"delta":1}`))
			if tt.withToken {
				req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "tok"})
				req.Header.Set(csrfHeaderName, "tok")
			}
			w := httptest.NewRecorder()

			handler.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestMiddlewareChain_RecoversPanic(t *testing.T) {
	var logBuf bytes.Buffer
	handler := newTestChain(&stubUsers{}, &logBuf)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/panic", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	if !strings.Contains(w.Body.String(), "INTERNAL_ERROR") {
		t.Errorf("body = %s, want INTERNAL_ERROR", w.Body.String())
	}
	if !strings.Contains(logBuf.String(), "panic recovered") {
		t.Errorf("expected panic to be logged: %s", logBuf.String())
	}
}

func TestRecoveryMiddleware_RepanicsAbortHandler(t *testing.T) {
	handler := NewRecoveryMiddleware(slog.Default())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	defer func() {
		if rec := recover(); rec != http.ErrAbortHandler {
			t.Errorf("recovered = %v, want http.ErrAbortHandler", rec)
		}
	}()
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/events", nil))
}

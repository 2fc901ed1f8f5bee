package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/yowxmods/yowx/internal/i18n"
	"github.com/yowxmods/yowx/internal/leaderboard"
	"github.com/yowxmods/yowx/internal/middleware"
	"github.com/yowxmods/yowx/internal/model"
	"github.com/yowxmods/yowx/internal/session"
)

// --- モック定義 ---

type mockAuthService struct {
	loginFn  func(ctx context.Context, email, password string) error
	signupFn func(ctx context.Context, email, username, password string) error
	logoutFn func(ctx context.Context) error
}

func (m *mockAuthService) Login(ctx context.Context, email, password string) error {
	if m.loginFn != nil {
		return m.loginFn(ctx, email, password)
	}
	return nil
}

func (m *mockAuthService) Signup(ctx context.Context, email, username, password string) error {
	if m.signupFn != nil {
		return m.signupFn(ctx, email, username, password)
	}
	return nil
}

func (m *mockAuthService) Logout(ctx context.Context) error {
	if m.logoutFn != nil {
		return m.logoutFn(ctx)
	}
	return nil
}

type mockCoinUpdater struct {
	updateFn func(ctx context.Context, delta float64) (*model.AuthUser, error)
}

func (m *mockCoinUpdater) UpdateUserCoins(ctx context.Context, delta float64) (*model.AuthUser, error) {
	if m.updateFn != nil {
		return m.updateFn(ctx, delta)
	}
	return nil, nil
}

type mockPresenceUpdater struct {
	calls int
	err   error
}

func (m *mockPresenceUpdater) UpdatePresence(ctx context.Context) error {
	m.calls++
	return m.err
}

type mockLeaderboard struct {
	snapshot leaderboard.Snapshot
}

func (m *mockLeaderboard) Snapshot() leaderboard.Snapshot {
	return m.snapshot
}

type mockBugReports struct {
	submitFn func(ctx context.Context, message string) (*model.BugReport, error)
}

func (m *mockBugReports) Submit(ctx context.Context, message string) (*model.BugReport, error) {
	if m.submitFn != nil {
		return m.submitFn(ctx, message)
	}
	return &model.BugReport{Message: message}, nil
}

type mockLanguages struct {
	current i18n.Language
}

func (m *mockLanguages) Current() i18n.Language {
	return m.current
}

func (m *mockLanguages) Change(code string) (i18n.Language, error) {
	lang, ok := i18n.Lookup(code)
	if !ok {
		return i18n.Language{}, model.NewUnsupportedLanguageError(code)
	}
	m.current = lang
	return lang, nil
}

// --- ヘルパー ---

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newStoreWithUser(user *model.AuthUser) *session.Store {
	store := session.NewStore(testLogger())
	store.SetLoading(false)
	if user != nil {
		store.SetUser(user)
	}
	return store
}

func jsonRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// parseAPIErrorResponse はレスポンスボディからAPIErrorレスポンスをパースするヘルパー。
func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) middleware.ErrorResponseBody {
	t.Helper()
	var result middleware.ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return result
}

// --- AuthHandler ---

func TestAuthHandler_Me_ReturnsSnapshot(t *testing.T) {
	store := newStoreWithUser(&model.AuthUser{ID: "user-1", Username: "alice", Coins: 42, Level: 1})
	h := NewAuthHandler(&mockAuthService{}, store, testLogger())

	w := httptest.NewRecorder()
	h.Me(w, httptest.NewRequest(http.MethodGet, "/api/auth/me", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var body struct {
		User    *model.AuthUser `json:"user"`
		Loading bool            `json:"loading"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body.User == nil || body.User.Username != "alice" || body.User.Coins != 42 {
		t.Errorf("user = %+v, want alice with 42 coins", body.User)
	}
	if body.Loading {
		t.Error("loading should be false")
	}
}

func TestAuthHandler_Me_NoUser(t *testing.T) {
	h := NewAuthHandler(&mockAuthService{}, newStoreWithUser(nil), testLogger())

	w := httptest.NewRecorder()
	h.Me(w, httptest.NewRequest(http.MethodGet, "/api/auth/me", nil))

	if !strings.Contains(w.Body.String(), `"user":null`) {
		t.Errorf("body = %s, want user null", w.Body.String())
	}
}

func TestAuthHandler_Login(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		serviceErr error
		wantStatus int
		wantCode   string
	}{
		{"成功", `{"email":"a@example.com","password":"secret"}`, nil, http.StatusOK, ""},
		{"認証情報誤り", `{"email":"a@example.com","password":"bad"}`, model.NewLoginFailedError("Invalid login credentials"), http.StatusUnauthorized, model.ErrCodeLoginFailed},
		{"入力不備", `{"email":"","password":""}`, model.NewValidationError("email: cannot be blank"), http.StatusBadRequest, model.ErrCodeValidation},
		{"不正なJSON", `{"email":`, nil, http.StatusBadRequest, "INVALID_REQUEST"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotEmail string
			svc := &mockAuthService{
				loginFn: func(ctx context.Context, email, password string) error {
					gotEmail = email
					return tt.serviceErr
				},
			}
			h := NewAuthHandler(svc, newStoreWithUser(nil), testLogger())

			w := httptest.NewRecorder()
			h.Login(w, jsonRequest(http.MethodPost, "/api/auth/login", tt.body))

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantCode != "" {
				if got := parseAPIErrorResponse(t, w).Code; got != tt.wantCode {
					t.Errorf("code = %q, want %q", got, tt.wantCode)
				}
			}
			if tt.name == "成功" && gotEmail != "a@example.com" {
				t.Errorf("email = %q, want %q", gotEmail, "a@example.com")
			}
		})
	}
}

func TestAuthHandler_Signup_PassesFields(t *testing.T) {
	var got [3]string
	svc := &mockAuthService{
		signupFn: func(ctx context.Context, email, username, password string) error {
			got = [3]string{email, username, password}
			return nil
		},
	}
	h := NewAuthHandler(svc, newStoreWithUser(nil), testLogger())

	w := httptest.NewRecorder()
	h.Signup(w, jsonRequest(http.MethodPost, "/api/auth/signup", `{"email":"b@example.com","username":"bob","password":"hunter22"}`))

	if w.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", w.Code, http.StatusCreated)
	}
	if got != [3]string{"b@example.com", "bob", "hunter22"} {
		t.Errorf("signup args = %v", got)
	}
}

func TestAuthHandler_Signup_Failure(t *testing.T) {
	svc := &mockAuthService{
		signupFn: func(ctx context.Context, email, username, password string) error {
			return model.NewSignupFailedError("User already registered")
		},
	}
	h := NewAuthHandler(svc, newStoreWithUser(nil), testLogger())

	w := httptest.NewRecorder()
	h.Signup(w, jsonRequest(http.MethodPost, "/api/auth/signup", `{"email":"b@example.com","username":"bob","password":"hunter22"}`))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if body := parseAPIErrorResponse(t, w); body.Message != "User already registered" {
		t.Errorf("message = %q", body.Message)
	}
}

func TestAuthHandler_Logout_AlwaysNoContent(t *testing.T) {
	for _, err := range []error{nil, errors.New("network down")} {
		svc := &mockAuthService{logoutFn: func(ctx context.Context) error { return err }}
		h := NewAuthHandler(svc, newStoreWithUser(nil), testLogger())

		w := httptest.NewRecorder()
		h.Logout(w, httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil))

		if w.Code != http.StatusNoContent {
			t.Errorf("err=%v: status = %d, want %d", err, w.Code, http.StatusNoContent)
		}
	}
}

// --- WalletHandler ---

func TestWalletHandler_UpdateCoins(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		user       *model.AuthUser
		err        error
		wantStatus int
		wantCode   string
	}{
		{"成功", `{"delta":2.5}`, &model.AuthUser{ID: "u", Coins: 103}, nil, http.StatusOK, ""},
		{"delta未指定", `{}`, nil, nil, http.StatusBadRequest, model.ErrCodeValidation},
		{"未ログイン", `{"delta":1}`, nil, model.ErrNotAuthenticated, http.StatusUnauthorized, model.ErrCodeUnauthorized},
		{"RPC失敗", `{"delta":1}`, nil, errors.New("残高の更新に失敗しました: boom"), http.StatusBadGateway, model.ErrCodeBalanceUpdateFailed},
		{"ユーザー切り替え", `{"delta":1}`, nil, nil, http.StatusNoContent, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotDelta float64
			coins := &mockCoinUpdater{
				updateFn: func(ctx context.Context, delta float64) (*model.AuthUser, error) {
					gotDelta = delta
					return tt.user, tt.err
				},
			}
			h := NewWalletHandler(coins, &mockPresenceUpdater{}, testLogger())

			w := httptest.NewRecorder()
			h.UpdateCoins(w, jsonRequest(http.MethodPost, "/api/wallet/coins", tt.body))

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantCode != "" {
				if got := parseAPIErrorResponse(t, w).Code; got != tt.wantCode {
					t.Errorf("code = %q, want %q", got, tt.wantCode)
				}
			}
			if tt.name == "成功" {
				if gotDelta != 2.5 {
					t.Errorf("delta = %v, want 2.5", gotDelta)
				}
				var user model.AuthUser
				json.NewDecoder(w.Body).Decode(&user)
				if user.Coins != 103 {
					t.Errorf("coins = %d, want 103", user.Coins)
				}
			}
		})
	}
}

func TestWalletHandler_UpdatePresence(t *testing.T) {
	presence := &mockPresenceUpdater{err: errors.New("timeout")}
	h := NewWalletHandler(&mockCoinUpdater{}, presence, testLogger())

	w := httptest.NewRecorder()
	h.UpdatePresence(w, httptest.NewRequest(http.MethodPost, "/api/presence", nil))

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if presence.calls != 1 {
		t.Errorf("calls = %d, want 1", presence.calls)
	}
}

// --- FeatureHandler ---

func TestFeatureHandler_Leaderboard(t *testing.T) {
	lb := &mockLeaderboard{snapshot: leaderboard.Snapshot{
		Entries: []model.LeaderboardEntry{
			{Rank: 1, UserID: "u1", Username: "alice", Balance: 900},
			{Rank: 2, UserID: "u2", Username: "unknown", Balance: 10},
		},
		Loaded: true,
	}}
	h := NewFeatureHandler(lb, &mockBugReports{}, &mockLanguages{}, testLogger())

	w := httptest.NewRecorder()
	h.Leaderboard(w, httptest.NewRequest(http.MethodGet, "/api/leaderboard", nil))

	var body leaderboard.Snapshot
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if !body.Loaded || len(body.Entries) != 2 || body.Entries[0].Username != "alice" {
		t.Errorf("body = %+v", body)
	}
}

func TestFeatureHandler_SubmitBugReport(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"成功", nil, http.StatusCreated},
		{"未ログイン", model.NewUnauthorizedError(), http.StatusUnauthorized},
		{"空のメッセージ", model.NewValidationError("message: cannot be blank"), http.StatusBadRequest},
		{"保存失敗", model.NewBugReportFailedError(), http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reports := &mockBugReports{
				submitFn: func(ctx context.Context, message string) (*model.BugReport, error) {
					if message != "the spin button is stuck" {
						t.Errorf("message = %q", message)
					}
					if tt.err != nil {
						return nil, tt.err
					}
					return &model.BugReport{ID: "r1", UserID: "u1", Message: message}, nil
				},
			}
			h := NewFeatureHandler(&mockLeaderboard{}, reports, &mockLanguages{}, testLogger())

			w := httptest.NewRecorder()
			h.SubmitBugReport(w, jsonRequest(http.MethodPost, "/api/bug-reports", `{"message":"the spin button is stuck"}`))

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestFeatureHandler_Languages(t *testing.T) {
	en, _ := i18n.Lookup("en")
	h := NewFeatureHandler(&mockLeaderboard{}, &mockBugReports{}, &mockLanguages{current: en}, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/languages", nil)
	req.Header.Set("Accept-Language", "vi-VN,vi;q=0.9,en;q=0.5")
	w := httptest.NewRecorder()

	h.Languages(w, req)

	var body languagesResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body.Current.Code != "en" {
		t.Errorf("current = %q, want en", body.Current.Code)
	}
	if body.Suggested.Code != "vi" {
		t.Errorf("suggested = %q, want vi", body.Suggested.Code)
	}
	if len(body.Supported) != 3 {
		t.Errorf("supported = %d, want 3", len(body.Supported))
	}
}

func TestFeatureHandler_ChangeLanguage(t *testing.T) {
	langs := &mockLanguages{}
	h := NewFeatureHandler(&mockLeaderboard{}, &mockBugReports{}, langs, testLogger())

	w := httptest.NewRecorder()
	h.ChangeLanguage(w, jsonRequest(http.MethodPut, "/api/language", `{"code":"es"}`))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if langs.current.Name != "Español" {
		t.Errorf("current = %q, want Español", langs.current.Name)
	}

	w = httptest.NewRecorder()
	h.ChangeLanguage(w, jsonRequest(http.MethodPut, "/api/language", `{"code":"fr"}`))
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if got := parseAPIErrorResponse(t, w).Code; got != model.ErrCodeUnsupportedLanguage {
		t.Errorf("code = %q, want %q", got, model.ErrCodeUnsupportedLanguage)
	}
}

// --- ViewHandler ---

func TestResolveView(t *testing.T) {
	tests := []struct {
		path    string
		wantOK  bool
		wantVw  View
		wantTab string
	}{
		{"/", true, ViewHome, ""},
		{"/free-key", true, ViewHome, ""},
		{"/spin", true, ViewHome, "spin"},
		{"/shop", true, ViewHome, "shop"},
		{"/afk-farm", true, ViewHome, "afk"},
		{"/leaderboard", true, ViewHome, "afk"},
		{"/leaderboard/", true, ViewHome, "afk"},
		{"/games/mines", true, ViewHome, "games"},
		{"/bug-report", true, ViewBugReport, ""},
		{"/admin", true, ViewAdmin, ""},
		{"/games/plinko", false, ViewNotFound, ""},
		{"/nope", false, ViewNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			d, ok := ResolveView(tt.path)
			if ok != tt.wantOK || d.View != tt.wantVw || d.ActiveTab != tt.wantTab {
				t.Errorf("ResolveView(%q) = %+v, %v", tt.path, d, ok)
			}
		})
	}
}

func TestNotFoundHandler(t *testing.T) {
	w := httptest.NewRecorder()
	NotFoundHandler(w, httptest.NewRequest(http.MethodGet, "/api/unknown", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
	if got := parseAPIErrorResponse(t, w).Code; got != model.ErrCodeNotFound {
		t.Errorf("code = %q, want %q", got, model.ErrCodeNotFound)
	}

	w = httptest.NewRecorder()
	NotFoundHandler(w, httptest.NewRequest(http.MethodGet, "/settings", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte(`"view":"not_found"`)) {
		t.Errorf("body = %s", w.Body.String())
	}
}

package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/yowxmods/yowx/internal/session"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	Login(ctx context.Context, email, password string) error
	Signup(ctx context.Context, email, username, password string) error
	Logout(ctx context.Context) error
}

// StateSource はSession Storeのスナップショットを返す。session.Storeが実装する。
type StateSource interface {
	Snapshot() session.State
}

// AuthHandler はログイン状態に関するHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	state   StateSource
	logger  *slog.Logger
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, state StateSource, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		service: service,
		state:   state,
		logger:  logger,
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type signupRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// Me はSession Storeの現在の状態を返す。未ログインの場合はuserがnullになる。
// GET /api/auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.state.Snapshot())
}

// Login はメールアドレスとパスワードでログインする。
// POST /api/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.service.Login(r.Context(), req.Email, req.Password); err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, h.state.Snapshot())
}

// Signup はアカウントを作成する。メール確認が必要な構成ではuserはnullのまま返る。
// POST /api/auth/signup
func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.service.Signup(r.Context(), req.Email, req.Username, req.Password); err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, h.state.Snapshot())
}

// Logout はログアウトする。リモートの失効に失敗してもローカルの状態は破棄済みのため204を返す。
// POST /api/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Logout(r.Context()); err != nil {
		h.logger.Warn("リモートセッションの失効に失敗しました", slog.String("error", err.Error()))
	}
	w.WriteHeader(http.StatusNoContent)
}

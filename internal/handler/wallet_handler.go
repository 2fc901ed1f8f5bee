package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/yowxmods/yowx/internal/middleware"
	"github.com/yowxmods/yowx/internal/model"
)

// CoinUpdater はウォレットハンドラーが必要とする残高更新インターフェース。
type CoinUpdater interface {
	UpdateUserCoins(ctx context.Context, delta float64) (*model.AuthUser, error)
}

// PresenceUpdater はプレゼンスの即時更新インターフェース。
type PresenceUpdater interface {
	UpdatePresence(ctx context.Context) error
}

// WalletHandler はコイン残高とプレゼンスのHTTPハンドラー。
type WalletHandler struct {
	coins    CoinUpdater
	presence PresenceUpdater
	logger   *slog.Logger
}

// NewWalletHandler はWalletHandlerを生成する。
func NewWalletHandler(coins CoinUpdater, presence PresenceUpdater, logger *slog.Logger) *WalletHandler {
	return &WalletHandler{
		coins:    coins,
		presence: presence,
		logger:   logger,
	}
}

type updateCoinsRequest struct {
	Delta *float64 `json:"delta"`
}

// UpdateCoins は残高をdeltaだけ増減し、更新後のユーザーを返す。
// POST /api/wallet/coins
func (h *WalletHandler) UpdateCoins(w http.ResponseWriter, r *http.Request) {
	var req updateCoinsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Delta == nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewValidationError("delta is required"))
		return
	}

	user, err := h.coins.UpdateUserCoins(r.Context(), *req.Delta)
	if err != nil {
		var apiErr *model.APIError
		if errors.Is(err, model.ErrNotAuthenticated) || errors.As(err, &apiErr) {
			handleServiceError(w, h.logger, err)
			return
		}
		middleware.WriteErrorResponse(w, http.StatusBadGateway, model.NewBalanceUpdateFailedError())
		return
	}
	if user == nil {
		// 更新中にユーザーが切り替わった
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, user)
}

// UpdatePresence はプレゼンスを即時に送信する。失敗は定期送信と同様に通知のみで、204を返す。
// POST /api/presence
func (h *WalletHandler) UpdatePresence(w http.ResponseWriter, r *http.Request) {
	if err := h.presence.UpdatePresence(r.Context()); err != nil {
		h.logger.Debug("プレゼンスの即時更新に失敗しました", slog.String("error", err.Error()))
	}
	w.WriteHeader(http.StatusNoContent)
}

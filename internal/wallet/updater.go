// Package wallet はログインユーザーのコイン残高の増減を提供する。
package wallet

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/yowxmods/yowx/internal/diagnostics"
	"github.com/yowxmods/yowx/internal/metrics"
	"github.com/yowxmods/yowx/internal/model"
	"github.com/yowxmods/yowx/internal/platform"
	"github.com/yowxmods/yowx/internal/repository"
	"github.com/yowxmods/yowx/internal/session"
)

// AuthErrorHandler はセッション無効エラーを強制ログアウトに変換する。
// auth.Serviceが実装する。
type AuthErrorHandler interface {
	HandleAuthError(ctx context.Context, err error) bool
}

// Metrics は残高更新結果の記録先。
type Metrics interface {
	RecordCoinUpdate(result string)
}

// Updater はupdate_user_balanceを呼び出し、結果をSession Storeへ反映する。
type Updater struct {
	wallets repository.WalletRepository
	store   *session.Store
	authErr AuthErrorHandler
	diag    diagnostics.Recorder
	metrics Metrics
	logger  *slog.Logger
}

// NewUpdater はUpdaterの新しいインスタンスを生成する。
func NewUpdater(
	wallets repository.WalletRepository,
	store *session.Store,
	authErr AuthErrorHandler,
	diag diagnostics.Recorder,
	m Metrics,
	logger *slog.Logger,
) *Updater {
	if m == nil {
		m = metrics.NopCollector{}
	}
	return &Updater{
		wallets: wallets,
		store:   store,
		authErr: authErr,
		diag:    diag,
		metrics: m,
		logger:  logger,
	}
}

// MaxAbsDelta は受け付ける増減量の絶対値の上限。
// float64で整数を正確に表せる範囲（2^53）に制限する。
const MaxAbsDelta = 1 << 53

// Round は0.5を正の無限大方向へ丸める。
func Round(delta float64) int64 {
	return int64(math.Floor(delta + 0.5))
}

// UpdateUserCoins はログインユーザーの残高をdelta（丸め後）だけ増減し、更新後のユーザーを返す。
// 更新後のウォレットを再取得できなかった場合はローカルで推定した残高を
// CoinsStale付きで設定する。
// 更新中に別ユーザーへ切り替わった場合はStoreを変更せずnilを返す。
func (u *Updater) UpdateUserCoins(ctx context.Context, delta float64) (*model.AuthUser, error) {
	user := u.store.User()
	if user == nil {
		return nil, model.ErrNotAuthenticated
	}
	if math.IsNaN(delta) || math.IsInf(delta, 0) {
		return nil, model.NewValidationError("amount must be a finite number")
	}
	if math.Abs(delta) > MaxAbsDelta {
		return nil, model.NewValidationError(fmt.Sprintf("amount must be between %d and %d", -MaxAbsDelta, MaxAbsDelta))
	}
	amount := Round(delta)

	if err := u.wallets.AdjustBalance(ctx, user.ID, amount); err != nil {
		u.logger.Error("残高の更新に失敗しました",
			slog.String("user_id", user.ID),
			slog.Int64("amount", amount),
			slog.String("error", err.Error()),
		)
		diagnostics.Recordf(u.diag, diagnostics.SeverityError, "Error updating balance via RPC: %s", platform.ErrorMessage(err))
		u.metrics.RecordCoinUpdate(metrics.CoinUpdateFailed)
		u.authErr.HandleAuthError(ctx, err)
		return nil, fmt.Errorf("残高の更新に失敗しました: %w", err)
	}

	wallet, err := u.wallets.FindByUserID(ctx, user.ID)
	if err == nil && wallet == nil {
		err = model.ErrWalletNotFound
	}
	if err != nil && u.authErr.HandleAuthError(ctx, err) {
		// セッション無効で強制ログアウト済みのため推定値も表示しない
		diagnostics.Recordf(u.diag, diagnostics.SeverityError, "Error fetching updated wallet: %s", platform.ErrorMessage(err))
		u.metrics.RecordCoinUpdate(metrics.CoinUpdateFailed)
		return nil, fmt.Errorf("更新後のウォレットの取得に失敗しました: %w", err)
	}

	result := metrics.CoinUpdateConfirmed
	applied := u.store.UpdateUser(func(cur *model.AuthUser) bool {
		if cur.ID != user.ID {
			return false
		}
		if err != nil {
			// 再取得できない場合は更新前の表示値からの推定値
			cur.Coins = addSaturated(cur.Coins, amount)
			cur.CoinsStale = true
			return true
		}
		cur.Coins = wallet.Balance
		if wallet.Level != 0 {
			cur.Level = wallet.Level
		}
		cur.CoinsStale = false
		return true
	})

	if err != nil {
		result = metrics.CoinUpdateEstimated
		u.logger.Warn("更新後のウォレットを取得できなかったため推定残高を表示します",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		diagnostics.Recordf(u.diag, diagnostics.SeverityError, "Error fetching updated wallet: %s", platform.ErrorMessage(err))
	}
	u.metrics.RecordCoinUpdate(result)

	if !applied {
		u.logger.Info("残高更新中にユーザーが切り替わったため表示を更新しません",
			slog.String("user_id", user.ID),
		)
		return nil, nil
	}

	diagnostics.Recordf(u.diag, diagnostics.SeverityInfo, "User %s coins updated: %s coins", user.Username, signed(amount))
	return u.store.User(), nil
}

// addSaturated はint64の範囲で飽和する加算。
func addSaturated(a, b int64) int64 {
	if b > 0 && a > math.MaxInt64-b {
		return math.MaxInt64
	}
	if b < 0 && a < math.MinInt64-b {
		return math.MinInt64
	}
	return a + b
}

func signed(n int64) string {
	if n > 0 {
		return fmt.Sprintf("+%d", n)
	}
	return fmt.Sprintf("%d", n)
}

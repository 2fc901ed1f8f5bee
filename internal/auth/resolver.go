package auth

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/yowxmods/yowx/internal/diagnostics"
	"github.com/yowxmods/yowx/internal/model"
	"github.com/yowxmods/yowx/internal/platform"
	"github.com/yowxmods/yowx/internal/repository"
)

// IdentityFetcher は現在のセッションのユーザー情報を認証基盤から取得する。
// authstate.Managerが実装する。
type IdentityFetcher interface {
	GetUser(ctx context.Context) (*model.Identity, error)
}

// Resolver はprofiles、wallets、認証基盤のユーザー情報を結合してAuthUserを組み立てる。
type Resolver struct {
	profiles repository.ProfileRepository
	wallets  repository.WalletRepository
	identity IdentityFetcher
	diag     diagnostics.Recorder
	logger   *slog.Logger
}

// NewResolver はResolverの新しいインスタンスを生成する。
func NewResolver(
	profiles repository.ProfileRepository,
	wallets repository.WalletRepository,
	identity IdentityFetcher,
	diag diagnostics.Recorder,
	logger *slog.Logger,
) *Resolver {
	return &Resolver{
		profiles: profiles,
		wallets:  wallets,
		identity: identity,
		diag:     diag,
		logger:   logger,
	}
}

// Resolve は指定ユーザーの表示用ビューを取得する。
// プロフィールとユーザー情報の取得失敗は致命的エラーとして返す。
// ウォレットの取得失敗は残高0の代替ウォレットで継続する。
func (r *Resolver) Resolve(ctx context.Context, userID string) (*model.AuthUser, error) {
	profile, err := r.profiles.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("プロフィールの取得に失敗しました: %w", err)
	}
	if profile == nil {
		return nil, model.ErrProfileNotFound
	}

	wallet := r.loadWallet(ctx, userID)

	ident, err := r.identity.GetUser(ctx)
	if err != nil {
		return nil, fmt.Errorf("ユーザー情報の取得に失敗しました: %w", err)
	}

	level := wallet.Level
	if level == 0 {
		level = model.DefaultLevel
	}

	user := &model.AuthUser{
		ID:              userID,
		Email:           ident.Email,
		Username:        profile.Username,
		Coins:           wallet.Balance,
		IsAdmin:         profile.IsAdmin,
		IsOwner:         profile.IsOwner,
		LastRewardClaim: wallet.LastRewardClaim,
		Level:           level,
	}

	diagnostics.Recordf(r.diag, diagnostics.SeverityInfo, "User logged in: %s", user.Username)
	return user, nil
}

// loadWallet はウォレットを取得する。失敗した場合は代替ウォレットを返す。
func (r *Resolver) loadWallet(ctx context.Context, userID string) *model.Wallet {
	w, err := r.findOrCreateWallet(ctx, userID)
	if err != nil {
		r.logger.Error("ウォレットの取得に失敗しました。残高0で継続します",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		diagnostics.Recordf(r.diag, diagnostics.SeverityError, "Error fetching wallet: %s", platform.ErrorMessage(err))
		return model.NewFallbackWallet(userID)
	}
	return w
}

// findOrCreateWallet はウォレットが無ければ残高0で作成し、1回だけ再取得する。
func (r *Resolver) findOrCreateWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	w, err := r.wallets.FindByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if w != nil {
		return w, nil
	}

	r.logger.Info("ウォレットが存在しないため作成します", slog.String("user_id", userID))
	if err := r.wallets.AdjustBalance(ctx, userID, 0); err != nil {
		return nil, fmt.Errorf("ウォレットの作成に失敗しました: %w", err)
	}

	w, err = r.wallets.FindByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, model.ErrWalletNotFound
	}
	return w, nil
}

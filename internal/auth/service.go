// Package auth はログイン、サインアップ、ログアウトと、
// セッション変更に追従したユーザービューの同期を提供する。
package auth

import (
	"context"
	"log/slog"
	"strings"

	"github.com/yowxmods/yowx/internal/authstate"
	"github.com/yowxmods/yowx/internal/diagnostics"
	"github.com/yowxmods/yowx/internal/model"
	"github.com/yowxmods/yowx/internal/platform"
	"github.com/yowxmods/yowx/internal/session"
)

// SessionManager はセッションのライフサイクル操作のインターフェース。
// authstate.Managerが実装する。テスト時にモックに差し替え可能。
type SessionManager interface {
	SignIn(ctx context.Context, email, password string) (*model.Session, error)
	SignUp(ctx context.Context, email, password, username string) (*model.Session, error)
	SignOut(ctx context.Context) error
	Session() *model.Session
	Subscribe(l authstate.Listener) (unsubscribe func())
}

// UserResolver はユーザーIDから表示用ビューを組み立てる。
type UserResolver interface {
	Resolve(ctx context.Context, userID string) (*model.AuthUser, error)
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	mgr      SessionManager
	store    *session.Store
	resolver UserResolver
	diag     diagnostics.Recorder
	logger   *slog.Logger
}

// NewService はServiceを生成する。
func NewService(
	mgr SessionManager,
	store *session.Store,
	resolver UserResolver,
	diag diagnostics.Recorder,
	logger *slog.Logger,
) *Service {
	return &Service{
		mgr:      mgr,
		store:    store,
		resolver: resolver,
		diag:     diag,
		logger:   logger,
	}
}

// Start はセッション変更イベントの購読を開始し、購読解除関数を返す。
// 最初のINITIAL_SESSIONを処理した時点でLoadingをfalseにする。
func (s *Service) Start() (unsubscribe func()) {
	return s.mgr.Subscribe(s.handleEvent)
}

// Login はメールアドレスとパスワードでログインする。
// 失敗時はエラー通知を発行し、*model.APIErrorを返す。
func (s *Service) Login(ctx context.Context, email, password string) error {
	email = strings.TrimSpace(email)
	if err := validateLogin(email, password); err != nil {
		s.store.Notify(model.NewErrorNotice("Login failed", err.Error()))
		return model.NewValidationError(err.Error())
	}

	s.store.SetLoading(true)
	defer s.store.SetLoading(false)

	if _, err := s.mgr.SignIn(ctx, email, password); err != nil {
		msg := platform.ErrorMessage(err)
		s.logger.Warn("ログインに失敗しました",
			slog.String("email", email),
			slog.String("error", err.Error()),
		)
		diagnostics.Recordf(s.diag, diagnostics.SeverityError, "Login failed: %s", msg)
		s.store.Notify(model.NewErrorNotice("Login failed",
			fallback(msg, "Please check your credentials and try again.")))
		return model.NewLoginFailedError(msg)
	}

	diagnostics.Recordf(s.diag, diagnostics.SeverityInfo, "User login successful: %s", email)
	s.store.Notify(model.NewInfoNotice("Login successful!", "Welcome back to Yowx Mods!"))
	return nil
}

// Signup はアカウントを作成する。メール確認が必要な構成ではセッションは発行されない。
func (s *Service) Signup(ctx context.Context, email, username, password string) error {
	email = strings.TrimSpace(email)
	username = strings.TrimSpace(username)
	if err := validateSignup(email, username, password); err != nil {
		s.store.Notify(model.NewErrorNotice("Signup failed", err.Error()))
		return model.NewValidationError(err.Error())
	}

	s.store.SetLoading(true)
	defer s.store.SetLoading(false)

	if _, err := s.mgr.SignUp(ctx, email, password, username); err != nil {
		msg := platform.ErrorMessage(err)
		s.logger.Warn("サインアップに失敗しました",
			slog.String("email", email),
			slog.String("username", username),
			slog.String("error", err.Error()),
		)
		diagnostics.Recordf(s.diag, diagnostics.SeverityError, "Signup failed: %s", msg)
		s.store.Notify(model.NewErrorNotice("Signup failed",
			fallback(msg, "Please check your information and try again.")))
		return model.NewSignupFailedError(msg)
	}

	diagnostics.Recordf(s.diag, diagnostics.SeverityInfo, "New user signup: %s (%s)", username, email)
	s.store.Notify(model.NewInfoNotice("Account created!", "Welcome to Yowx Mods!"))
	return nil
}

// Logout はログアウトする。リモートの失効に失敗してもローカルの状態は必ず破棄する。
func (s *Service) Logout(ctx context.Context) error {
	// 失効前に記録し、リモートの結果にかかわらず転送する
	if user := s.store.User(); user != nil {
		diagnostics.Recordf(s.diag, diagnostics.SeverityInfo, "User logged out: %s", user.Username)
	}

	err := s.mgr.SignOut(ctx)
	s.store.Clear()

	if err != nil {
		s.logger.Warn("ログアウト処理でエラーが発生しました", slog.String("error", err.Error()))
		diagnostics.Recordf(s.diag, diagnostics.SeverityError, "Logout failed: %s", platform.ErrorMessage(err))
		return err
	}
	return nil
}

// HandleAuthError はセッションが再利用不能であることを示すエラーであれば
// ローカルの状態を破棄して強制ログアウトし、trueを返す。
// それ以外のエラーはログに記録するだけでfalseを返す。
func (s *Service) HandleAuthError(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if !model.IsSessionInvalid(err) {
		s.logger.Debug("セッション無効以外のエラーのため強制ログアウトしません",
			slog.String("error", err.Error()),
		)
		return false
	}

	s.logger.Warn("セッションが無効になったため強制ログアウトします",
		slog.String("error", err.Error()),
	)
	diagnostics.Recordf(s.diag, diagnostics.SeverityError, "Auth error detected: %s", platform.ErrorMessage(err))

	s.store.Clear()
	if signOutErr := s.mgr.SignOut(ctx); signOutErr != nil {
		s.logger.Warn("強制ログアウト時のリモートセッション失効に失敗しました",
			slog.String("error", signOutErr.Error()),
		)
	}
	s.store.Notify(model.NewErrorNotice("Session expired", "Please log in again to continue."))
	return true
}

// handleEvent はセッション変更イベントをSession Storeへ反映する。
func (s *Service) handleEvent(ctx context.Context, ev authstate.Event) {
	s.logger.Debug("セッション変更イベントを受信しました", slog.String("event", string(ev.Type)))

	if ev.Type == authstate.EventTokenRefreshed {
		diagnostics.Recordf(s.diag, diagnostics.SeverityInfo, "Token refreshed successfully")
	}

	if ev.Err != nil {
		s.HandleAuthError(ctx, ev.Err)
	}

	s.store.SetSession(ev.Session)
	if ev.Session != nil {
		s.loadUser(ctx, ev.Session.User.ID)
	} else {
		s.store.Clear()
	}

	if ev.Type == authstate.EventInitialSession {
		s.store.SetLoading(false)
	}
}

// loadUser はユーザービューを解決してSession Storeに設定する。
func (s *Service) loadUser(ctx context.Context, userID string) {
	user, err := s.resolver.Resolve(ctx, userID)
	if err != nil {
		s.logger.Error("ユーザーデータの取得に失敗しました",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		diagnostics.Recordf(s.diag, diagnostics.SeverityError, "Error fetching user data: %s", platform.ErrorMessage(err))
		s.HandleAuthError(ctx, err)
		return
	}

	// 解決中にログアウトや別ユーザーへの切り替えがあった場合は反映しない
	if cur := s.mgr.Session(); cur == nil || cur.User.ID != userID {
		s.logger.Info("ユーザーが切り替わったため取得結果を破棄しました", slog.String("user_id", userID))
		return
	}
	s.store.SetUser(user)
}

func fallback(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

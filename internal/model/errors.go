// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, wallet, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeValidation          = "VALIDATION_FAILED"
	ErrCodeLoginFailed         = "LOGIN_FAILED"
	ErrCodeSignupFailed        = "SIGNUP_FAILED"
	ErrCodeBalanceUpdateFailed = "BALANCE_UPDATE_FAILED"
	ErrCodeBugReportFailed     = "BUG_REPORT_FAILED"
	ErrCodeUnsupportedLanguage = "UNSUPPORTED_LANGUAGE"
	ErrCodeSessionExpired      = "SESSION_EXPIRED"
	ErrCodeCSRFFailed          = "CSRF_VALIDATION_FAILED"
	ErrCodeRateLimited         = "RATE_LIMIT_EXCEEDED"
	ErrCodeNotFound            = "NOT_FOUND"
)

// センチネルエラー
var (
	// ErrNotAuthenticated はログインユーザーが存在しないことを示す。
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrProfileNotFound はprofiles行が存在しないことを示す。
	ErrProfileNotFound = errors.New("profile not found")
	// ErrWalletNotFound はwallets行が存在しないことを示す。
	ErrWalletNotFound = errors.New("wallet not found")
)

// NewUnauthorizedError は未ログインエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "ログインが必要です。",
		Category: "auth",
		Action:   "ログインしてから再度お試しください。",
	}
}

// NewValidationError は入力検証エラーを生成する。
func NewValidationError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  fmt.Sprintf("入力内容が正しくありません: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewLoginFailedError はログイン失敗エラーを生成する。
func NewLoginFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeLoginFailed,
		Message:  reason,
		Category: "auth",
		Action:   "Please check your credentials and try again.",
	}
}

// NewSignupFailedError はサインアップ失敗エラーを生成する。
func NewSignupFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeSignupFailed,
		Message:  reason,
		Category: "auth",
		Action:   "Please check your information and try again.",
	}
}

// NewBalanceUpdateFailedError は残高更新失敗エラーを生成する。
func NewBalanceUpdateFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeBalanceUpdateFailed,
		Message:  "残高の更新に失敗しました。",
		Category: "wallet",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewBugReportFailedError はバグレポート送信失敗エラーを生成する。
func NewBugReportFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeBugReportFailed,
		Message:  "バグレポートの送信に失敗しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewUnsupportedLanguageError は未対応言語エラーを生成する。
func NewUnsupportedLanguageError(code string) *APIError {
	return &APIError{
		Code:     ErrCodeUnsupportedLanguage,
		Message:  fmt.Sprintf("未対応の言語です: %s", code),
		Category: "validation",
		Action:   "en、es、vi のいずれかを指定してください。",
	}
}

// NewCSRFError はCSRFトークン検証失敗エラーを生成する。
func NewCSRFError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRFFailed,
		Message:  "CSRFトークンの検証に失敗しました。",
		Category: "auth",
		Action:   "ページを再読み込みしてから再度お試しください。",
	}
}

// NewRateLimitedError はレート制限超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "Too many requests. Please try again later.",
		Category: "system",
		Action:   "Please wait and retry after the specified time.",
	}
}

// NewNotFoundError はリソースが存在しないエラーを生成する。
func NewNotFoundError(path string) *APIError {
	return &APIError{
		Code:     ErrCodeNotFound,
		Message:  fmt.Sprintf("ページが見つかりません: %s", path),
		Category: "validation",
		Action:   "URLを確認してください。",
	}
}

// AuthErrorKind は認証基盤エラーの種別。
// エラーメッセージの文字列ではなく、認証基盤が返す構造化コードから判定する。
type AuthErrorKind int

const (
	AuthErrorUnknown AuthErrorKind = iota
	AuthErrorInvalidCredentials
	AuthErrorRefreshTokenInvalid
	AuthErrorRefreshTokenNotFound
	AuthErrorSessionNotFound
	AuthErrorUserAlreadyExists
	AuthErrorWeakPassword
	AuthErrorEmailNotConfirmed
)

// String は種別名を返す。
func (k AuthErrorKind) String() string {
	switch k {
	case AuthErrorInvalidCredentials:
		return "invalid_credentials"
	case AuthErrorRefreshTokenInvalid:
		return "refresh_token_invalid"
	case AuthErrorRefreshTokenNotFound:
		return "refresh_token_not_found"
	case AuthErrorSessionNotFound:
		return "session_not_found"
	case AuthErrorUserAlreadyExists:
		return "user_already_exists"
	case AuthErrorWeakPassword:
		return "weak_password"
	case AuthErrorEmailNotConfirmed:
		return "email_not_confirmed"
	default:
		return "unknown"
	}
}

// AuthError は認証基盤から返された分類済みエラー。
type AuthError struct {
	Kind    AuthErrorKind
	Message string
	Err     error
}

// Error はerrorインターフェースを実装する。
func (e *AuthError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("auth error (%s): %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("auth error (%s)", e.Kind)
}

// Unwrap は元のエラーを返す。
func (e *AuthError) Unwrap() error {
	return e.Err
}

// SessionInvalid はセッションが再利用不能（強制ログアウト対象）な種別かを返す。
func (e *AuthError) SessionInvalid() bool {
	switch e.Kind {
	case AuthErrorRefreshTokenInvalid, AuthErrorRefreshTokenNotFound, AuthErrorSessionNotFound:
		return true
	default:
		return false
	}
}

// IsSessionInvalid はエラーチェーンにセッション無効のAuthErrorが含まれるかを返す。
func IsSessionInvalid(err error) bool {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.SessionInvalid()
	}
	return false
}

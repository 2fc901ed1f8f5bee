package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/yowxmods/yowx/internal/model"
)

// 認証APIのパス
const (
	pathToken  = "/auth/v1/token"
	pathSignup = "/auth/v1/signup"
	pathLogout = "/auth/v1/logout"
	pathUser   = "/auth/v1/user"
)

// userResponse は認証APIが返すユーザーオブジェクト。
type userResponse struct {
	ID               string     `json:"id"`
	Email            string     `json:"email"`
	EmailConfirmedAt *time.Time `json:"email_confirmed_at"`
	UserMetadata     struct {
		Username string `json:"username"`
	} `json:"user_metadata"`
}

func (u userResponse) identity() model.Identity {
	return model.Identity{
		ID:               u.ID,
		Email:            u.Email,
		EmailConfirmedAt: u.EmailConfirmedAt,
		Username:         u.UserMetadata.Username,
	}
}

// sessionResponse はトークン発行系エンドポイントのレスポンス。
// サインアップでメール確認が必要な場合はユーザー情報のみが返る。
type sessionResponse struct {
	AccessToken  string        `json:"access_token"`
	TokenType    string        `json:"token_type"`
	ExpiresIn    int64         `json:"expires_in"`
	ExpiresAt    int64         `json:"expires_at"`
	RefreshToken string        `json:"refresh_token"`
	User         *userResponse `json:"user"`
}

// toSession はレスポンスをmodel.Sessionへ変換する。
// 有効期限やユーザーIDが省略された場合はアクセストークンのクレームから補う。
func (r *sessionResponse) toSession(now time.Time) (*model.Session, error) {
	if r.AccessToken == "" {
		return nil, nil
	}

	s := &model.Session{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		TokenType:    r.TokenType,
	}
	if r.User != nil {
		s.User = r.User.identity()
	}

	switch {
	case r.ExpiresAt > 0:
		s.ExpiresAt = time.Unix(r.ExpiresAt, 0)
	case r.ExpiresIn > 0:
		s.ExpiresAt = now.Add(time.Duration(r.ExpiresIn) * time.Second)
	}

	if s.ExpiresAt.IsZero() || s.User.ID == "" {
		claims, err := ParseAccessTokenClaims(r.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("アクセストークンのクレームを読み取れません: %w", err)
		}
		if s.ExpiresAt.IsZero() && claims.ExpiresAt != nil {
			s.ExpiresAt = claims.ExpiresAt.Time
		}
		if s.User.ID == "" {
			s.User.ID = claims.Subject
			s.User.Email = claims.Email
		}
	}
	return s, nil
}

// SignInWithPassword はメールアドレスとパスワードでセッションを発行する。
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*model.Session, error) {
	var resp sessionResponse
	err := c.do(ctx, request{
		op:     "auth.sign_in",
		method: http.MethodPost,
		path:   pathToken,
		query:  url.Values{"grant_type": {"password"}},
		body:   map[string]string{"email": email, "password": password},
	}, &resp)
	if err != nil {
		return nil, classifyAuthError(err, false)
	}
	s, err := resp.toSession(time.Now())
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, errors.New("auth.sign_in: レスポンスにセッションが含まれていません")
	}
	return s, nil
}

// SignUp はアカウントを作成する。usernameはユーザーメタデータとして保存される。
// メール確認が必要な構成ではセッションは発行されず、nilを返す。
func (c *Client) SignUp(ctx context.Context, email, password, username string) (*model.Session, error) {
	body := map[string]any{
		"email":    email,
		"password": password,
		"data":     map[string]string{"username": username},
	}
	var resp sessionResponse
	if err := c.do(ctx, request{
		op:     "auth.sign_up",
		method: http.MethodPost,
		path:   pathSignup,
		body:   body,
	}, &resp); err != nil {
		return nil, classifyAuthError(err, false)
	}
	return resp.toSession(time.Now())
}

// SignOut はリモートのセッションを失効させる。
func (c *Client) SignOut(ctx context.Context, accessToken string) error {
	err := c.do(ctx, request{
		op:     "auth.sign_out",
		method: http.MethodPost,
		path:   pathLogout,
		token:  accessToken,
	}, nil)
	if err != nil {
		return classifyAuthError(err, false)
	}
	return nil
}

// RefreshSession はリフレッシュトークンで新しいセッションを発行する。
func (c *Client) RefreshSession(ctx context.Context, refreshToken string) (*model.Session, error) {
	var resp sessionResponse
	err := c.do(ctx, request{
		op:     "auth.refresh",
		method: http.MethodPost,
		path:   pathToken,
		query:  url.Values{"grant_type": {"refresh_token"}},
		body:   map[string]string{"refresh_token": refreshToken},
	}, &resp)
	if err != nil {
		return nil, classifyAuthError(err, true)
	}
	s, err := resp.toSession(time.Now())
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, errors.New("auth.refresh: レスポンスにセッションが含まれていません")
	}
	return s, nil
}

// GetUser はアクセストークンに対応するユーザー情報を取得する。
func (c *Client) GetUser(ctx context.Context, accessToken string) (*model.Identity, error) {
	var resp userResponse
	err := c.do(ctx, request{
		op:     "auth.get_user",
		method: http.MethodGet,
		path:   pathUser,
		token:  accessToken,
	}, &resp)
	if err != nil {
		return nil, classifyAuthError(err, false)
	}
	id := resp.identity()
	return &id, nil
}

// authErrorKinds はGoTrueのerror_codeと種別の対応。
var authErrorKinds = map[string]model.AuthErrorKind{
	"invalid_credentials":        model.AuthErrorInvalidCredentials,
	"refresh_token_not_found":    model.AuthErrorRefreshTokenNotFound,
	"refresh_token_already_used": model.AuthErrorRefreshTokenInvalid,
	"session_not_found":          model.AuthErrorSessionNotFound,
	"session_expired":            model.AuthErrorSessionNotFound,
	"bad_jwt":                    model.AuthErrorSessionNotFound,
	"user_already_exists":        model.AuthErrorUserAlreadyExists,
	"email_exists":               model.AuthErrorUserAlreadyExists,
	"weak_password":              model.AuthErrorWeakPassword,
	"email_not_confirmed":        model.AuthErrorEmailNotConfirmed,
}

// classifyAuthError は認証APIのエラーを*model.AuthErrorへ変換する。
// メッセージ文字列ではなくerror_codeとOAuthのerrorフィールドで判定する。
// 通信エラーなどレスポンスを伴わないエラーはそのまま返す。
func classifyAuthError(err error, refreshGrant bool) error {
	var perr *Error
	if !errors.As(err, &perr) {
		return err
	}

	kind, ok := authErrorKinds[perr.ErrorCode]
	if !ok {
		switch {
		case perr.OAuthError == "invalid_grant" && refreshGrant:
			kind = model.AuthErrorRefreshTokenInvalid
		case perr.OAuthError == "invalid_grant":
			kind = model.AuthErrorInvalidCredentials
		default:
			kind = model.AuthErrorUnknown
		}
	}
	return &model.AuthError{Kind: kind, Message: perr.Message, Err: perr}
}

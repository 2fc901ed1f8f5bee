// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"net/http"

	"github.com/yowxmods/yowx/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// userIDContextKey はリクエストコンテキストにユーザーIDを格納するためのキー。
var userIDContextKey = contextKey("user_id")

// UserSource は現在ログインしているユーザーを返す。
// session.Storeが実装する。
type UserSource interface {
	User() *model.AuthUser
}

// NewRequireUserMiddleware はSession Storeにユーザーが居る場合のみ次のハンドラーを呼び出し、
// ユーザーIDをリクエストコンテキストに注入する。
// 未ログインの場合は401 Unauthorizedを返す。
func NewRequireUserMiddleware(users UserSource) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := users.User()
			if user == nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}
			ctx := context.WithValue(r.Context(), userIDContextKey, user.ID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// NewUserContextMiddleware はログイン中であればユーザーIDをコンテキストに注入する。
// 未ログインでもリクエストは通す。ログやレート制限のキーに使用する。
func NewUserContextMiddleware(users UserSource) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if user := users.User(); user != nil {
				r = r.WithContext(context.WithValue(r.Context(), userIDContextKey, user.ID))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}

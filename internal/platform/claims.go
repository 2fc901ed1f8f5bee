package platform

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// AccessClaims はアクセストークンから読み取るクレーム。
type AccessClaims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// ParseAccessTokenClaims はアクセストークンのクレームを署名検証なしで読み取る。
// 署名の検証はバックエンド側の責務で、ここでは有効期限とsubの補完にのみ使う。
func ParseAccessTokenClaims(token string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("failed to parse access token: %w", err)
	}
	return claims, nil
}

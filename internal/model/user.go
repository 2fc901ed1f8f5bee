// Package model はドメインモデルを定義する。
package model

import "time"

// Identity は認証基盤が発行するユーザー識別情報を表す。
type Identity struct {
	ID               string     `json:"id"`
	Email            string     `json:"email,omitempty"`
	EmailConfirmedAt *time.Time `json:"email_confirmed_at,omitempty"`
	Username         string     `json:"username,omitempty"` // サインアップ時のメタデータ
}

// Session は認証基盤が発行したログインセッションを表す。
// アクセストークンは期限前に透過的にリフレッシュされる。
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         Identity  `json:"user"`
}

// ExpiresWithin はアクセストークンが指定時刻からmargin以内に失効するかを返す。
func (s *Session) ExpiresWithin(now time.Time, margin time.Duration) bool {
	return !s.ExpiresAt.After(now.Add(margin))
}

// Clone はSessionのディープコピーを返す。nilの場合はnilを返す。
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.User.EmailConfirmedAt != nil {
		t := *s.User.EmailConfirmedAt
		c.User.EmailConfirmedAt = &t
	}
	return &c
}

// Profile はprofilesテーブルの行を表す。サインアップ時に1度だけ作成される。
type Profile struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	IsAdmin  bool   `json:"is_admin"`
	IsOwner  bool   `json:"is_owner"`
}

// Wallet はwalletsテーブルの行を表す。残高はリモート側が正。
// 変更は update_user_balance RPC 経由でのみ行う。
type Wallet struct {
	UserID          string     `json:"user_id"`
	Balance         int64      `json:"balance"`
	Level           int        `json:"level,omitempty"`
	LastRewardClaim *time.Time `json:"last_reward_claim,omitempty"`
	UpdatedAt       *time.Time `json:"updated_at,omitempty"`
}

// DefaultLevel はウォレットのレベルが未設定の場合に使用するレベル。
const DefaultLevel = 1

// NewFallbackWallet はウォレット取得に失敗した場合に表示用として使う残高0のウォレットを返す。
func NewFallbackWallet(userID string) *Wallet {
	return &Wallet{
		UserID:  userID,
		Balance: 0,
		Level:   DefaultLevel,
	}
}

// AuthUser はIdentity、Profile、Walletを結合した表示用ビューモデル。
// Session Storeにのみ保持され、正となるデータではない。
type AuthUser struct {
	ID              string     `json:"id"`
	Email           string     `json:"email,omitempty"`
	Username        string     `json:"username"`
	Coins           int64      `json:"coins"`
	IsAdmin         bool       `json:"is_admin"`
	IsOwner         bool       `json:"is_owner"`
	LastRewardClaim *time.Time `json:"last_reward_claim,omitempty"`
	Level           int        `json:"level"`
	// CoinsStale は残高がリモートの確定値ではなくローカル推定値であることを示す。
	CoinsStale bool `json:"coins_stale"`
}

// Clone はAuthUserのディープコピーを返す。nilの場合はnilを返す。
func (u *AuthUser) Clone() *AuthUser {
	if u == nil {
		return nil
	}
	c := *u
	if u.LastRewardClaim != nil {
		t := *u.LastRewardClaim
		c.LastRewardClaim = &t
	}
	return &c
}

// PresenceStatus はプレゼンスの状態を表す。
type PresenceStatus string

const (
	// PresenceOnline はオンライン状態。
	PresenceOnline PresenceStatus = "online"
)

// BugReport はbug_reportsテーブルの行を表す。
type BugReport struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// LeaderboardEntry はリーダーボードの1行を表す。
type LeaderboardEntry struct {
	Rank     int    `json:"rank"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Balance  int64  `json:"balance"`
}

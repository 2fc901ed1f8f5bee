// Package repository はデータ永続化のインターフェースを定義する。
// 実装はホスト型バックエンドのREST API経由（rest_*.go）と
// PostgreSQL直結（postgres_*.go）の2種類がある。
package repository

import (
	"context"

	"github.com/yowxmods/yowx/internal/model"
)

// ProfileRepository はprofilesテーブルへのアクセスインターフェース。
type ProfileRepository interface {
	// FindByID は指定ユーザーのプロフィールを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, userID string) (*model.Profile, error)
}

// WalletRepository はwalletsテーブルへのアクセスインターフェース。
type WalletRepository interface {
	// FindByUserID は指定ユーザーのウォレットを取得する。見つからない場合はnilを返す。
	FindByUserID(ctx context.Context, userID string) (*model.Wallet, error)

	// AdjustBalance は update_user_balance を呼び出して残高をamountだけ増減する。
	// ウォレットが存在しない場合は作成される（amount=0で作成のみ）。
	AdjustBalance(ctx context.Context, userID string, amount int64) error
}

// BugReportRepository はbug_reportsテーブルへのアクセスインターフェース。
type BugReportRepository interface {
	// Create はバグレポートを1件挿入する。
	Create(ctx context.Context, report *model.BugReport) error
}

// PresenceRepository はユーザーのプレゼンスを記録するインターフェース。
type PresenceRepository interface {
	// UpsertPresence は insert_or_update_user_presence を呼び出す。
	UpsertPresence(ctx context.Context, userID string, status model.PresenceStatus) error
}

// Broadcaster はプレゼンス変更などのイベントを他クライアントへ通知する。
type Broadcaster interface {
	Broadcast(ctx context.Context, topic, event string, payload any) error
}

// LeaderboardRepository はリーダーボードの読み取りインターフェース。
type LeaderboardRepository interface {
	// TopBalances は残高の降順（同額はuser_idの昇順）で上位limit件を返す。
	// Rankは設定しない。ユーザー名が取得できない行はUsernameが空になる。
	TopBalances(ctx context.Context, limit int) ([]model.LeaderboardEntry, error)
}

// Set はバックエンドごとのリポジトリ一式。
type Set struct {
	Profiles    ProfileRepository
	Wallets     WalletRepository
	BugReports  BugReportRepository
	Presence    PresenceRepository
	Broadcaster Broadcaster
	Leaderboard LeaderboardRepository
}

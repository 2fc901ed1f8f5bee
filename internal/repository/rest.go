package repository

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/yowxmods/yowx/internal/model"
)

// RESTClient はホスト型バックエンドのREST/RPC呼び出しインターフェース。
// platform.Clientが実装する。
type RESTClient interface {
	Select(ctx context.Context, table string, query url.Values, out any) error
	Insert(ctx context.Context, table string, row any) error
	RPC(ctx context.Context, fn string, args any, out any) error
	Broadcast(ctx context.Context, topic, event string, payload any) error
}

// NewRESTSet はREST API経由のリポジトリ一式を生成する。
func NewRESTSet(c RESTClient) Set {
	return Set{
		Profiles:    &RESTProfileRepo{c: c},
		Wallets:     &RESTWalletRepo{c: c},
		BugReports:  &RESTBugReportRepo{c: c},
		Presence:    &RESTPresenceRepo{c: c},
		Broadcaster: c,
		Leaderboard: &RESTLeaderboardRepo{c: c},
	}
}

// RESTProfileRepo はREST APIを使用したプロフィールリポジトリ。
type RESTProfileRepo struct{ c RESTClient }

// FindByID は指定ユーザーのプロフィールを取得する。見つからない場合はnilを返す。
func (r *RESTProfileRepo) FindByID(ctx context.Context, userID string) (*model.Profile, error) {
	var rows []model.Profile
	err := r.c.Select(ctx, "profiles", url.Values{
		"select": {"id,username,is_admin,is_owner"},
		"id":     {"eq." + userID},
		"limit":  {"1"},
	}, &rows)
	if err != nil {
		return nil, fmt.Errorf("プロフィールの取得に失敗しました: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// RESTWalletRepo はREST APIを使用したウォレットリポジトリ。
type RESTWalletRepo struct{ c RESTClient }

// FindByUserID は指定ユーザーのウォレットを取得する。見つからない場合はnilを返す。
func (r *RESTWalletRepo) FindByUserID(ctx context.Context, userID string) (*model.Wallet, error) {
	var rows []model.Wallet
	err := r.c.Select(ctx, "wallets", url.Values{
		"select":  {"user_id,balance,level,last_reward_claim,updated_at"},
		"user_id": {"eq." + userID},
		"limit":   {"1"},
	}, &rows)
	if err != nil {
		return nil, fmt.Errorf("ウォレットの取得に失敗しました: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// AdjustBalance は update_user_balance RPC で残高を増減する。
func (r *RESTWalletRepo) AdjustBalance(ctx context.Context, userID string, amount int64) error {
	err := r.c.RPC(ctx, "update_user_balance", map[string]any{
		"target_user_id": userID,
		"amount_change":  amount,
	}, nil)
	if err != nil {
		return fmt.Errorf("残高の更新に失敗しました: %w", err)
	}
	return nil
}

// RESTBugReportRepo はREST APIを使用したバグレポートリポジトリ。
type RESTBugReportRepo struct{ c RESTClient }

// Create はバグレポートを挿入する。IDと作成日時はreportの値を送信する。
func (r *RESTBugReportRepo) Create(ctx context.Context, report *model.BugReport) error {
	row := map[string]any{
		"user_id": report.UserID,
		"message": report.Message,
	}
	if report.ID != "" {
		row["id"] = report.ID
	}
	if !report.CreatedAt.IsZero() {
		row["created_at"] = report.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	if err := r.c.Insert(ctx, "bug_reports", row); err != nil {
		return fmt.Errorf("バグレポートの保存に失敗しました: %w", err)
	}
	return nil
}

// RESTPresenceRepo はREST APIを使用したプレゼンスリポジトリ。
type RESTPresenceRepo struct{ c RESTClient }

// UpsertPresence は insert_or_update_user_presence RPC を呼び出す。
func (r *RESTPresenceRepo) UpsertPresence(ctx context.Context, userID string, status model.PresenceStatus) error {
	err := r.c.RPC(ctx, "insert_or_update_user_presence", map[string]any{
		"p_user_id": userID,
		"p_status":  string(status),
	}, nil)
	if err != nil {
		return fmt.Errorf("プレゼンスの更新に失敗しました: %w", err)
	}
	return nil
}

// RESTLeaderboardRepo はREST APIを使用したリーダーボードリポジトリ。
type RESTLeaderboardRepo struct{ c RESTClient }

// leaderboardRow はwalletsにprofilesを埋め込んだ行。
type leaderboardRow struct {
	UserID   string `json:"user_id"`
	Balance  int64  `json:"balance"`
	Profiles *struct {
		Username string `json:"username"`
	} `json:"profiles"`
}

// TopBalances は残高上位limit件を取得する。
func (r *RESTLeaderboardRepo) TopBalances(ctx context.Context, limit int) ([]model.LeaderboardEntry, error) {
	var rows []leaderboardRow
	err := r.c.Select(ctx, "wallets", url.Values{
		"select": {"user_id,balance,profiles(username)"},
		"order":  {"balance.desc,user_id.asc"},
		"limit":  {strconv.Itoa(limit)},
	}, &rows)
	if err != nil {
		return nil, fmt.Errorf("リーダーボードの取得に失敗しました: %w", err)
	}

	entries := make([]model.LeaderboardEntry, 0, len(rows))
	for _, row := range rows {
		e := model.LeaderboardEntry{UserID: row.UserID, Balance: row.Balance}
		if row.Profiles != nil {
			e.Username = row.Profiles.Username
		}
		entries = append(entries, e)
	}
	return entries, nil
}

package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/yowxmods/yowx/internal/model"
)

// NewPostgresSet はPostgreSQL直結のリポジトリ一式を生成する。
func NewPostgresSet(db *sql.DB) Set {
	return Set{
		Profiles:    NewPostgresProfileRepo(db),
		Wallets:     NewPostgresWalletRepo(db),
		BugReports:  NewPostgresBugReportRepo(db),
		Presence:    NewPostgresPresenceRepo(db),
		Broadcaster: NewPostgresNotifier(db),
		Leaderboard: NewPostgresLeaderboardRepo(db),
	}
}

// parseUserID はユーザーIDがUUIDであることを確認する。
func parseUserID(userID string) (uuid.UUID, error) {
	id, err := uuid.Parse(userID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid user id %q: %w", userID, err)
	}
	return id, nil
}

// PostgresProfileRepo はPostgreSQLを使用したプロフィールリポジトリ。
type PostgresProfileRepo struct {
	db *sql.DB
}

// NewPostgresProfileRepo はPostgresProfileRepoを生成する。
func NewPostgresProfileRepo(db *sql.DB) *PostgresProfileRepo {
	return &PostgresProfileRepo{db: db}
}

// FindByID は指定ユーザーのプロフィールを取得する。見つからない場合はnilを返す。
func (r *PostgresProfileRepo) FindByID(ctx context.Context, userID string) (*model.Profile, error) {
	id, err := parseUserID(userID)
	if err != nil {
		return nil, err
	}

	p := &model.Profile{}
	err = r.db.QueryRowContext(ctx,
		`SELECT id, username, is_admin, is_owner FROM profiles WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.Username, &p.IsAdmin, &p.IsOwner)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("プロフィールの取得に失敗しました: %w", err)
	}
	return p, nil
}

// PostgresWalletRepo はPostgreSQLを使用したウォレットリポジトリ。
type PostgresWalletRepo struct {
	db *sql.DB
}

// NewPostgresWalletRepo はPostgresWalletRepoを生成する。
func NewPostgresWalletRepo(db *sql.DB) *PostgresWalletRepo {
	return &PostgresWalletRepo{db: db}
}

// FindByUserID は指定ユーザーのウォレットを取得する。見つからない場合はnilを返す。
func (r *PostgresWalletRepo) FindByUserID(ctx context.Context, userID string) (*model.Wallet, error) {
	id, err := parseUserID(userID)
	if err != nil {
		return nil, err
	}

	w := &model.Wallet{}
	var lastClaim, updatedAt sql.NullTime
	err = r.db.QueryRowContext(ctx,
		`SELECT user_id, balance, level, last_reward_claim, updated_at
		 FROM wallets WHERE user_id = $1`,
		id,
	).Scan(&w.UserID, &w.Balance, &w.Level, &lastClaim, &updatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ウォレットの取得に失敗しました: %w", err)
	}
	if lastClaim.Valid {
		w.LastRewardClaim = &lastClaim.Time
	}
	if updatedAt.Valid {
		w.UpdatedAt = &updatedAt.Time
	}
	return w, nil
}

// AdjustBalance は update_user_balance 関数で残高を増減する。
func (r *PostgresWalletRepo) AdjustBalance(ctx context.Context, userID string, amount int64) error {
	id, err := parseUserID(userID)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, `SELECT update_user_balance($1, $2)`, id, amount); err != nil {
		return fmt.Errorf("残高の更新に失敗しました: %w", err)
	}
	return nil
}

// PostgresBugReportRepo はPostgreSQLを使用したバグレポートリポジトリ。
type PostgresBugReportRepo struct {
	db *sql.DB
}

// NewPostgresBugReportRepo はPostgresBugReportRepoを生成する。
func NewPostgresBugReportRepo(db *sql.DB) *PostgresBugReportRepo {
	return &PostgresBugReportRepo{db: db}
}

// Create はバグレポートを挿入し、採番されたIDと作成日時をreportに反映する。
func (r *PostgresBugReportRepo) Create(ctx context.Context, report *model.BugReport) error {
	uid, err := parseUserID(report.UserID)
	if err != nil {
		return err
	}
	if report.ID == "" {
		report.ID = uuid.NewString()
	}

	err = r.db.QueryRowContext(ctx,
		`INSERT INTO bug_reports (id, user_id, message)
		 VALUES ($1, $2, $3)
		 RETURNING created_at`,
		report.ID, uid, report.Message,
	).Scan(&report.CreatedAt)
	if err != nil {
		return fmt.Errorf("バグレポートの保存に失敗しました: %w", err)
	}
	return nil
}

// PostgresPresenceRepo はPostgreSQLを使用したプレゼンスリポジトリ。
type PostgresPresenceRepo struct {
	db *sql.DB
}

// NewPostgresPresenceRepo はPostgresPresenceRepoを生成する。
func NewPostgresPresenceRepo(db *sql.DB) *PostgresPresenceRepo {
	return &PostgresPresenceRepo{db: db}
}

// UpsertPresence は insert_or_update_user_presence 関数を呼び出す。
func (r *PostgresPresenceRepo) UpsertPresence(ctx context.Context, userID string, status model.PresenceStatus) error {
	id, err := parseUserID(userID)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx,
		`SELECT insert_or_update_user_presence($1, $2)`, id, string(status),
	); err != nil {
		return fmt.Errorf("プレゼンスの更新に失敗しました: %w", err)
	}
	return nil
}

// PostgresNotifier はpg_notifyでイベントを通知するBroadcaster。
// トピック名をチャネル名、イベントとペイロードをJSONにして送る。
type PostgresNotifier struct {
	db *sql.DB
}

// NewPostgresNotifier はPostgresNotifierを生成する。
func NewPostgresNotifier(db *sql.DB) *PostgresNotifier {
	return &PostgresNotifier{db: db}
}

// Broadcast はpg_notifyを発行する。
func (n *PostgresNotifier) Broadcast(ctx context.Context, topic, event string, payload any) error {
	body, err := json.Marshal(map[string]any{"event": event, "payload": payload})
	if err != nil {
		return fmt.Errorf("通知ペイロードのエンコードに失敗しました: %w", err)
	}
	if _, err := n.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, topic, string(body)); err != nil {
		return fmt.Errorf("通知の送信に失敗しました: %w", err)
	}
	return nil
}

// PostgresLeaderboardRepo はPostgreSQLを使用したリーダーボードリポジトリ。
type PostgresLeaderboardRepo struct {
	db *sql.DB
}

// NewPostgresLeaderboardRepo はPostgresLeaderboardRepoを生成する。
func NewPostgresLeaderboardRepo(db *sql.DB) *PostgresLeaderboardRepo {
	return &PostgresLeaderboardRepo{db: db}
}

// TopBalances は残高上位limit件を取得する。
func (r *PostgresLeaderboardRepo) TopBalances(ctx context.Context, limit int) ([]model.LeaderboardEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT w.user_id, w.balance, COALESCE(p.username, '')
		 FROM wallets w
		 LEFT JOIN profiles p ON p.id = w.user_id
		 ORDER BY w.balance DESC, w.user_id ASC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("リーダーボードの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var entries []model.LeaderboardEntry
	for rows.Next() {
		var e model.LeaderboardEntry
		if err := rows.Scan(&e.UserID, &e.Balance, &e.Username); err != nil {
			return nil, fmt.Errorf("リーダーボード行の読み取りに失敗しました: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("リーダーボードの走査に失敗しました: %w", err)
	}
	return entries, nil
}

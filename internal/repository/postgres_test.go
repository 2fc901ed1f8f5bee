package repository

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"

	"github.com/yowxmods/yowx/internal/database"
	"github.com/yowxmods/yowx/internal/model"
)

var (
	_ ProfileRepository     = (*PostgresProfileRepo)(nil)
	_ WalletRepository      = (*PostgresWalletRepo)(nil)
	_ BugReportRepository   = (*PostgresBugReportRepo)(nil)
	_ PresenceRepository    = (*PostgresPresenceRepo)(nil)
	_ Broadcaster           = (*PostgresNotifier)(nil)
	_ LeaderboardRepository = (*PostgresLeaderboardRepo)(nil)
)

// setupDB はマイグレーション適用済みのデータベースを返す。
// TEST_DATABASE_URLが未設定、または接続できない場合はスキップする。
func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL is not set")
	}
	db, err := database.Open(dbURL)
	if err != nil {
		t.Fatalf("データベースへの接続に失敗: %v", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		t.Skipf("テスト用データベースに接続できません（スキップ）: %v", err)
	}
	if err := database.RunMigrations(dbURL); err != nil {
		t.Fatalf("マイグレーション実行に失敗: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// createProfile はランダムなユーザー名でプロフィールを作成する。
func createProfile(t *testing.T, db *sql.DB) (string, string) {
	t.Helper()
	id := uuid.NewString()
	username := gofakeit.Username() + "_" + id[:8]
	if _, err := db.Exec(`INSERT INTO profiles (id, username) VALUES ($1, $2)`, id, username); err != nil {
		t.Fatalf("プロフィール作成に失敗: %v", err)
	}
	t.Cleanup(func() { db.Exec(`DELETE FROM profiles WHERE id = $1`, id) })
	return id, username
}

func TestPostgresRepos_InvalidUserID(t *testing.T) {
	set := NewPostgresSet(nil)
	ctx := context.Background()

	if _, err := set.Profiles.FindByID(ctx, "not-a-uuid"); err == nil {
		t.Error("Profiles.FindByID should reject invalid id")
	}
	if _, err := set.Wallets.FindByUserID(ctx, "not-a-uuid"); err == nil {
		t.Error("Wallets.FindByUserID should reject invalid id")
	}
	if err := set.Wallets.AdjustBalance(ctx, "not-a-uuid", 1); err == nil {
		t.Error("Wallets.AdjustBalance should reject invalid id")
	}
	if err := set.Presence.UpsertPresence(ctx, "", model.PresenceOnline); err == nil {
		t.Error("Presence.UpsertPresence should reject empty id")
	}
}

func TestPostgresProfileRepo_FindByID(t *testing.T) {
	db := setupDB(t)
	id, username := createProfile(t, db)
	repo := NewPostgresProfileRepo(db)

	p, err := repo.FindByID(context.Background(), id)
	if err != nil {
		t.Fatalf("FindByID returned error: %v", err)
	}
	if p == nil || p.Username != username || p.IsAdmin || p.IsOwner {
		t.Errorf("profile = %+v", p)
	}

	missing, err := repo.FindByID(context.Background(), uuid.NewString())
	if err != nil || missing != nil {
		t.Errorf("missing profile = %+v, %v; want nil, nil", missing, err)
	}
}

func TestPostgresWalletRepo_CreateOnZeroAndAdjust(t *testing.T) {
	db := setupDB(t)
	id, _ := createProfile(t, db)
	repo := NewPostgresWalletRepo(db)
	ctx := context.Background()

	w, err := repo.FindByUserID(ctx, id)
	if err != nil || w != nil {
		t.Fatalf("before create: %+v, %v; want nil, nil", w, err)
	}

	if err := repo.AdjustBalance(ctx, id, 0); err != nil {
		t.Fatalf("AdjustBalance(0) returned error: %v", err)
	}
	if err := repo.AdjustBalance(ctx, id, 42); err != nil {
		t.Fatalf("AdjustBalance(42) returned error: %v", err)
	}

	w, err = repo.FindByUserID(ctx, id)
	if err != nil {
		t.Fatalf("FindByUserID returned error: %v", err)
	}
	if w.Balance != 42 || w.Level != model.DefaultLevel || w.LastRewardClaim != nil || w.UpdatedAt == nil {
		t.Errorf("wallet = %+v", w)
	}
}

func TestPostgresBugReportRepo_Create(t *testing.T) {
	db := setupDB(t)
	id, _ := createProfile(t, db)

	report := &model.BugReport{UserID: id, Message: gofakeit.Sentence(8)}
	if err := NewPostgresBugReportRepo(db).Create(context.Background(), report); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if _, err := uuid.Parse(report.ID); err != nil {
		t.Errorf("ID = %q is not a uuid", report.ID)
	}
	if report.CreatedAt.IsZero() {
		t.Error("CreatedAt should be set from the database")
	}
}

func TestPostgresPresenceRepo_UpsertPresence(t *testing.T) {
	db := setupDB(t)
	id, _ := createProfile(t, db)
	repo := NewPostgresPresenceRepo(db)

	for i := 0; i < 2; i++ {
		if err := repo.UpsertPresence(context.Background(), id, model.PresenceOnline); err != nil {
			t.Fatalf("UpsertPresence returned error: %v", err)
		}
	}
	var status string
	db.QueryRow(`SELECT status FROM user_presence WHERE user_id = $1`, id).Scan(&status)
	if status != "online" {
		t.Errorf("status = %q, want online", status)
	}
}

func TestPostgresNotifier_Broadcast(t *testing.T) {
	db := setupDB(t)
	err := NewPostgresNotifier(db).Broadcast(context.Background(), "presence-updates", "presence-update",
		map[string]string{"user_id": uuid.NewString()})
	if err != nil {
		t.Fatalf("Broadcast returned error: %v", err)
	}
}

func TestPostgresLeaderboardRepo_TopBalances(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	wallets := NewPostgresWalletRepo(db)

	// 他のテストのデータより必ず上位になる残高を使う
	const base = int64(1) << 50
	a, aName := createProfile(t, db)
	b, _ := createProfile(t, db)
	wallets.AdjustBalance(ctx, a, base+10)
	wallets.AdjustBalance(ctx, b, base+20)

	entries, err := NewPostgresLeaderboardRepo(db).TopBalances(ctx, 2)
	if err != nil {
		t.Fatalf("TopBalances returned error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len = %d, want 2", len(entries))
	}
	if entries[0].UserID != b || entries[1].UserID != a {
		t.Errorf("order = [%s %s], want [%s %s]", entries[0].UserID, entries[1].UserID, b, a)
	}
	if entries[1].Username != aName {
		t.Errorf("username = %q, want %q", entries[1].Username, aName)
	}
}

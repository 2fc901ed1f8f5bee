// Package leaderboard はコイン残高上位のランキングを定期的に取得する。
// ログイン状態とは独立して動作する。
package leaderboard

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/yowxmods/yowx/internal/metrics"
	"github.com/yowxmods/yowx/internal/model"
	"github.com/yowxmods/yowx/internal/repository"
)

// デフォルト値
const (
	DefaultLimit    = 10
	DefaultInterval = 60 * time.Second
	// UnknownUsername はプロフィールが取得できない行に表示する名前。
	UnknownUsername = "unknown"
)

// Metrics はリフレッシュ結果の記録先。
type Metrics interface {
	RecordLeaderboardRefresh(success bool)
}

// Options はReaderの動作パラメータ。
type Options struct {
	Limit    int
	Interval time.Duration
}

// Snapshot はある時点のランキング。
type Snapshot struct {
	Entries   []model.LeaderboardEntry `json:"entries"`
	Loaded    bool                     `json:"loaded"`
	UpdatedAt *time.Time               `json:"updated_at,omitempty"`
}

// Reader はランキングを保持し、定期的に全件を置き換える。
type Reader struct {
	repo    repository.LeaderboardRepository
	metrics Metrics
	logger  *slog.Logger
	opts    Options
	now     func() time.Time

	mu        sync.RWMutex
	entries   []model.LeaderboardEntry
	loaded    bool
	updatedAt time.Time
}

// NewReader はReaderの新しいインスタンスを生成する。
func NewReader(repo repository.LeaderboardRepository, m Metrics, logger *slog.Logger, opts Options) *Reader {
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if m == nil {
		m = metrics.NopCollector{}
	}
	return &Reader{
		repo:    repo,
		metrics: m,
		logger:  logger,
		opts:    opts,
		now:     time.Now,
	}
}

// Run は起動直後と以降Intervalごとにランキングを取得する。
// コンテキストがキャンセルされるまで実行を継続する。
func (r *Reader) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	r.logger.Info("リーダーボードの定期取得を開始しました",
		slog.Duration("interval", r.opts.Interval),
		slog.Int("limit", r.opts.Limit),
	)

	// 起動直後に1回実行
	r.Refresh(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("リーダーボードの定期取得を停止しました")
			return
		case <-ticker.C:
			r.Refresh(ctx)
		}
	}
}

// Refresh はランキングを1回取得して置き換える。
// 失敗した場合は直前のランキングを保持する。いずれの場合もLoadedはtrueになる。
func (r *Reader) Refresh(ctx context.Context) error {
	rows, err := r.repo.TopBalances(ctx, r.opts.Limit)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaded = true

	if err != nil {
		r.metrics.RecordLeaderboardRefresh(false)
		r.logger.Error("リーダーボードの取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return err
	}

	r.entries = normalize(rows, r.opts.Limit)
	r.updatedAt = r.now()
	r.metrics.RecordLeaderboardRefresh(true)
	r.logger.Debug("リーダーボードを更新しました", slog.Int("entries", len(r.entries)))
	return nil
}

// Entries は現在のランキングのコピーを返す。
func (r *Reader) Entries() []model.LeaderboardEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.entries)
}

// Loaded は1回以上取得を試みたかを返す。
func (r *Reader) Loaded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loaded
}

// Snapshot は現在のランキングと取得状態を返す。
func (r *Reader) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Snapshot{Entries: slices.Clone(r.entries), Loaded: r.loaded}
	if s.Entries == nil {
		s.Entries = []model.LeaderboardEntry{}
	}
	if !r.updatedAt.IsZero() {
		t := r.updatedAt
		s.UpdatedAt = &t
	}
	return s
}

// normalize は残高の降順（同額はuser_idの昇順）に並べ、limit件に切り詰めて1からの順位を振る。
func normalize(rows []model.LeaderboardEntry, limit int) []model.LeaderboardEntry {
	out := slices.Clone(rows)
	slices.SortStableFunc(out, func(a, b model.LeaderboardEntry) int {
		if c := cmp.Compare(b.Balance, a.Balance); c != 0 {
			return c
		}
		return cmp.Compare(a.UserID, b.UserID)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	for i := range out {
		out[i].Rank = i + 1
		if out[i].Username == "" {
			out[i].Username = UnknownUsername
		}
	}
	return out
}

// Package cleanup は古くなったプレゼンス行の自動削除ジョブを提供する。
// 保持期間（デフォルト24時間）より前に最後の通知があったuser_presenceの行を
// 定期的に削除する。PostgreSQL直結モードでのみ使用する。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

const (
	// DefaultRetention はプレゼンス行を保持する既定の期間。
	DefaultRetention = 24 * time.Hour
	// DefaultInterval はジョブの既定の実行間隔。
	DefaultInterval = time.Hour
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// PresenceJob は保持期間を超過したプレゼンス行の削除ジョブ。
// 削除は冪等で、対象がなくてもエラーにならない。
type PresenceJob struct {
	db        Executor
	logger    *slog.Logger
	Retention time.Duration
}

// NewPresenceJob は新しいPresenceJobを生成する。
// retentionが0以下の場合はDefaultRetentionを使用する。
func NewPresenceJob(db Executor, logger *slog.Logger, retention time.Duration) *PresenceJob {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &PresenceJob{
		db:        db,
		logger:    logger,
		Retention: retention,
	}
}

// Run はlast_seenがRetentionより古いプレゼンス行を削除する。
func (j *PresenceJob) Run(ctx context.Context) error {
	start := time.Now()

	interval := fmt.Sprintf("%d seconds", int64(j.Retention/time.Second))

	query := `DELETE FROM user_presence WHERE last_seen < now() - $1::interval`
	result, err := j.db.ExecContext(ctx, query, interval)
	if err != nil {
		j.logger.Error("プレゼンスのクリーンアップに失敗しました",
			slog.String("error", err.Error()),
			slog.Duration("retention", j.Retention),
		)
		return fmt.Errorf("プレゼンスのクリーンアップに失敗: %w", err)
	}

	deletedCount, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("削除件数の取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("削除件数の取得に失敗: %w", err)
	}

	j.logger.Info("プレゼンスのクリーンアップが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Duration("retention", j.Retention),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return nil
}

// Start は起動直後と以降intervalごとにRunを実行する。
// コンテキストがキャンセルされるまでブロックする。
func (j *PresenceJob) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}

	// 起動直後に1回実行。失敗はRun内でログ済み
	_ = j.Run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}

// Package presence はログイン中のユーザーのオンライン状態を定期的に通知する。
package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/yowxmods/yowx/internal/diagnostics"
	"github.com/yowxmods/yowx/internal/metrics"
	"github.com/yowxmods/yowx/internal/model"
	"github.com/yowxmods/yowx/internal/platform"
	"github.com/yowxmods/yowx/internal/repository"
	"github.com/yowxmods/yowx/internal/session"
)

// プレゼンス変更のブロードキャスト先
const (
	Topic = "presence-updates"
	Event = "presence-update"
)

// DefaultInterval はプレゼンス通知のデフォルト間隔。
const DefaultInterval = 60 * time.Second

// AuthErrorHandler はセッション無効エラーを強制ログアウトに変換する。
type AuthErrorHandler interface {
	HandleAuthError(ctx context.Context, err error) bool
}

// Metrics はプレゼンス通知結果の記録先。
type Metrics interface {
	RecordPresencePing(success bool)
}

// Pinger はSession Storeを購読し、ユーザーが居る間だけプレゼンスを定期通知する。
// タイマーはユーザーIDに紐づくため、残高などの変更ではリセットされない。
type Pinger struct {
	repo        repository.PresenceRepository
	broadcaster repository.Broadcaster
	store       *session.Store
	authErr     AuthErrorHandler
	diag        diagnostics.Recorder
	metrics     Metrics
	logger      *slog.Logger
	interval    time.Duration
}

// NewPinger はPingerの新しいインスタンスを生成する。
// intervalが0以下の場合はDefaultIntervalを使用する。
func NewPinger(
	repo repository.PresenceRepository,
	broadcaster repository.Broadcaster,
	store *session.Store,
	authErr AuthErrorHandler,
	diag diagnostics.Recorder,
	m Metrics,
	logger *slog.Logger,
	interval time.Duration,
) *Pinger {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if m == nil {
		m = metrics.NopCollector{}
	}
	return &Pinger{
		repo:        repo,
		broadcaster: broadcaster,
		store:       store,
		authErr:     authErr,
		diag:        diag,
		metrics:     m,
		logger:      logger,
		interval:    interval,
	}
}

// Run はコンテキストがキャンセルされるまでSession Storeの変化に追従する。
// ユーザーが現れると即時に1回通知し、以降intervalごとに通知する。
// ユーザーが居なくなるか別ユーザーに切り替わるとそのタイマーを止める。
func (p *Pinger) Run(ctx context.Context) {
	events, cancel := p.store.Subscribe(16)
	defer cancel()

	var (
		wg      sync.WaitGroup
		stop    context.CancelFunc
		current string
	)
	defer func() {
		if stop != nil {
			stop()
		}
		wg.Wait()
		p.logger.Info("プレゼンス通知を停止しました")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind != session.EventState {
				continue
			}
			userID := ""
			if ev.State.User != nil {
				userID = ev.State.User.ID
			}
			if userID == current {
				continue
			}

			if stop != nil {
				stop()
				stop = nil
			}
			current = userID
			if userID == "" {
				continue
			}

			loopCtx, loopCancel := context.WithCancel(ctx)
			stop = loopCancel
			wg.Add(1)
			go func() {
				defer wg.Done()
				p.loop(loopCtx, userID)
			}()
		}
	}
}

// loop は1ユーザー分の定期通知を行う。
func (p *Pinger) loop(ctx context.Context, userID string) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("プレゼンス通知を開始しました",
		slog.String("user_id", userID),
		slog.Duration("interval", p.interval),
	)

	// 開始直後に1回実行
	p.ping(ctx, userID)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ping(ctx, userID)
		}
	}
}

// UpdatePresence は現在のユーザーのプレゼンスを即時に通知する。
// ユーザーが居ない場合は何もしない。
func (p *Pinger) UpdatePresence(ctx context.Context) error {
	user := p.store.User()
	if user == nil {
		return nil
	}
	return p.ping(ctx, user.ID)
}

// ping はプレゼンスを記録してブロードキャストする。
// 失敗はログと診断メッセージに記録し、認証エラーハンドラーに渡す。
func (p *Pinger) ping(ctx context.Context, userID string) error {
	err := p.repo.UpsertPresence(ctx, userID, model.PresenceOnline)
	if err == nil {
		err = p.broadcaster.Broadcast(ctx, Topic, Event, map[string]string{"user_id": userID})
	}
	if err != nil {
		// 停止による中断は失敗として扱わない
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.metrics.RecordPresencePing(false)
		p.logger.Error("プレゼンスの更新に失敗しました",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		diagnostics.Recordf(p.diag, diagnostics.SeverityError, "Error updating user presence: %s", platform.ErrorMessage(err))
		p.authErr.HandleAuthError(ctx, err)
		return err
	}

	p.metrics.RecordPresencePing(true)
	p.logger.Debug("プレゼンスを更新しました", slog.String("user_id", userID))
	return nil
}

package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/yowxmods/yowx/internal/auth"
	"github.com/yowxmods/yowx/internal/authstate"
	"github.com/yowxmods/yowx/internal/bugreport"
	"github.com/yowxmods/yowx/internal/config"
	"github.com/yowxmods/yowx/internal/database"
	"github.com/yowxmods/yowx/internal/diagnostics"
	"github.com/yowxmods/yowx/internal/handler"
	"github.com/yowxmods/yowx/internal/i18n"
	"github.com/yowxmods/yowx/internal/leaderboard"
	"github.com/yowxmods/yowx/internal/metrics"
	"github.com/yowxmods/yowx/internal/middleware"
	"github.com/yowxmods/yowx/internal/platform"
	"github.com/yowxmods/yowx/internal/presence"
	"github.com/yowxmods/yowx/internal/repository"
	"github.com/yowxmods/yowx/internal/security"
	"github.com/yowxmods/yowx/internal/session"
	"github.com/yowxmods/yowx/internal/wallet"
	"github.com/yowxmods/yowx/internal/worker/cleanup"
)

// redisSessionKey はRedisにセッションを保存するキー。
const redisSessionKey = "yowx:session"

// agent はserveモードで動作するコンポーネント一式。
type agent struct {
	logger *slog.Logger

	store       *session.Store
	manager     *authstate.Manager
	authService *auth.Service
	pinger      *presence.Pinger
	reader      *leaderboard.Reader
	sink        *diagnostics.AsyncSink
	rateLimiter *middleware.RateLimiter
	presenceJob *cleanup.PresenceJob // postgresモードのみ
	server      *http.Server

	closers []func() error
}

// newPlatformClient はホスト型バックエンドのクライアントを生成する。
func newPlatformClient(cfg *config.Config, logger *slog.Logger) *platform.Client {
	return platform.NewClient(platform.Config{
		BaseURL: cfg.PlatformURL,
		APIKey:  cfg.PlatformAnonKey,
		Timeout: cfg.RequestTimeout,
	}, &http.Client{}, logger)
}

// openRepositories はDATA_BACKENDに応じたリポジトリ一式を返す。
// postgresの場合は開いた*sql.DBも返す。
func openRepositories(ctx context.Context, cfg *config.Config, client *platform.Client) (repository.Set, *sql.DB, error) {
	if cfg.DataBackend != config.DataBackendPostgres {
		return repository.NewRESTSet(client), nil, nil
	}

	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return repository.Set{}, nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.Ping(ctx, db, cfg.RequestTimeout); err != nil {
		db.Close()
		return repository.Set{}, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return repository.NewPostgresSet(db), db, nil
}

// openSessionStorage はSESSION_BACKENDに応じたセッション保存先を返す。
func openSessionStorage(ctx context.Context, cfg *config.Config) (authstate.Storage, func() error, error) {
	switch cfg.SessionBackend {
	case config.SessionBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return authstate.NewRedisStorage(client, redisSessionKey, 0), client.Close, nil
	case config.SessionBackendMemory:
		return authstate.NewMemoryStorage(), nil, nil
	default:
		return authstate.NewFileStorage(cfg.SessionFile), nil, nil
	}
}

// newDiagnosticsTransport は設定された送信先からTransportを組み立てる。
// 送信先が1つもない場合はNopTransportを返す。
func newDiagnosticsTransport(cfg *config.Config, logger *slog.Logger) (diagnostics.Transport, []func() error, error) {
	var (
		transports diagnostics.MultiTransport
		closers    []func() error
	)

	if cfg.DiagnosticsWebhookURL != "" {
		guard := security.NewWebhookGuard()
		if err := guard.ValidateURL(cfg.DiagnosticsWebhookURL); err != nil {
			return nil, nil, fmt.Errorf("invalid DIAGNOSTICS_WEBHOOK_URL: %w", err)
		}
		transports = append(transports, diagnostics.NewWebhookTransport(
			cfg.DiagnosticsWebhookURL, guard.NewSafeClient(cfg.RequestTimeout),
		))
	}

	if len(cfg.DiagnosticsKafkaBrokers) > 0 {
		producer, err := diagnostics.NewKafkaProducer(cfg.DiagnosticsKafkaBrokers)
		if err != nil {
			return nil, nil, err
		}
		kt := diagnostics.NewKafkaTransport(producer, cfg.DiagnosticsKafkaTopic)
		transports = append(transports, kt)
		closers = append(closers, kt.Close)
	}

	switch len(transports) {
	case 0:
		logger.Info("診断メッセージの送信先が設定されていないため転送しません")
		return diagnostics.NopTransport{}, closers, nil
	case 1:
		return transports[0], closers, nil
	default:
		return transports, closers, nil
	}
}

// newAgent は設定から全依存関係をワイヤリングする。
func newAgent(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *agent, err error) {
	a := &agent{logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	// 1. メトリクス
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 2. 診断メッセージ
	transport, closers, err := newDiagnosticsTransport(cfg, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closers...)
	a.sink = diagnostics.NewAsyncSink(transport, logger, collector, diagnostics.SinkConfig{
		QueueSize:  cfg.DiagnosticsQueueSize,
		RatePerSec: cfg.DiagnosticsRatePerSec,
	})

	// 3. ホスト型バックエンドとセッション
	client := newPlatformClient(cfg, logger)
	client.SetObserver(collector)

	storage, closeStorage, err := openSessionStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if closeStorage != nil {
		a.closers = append(a.closers, closeStorage)
	}
	a.manager = authstate.NewManager(client, storage, logger, authstate.Options{
		RefreshMargin: cfg.SessionRefreshMargin,
	})
	client.SetTokenSource(a.manager)

	// 4. リポジトリ
	repos, db, err := openRepositories(ctx, cfg, client)
	if err != nil {
		return nil, err
	}
	var health handler.HealthChecker
	if db != nil {
		health = db
		a.closers = append(a.closers, db.Close)
		a.presenceJob = cleanup.NewPresenceJob(db, logger, cfg.PresenceRetention)
	}

	// 5. ドメインサービス
	a.store = session.NewStore(logger)
	resolver := auth.NewResolver(repos.Profiles, repos.Wallets, a.manager, a.sink, logger)
	a.authService = auth.NewService(a.manager, a.store, resolver, a.sink, logger)
	updater := wallet.NewUpdater(repos.Wallets, a.store, a.authService, a.sink, collector, logger)
	a.pinger = presence.NewPinger(repos.Presence, repos.Broadcaster, a.store, a.authService,
		a.sink, collector, logger, cfg.PresenceInterval)
	a.reader = leaderboard.NewReader(repos.Leaderboard, collector, logger, leaderboard.Options{
		Limit:    cfg.LeaderboardLimit,
		Interval: cfg.LeaderboardInterval,
	})
	bugReports := bugreport.NewService(repos.BugReports, a.store, security.NewTextSanitizer(), a.sink, logger)
	switcher, err := i18n.NewSwitcher(cfg.DefaultLanguage, logger)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_LANGUAGE: %w", err)
	}

	// 6. ルーター
	a.rateLimiter = middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitPerMinute), logger)
	streamsDone := make(chan struct{})
	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            logger,
		State:             a.store,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       a.rateLimiter,
		StatusMetrics:     collector,
		HealthChecker:     health,
		MetricsHandler:    metrics.Handler(registry),
		AuthService:       a.authService,
		Coins:             updater,
		Presence:          a.pinger,
		Leaderboard:       a.reader,
		BugReports:        bugReports,
		Languages:         switcher,
		StreamsDone:       streamsDone,
	})

	// WriteTimeoutは/api/eventsのストリームを切断するため設定しない
	a.server = &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	var closeStreams sync.Once
	a.server.RegisterOnShutdown(func() {
		closeStreams.Do(func() { close(streamsDone) })
	})
	return a, nil
}

// run はコンテキストがキャンセルされるかサーバーが停止するまでエージェントを実行する。
func (a *agent) run(parent context.Context) error {
	defer a.close()
	defer a.rateLimiter.Stop()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	// 診断メッセージはシャットダウン中も送れるよう、独立したコンテキストで転送する
	sinkCtx, cancelSink := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelSink()
	sinkDone := make(chan struct{})
	go func() {
		defer close(sinkDone)
		a.sink.Run(sinkCtx)
	}()

	// INITIAL_SESSIONを取りこぼさないよう、Manager開始前に購読する
	unsubscribe := a.authService.Start()
	defer unsubscribe()
	a.manager.Start(ctx)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.pinger.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		a.reader.Run(ctx)
	}()
	if a.presenceJob != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.presenceJob.Start(ctx, cleanup.DefaultInterval)
		}()
	}

	serverErr := make(chan error, 1)
	go func() {
		a.logger.Info("ローカルAPIを起動しました", slog.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-serverErr:
		if ok {
			runErr = fmt.Errorf("server listen error: %w", err)
		}
	}

	a.logger.Info("シャットダウンしています")
	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if err := a.server.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("server shutdown failed: %w", err)
	}
	wg.Wait()

	// キューに残った診断メッセージは最大5秒で送り切る
	a.sink.Close()
	select {
	case <-sinkDone:
	case <-time.After(5 * time.Second):
		cancelSink()
		<-sinkDone
	}

	a.logger.Info("停止しました")
	return runErr
}

// close は外部リソースを逆順に解放する。
func (a *agent) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("リソースの解放に失敗しました", slog.String("error", err.Error()))
		}
	}
	a.closers = nil
}

package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/yowxmods/yowx/internal/middleware"
	"github.com/yowxmods/yowx/internal/model"
	"github.com/yowxmods/yowx/internal/session"
)

// SessionState はSession Storeに対してハンドラーとミドルウェアが必要とする操作。
// session.Storeが実装する。
type SessionState interface {
	User() *model.AuthUser
	Snapshot() session.State
	Subscribe(buffer int) (<-chan session.Event, func())
}

// HealthChecker はバックエンドの疎通確認インターフェース。*sql.DBが実装する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	State             SessionState
	CORSAllowedOrigin string
	CookieSecure      bool
	RateLimiter       *middleware.RateLimiter
	StatusMetrics     middleware.StatusMetrics

	// 運用エンドポイント
	HealthChecker  HealthChecker // nilの場合は常にok
	MetricsHandler http.Handler
	KeepAlive      time.Duration

	// StreamsDone はcloseされると/api/eventsのストリームを終了させる。
	// http.Server.Shutdownは配信中のリクエストを待つため、RegisterOnShutdownでcloseする。
	StreamsDone <-chan struct{}

	// サービス
	AuthService AuthServiceInterface
	Coins       CoinUpdater
	Presence    PresenceUpdater
	Leaderboard LeaderboardSource
	BugReports  BugReportSubmitter
	Languages   LanguageSwitcher
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Metrics → SecurityHeaders → CORS → UserContext → Logging → RateLimit(General) → CSRF
//
// /health と /metrics はRecoveryの内側、レート制限とCSRFの外側に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(logger))
	if deps.StatusMetrics != nil {
		r.Use(middleware.NewMetricsMiddleware(deps.StatusMetrics))
	}
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	authHandler := NewAuthHandler(deps.AuthService, deps.State, logger)
	walletHandler := NewWalletHandler(deps.Coins, deps.Presence, logger)
	featureHandler := NewFeatureHandler(deps.Leaderboard, deps.BugReports, deps.Languages, logger)
	eventsHandler := NewEventsHandler(deps.State, logger, deps.KeepAlive, deps.StreamsDone)
	csrfConfig := middleware.CSRFConfig{CookieSecure: deps.CookieSecure, Logger: logger}

	r.Group(func(r chi.Router) {
		r.Use(middleware.NewUserContextMiddleware(deps.State))
		r.Use(middleware.NewLoggingMiddleware(logger))
		r.Use(deps.RateLimiter.GeneralMiddleware())
		r.Use(middleware.NewCSRFMiddleware(csrfConfig))

		r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(csrfConfig))

		r.Route("/api/auth", func(r chi.Router) {
			r.Get("/me", authHandler.Me)
			r.With(deps.RateLimiter.AuthMiddleware()).Post("/login", authHandler.Login)
			r.With(deps.RateLimiter.AuthMiddleware()).Post("/signup", authHandler.Signup)
			r.Post("/logout", authHandler.Logout)
		})

		// ログインが必要なルート
		r.Group(func(r chi.Router) {
			r.Use(middleware.NewRequireUserMiddleware(deps.State))
			r.Post("/api/wallet/coins", walletHandler.UpdateCoins)
			r.Post("/api/presence", walletHandler.UpdatePresence)
		})

		r.Get("/api/leaderboard", featureHandler.Leaderboard)
		r.Post("/api/bug-reports", featureHandler.SubmitBugReport)
		r.Get("/api/languages", featureHandler.Languages)
		r.Put("/api/language", featureHandler.ChangeLanguage)
		r.Get("/api/events", eventsHandler.Stream)

		for _, d := range navigation {
			r.Get(d.Path, ViewHandler)
		}
	})

	r.NotFound(NotFoundHandler)
	return r
}

// healthHandler は疎通確認の結果を返す。
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

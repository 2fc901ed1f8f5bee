package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/yowxmods/yowx/internal/config"
	"github.com/yowxmods/yowx/internal/database"
	"github.com/yowxmods/yowx/internal/leaderboard"
	"github.com/yowxmods/yowx/internal/logger"
	"github.com/yowxmods/yowx/internal/metrics"
	"github.com/yowxmods/yowx/internal/model"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再構成する
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("data_backend", cfg.DataBackend),
		slog.String("session_backend", cfg.SessionBackend),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandLeaderboard:
		var rest []string
		if len(args) > 1 {
			rest = args[1:]
		}
		return runLeaderboard(ctx, cfg, w, rest)
	default:
		return runServe(ctx, cfg)
	}
}

// runServe はエージェントモードで起動する。
// 全依存関係をワイヤリングし、セッション復元、タイマー、ローカルAPIを開始する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	a, err := newAgent(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	return a.run(ctx)
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required for migrate")
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runLeaderboard はリーダーボードを1回取得して表形式でwへ書き出す。
// -n で表示件数を指定できる（既定はLEADERBOARD_LIMIT）。
func runLeaderboard(ctx context.Context, cfg *config.Config, w io.Writer, args []string) error {
	fs := flag.NewFlagSet("leaderboard", flag.ContinueOnError)
	fs.SetOutput(w)
	limit := fs.Int("n", cfg.LeaderboardLimit, "number of entries")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return fmt.Errorf("-n must be positive: %d", *limit)
	}

	client := newPlatformClient(cfg, slog.Default())
	repos, db, err := openRepositories(ctx, cfg, client)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	reader := leaderboard.NewReader(repos.Leaderboard, metrics.NopCollector{}, slog.Default(),
		leaderboard.Options{Limit: *limit})
	if err := reader.Refresh(ctx); err != nil {
		return fmt.Errorf("failed to fetch leaderboard: %w", err)
	}

	printLeaderboard(w, reader.Entries())
	return nil
}

// printLeaderboard はランキングを表形式で出力する。上位3件は強調表示する。
func printLeaderboard(w io.Writer, entries []model.LeaderboardEntry) {
	header := color.New(color.Bold)
	top := color.New(color.FgYellow, color.Bold)

	header.Fprintf(w, "%-5s %-24s %12s\n", "RANK", "USERNAME", "BALANCE")
	if len(entries) == 0 {
		fmt.Fprintln(w, "(no entries)")
		return
	}
	for _, e := range entries {
		line := fmt.Sprintf("%-5d %-24s %12d", e.Rank, e.Username, e.Balance)
		if e.Rank <= 3 {
			top.Fprintln(w, line)
			continue
		}
		fmt.Fprintln(w, line)
	}
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}

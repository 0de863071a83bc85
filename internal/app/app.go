package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/fitlog/internal/auth"
	"github.com/hitoshi/fitlog/internal/backend"
	"github.com/hitoshi/fitlog/internal/config"
	"github.com/hitoshi/fitlog/internal/database"
	"github.com/hitoshi/fitlog/internal/gateway"
	"github.com/hitoshi/fitlog/internal/handler"
	"github.com/hitoshi/fitlog/internal/logger"
	"github.com/hitoshi/fitlog/internal/metrics"
	"github.com/hitoshi/fitlog/internal/middleware"
	"github.com/hitoshi/fitlog/internal/repository"
	"github.com/hitoshi/fitlog/internal/session"
)

// dbConnectWait はDATA_MODE=postgresで起動時にデータベースの準備を待つ最大時間。
const dbConnectWait = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップしてから環境変数のConfigを読み込み、ログレベルを反映する。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger.SetLevel(cfg.LogLevel)

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
		slog.String("base_url", cfg.BaseURL),
		slog.String("data_mode", string(cfg.DataMode)),
		slog.Bool("backend_configured", cfg.BackendUsable),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg, ParseMigrateAction(args))
	default:
		return runServe(cfg)
	}
}

// Server は配線済みのHTTPハンドラーと、停止時に解放するリソースを保持する。
type Server struct {
	Handler  http.Handler
	Resolver *session.Resolver

	authClient  *auth.Client
	rateLimiter *middleware.RateLimiter
	db          *sql.DB
	closers     []func()
	closeOnce   sync.Once
}

// NewServer は設定から全依存関係を配線する。
//
// バックエンドが未設定の場合も起動し、セッションは未ログインで確定、
// DATA_MODE=restではデータ操作が無効（読み取りは空、書き込みは設定エラー）になる。
func NewServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	log := slog.Default()
	s := &Server{}

	// 1. メトリクス
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	// 2. 認証クライアントとセッション
	var authSvc session.AuthService
	if cfg.BackendUsable {
		s.authClient = auth.NewClient(cfg.BackendURL, cfg.BackendAnonKey,
			auth.WithStore(auth.NewFileStore(cfg.SessionFile)),
			auth.WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout}),
			auth.WithLogger(log),
			auth.WithRefreshTick(cfg.AuthRefreshTick),
		)
		sub := s.authClient.OnAuthStateChange(collector.RecordAuthEvent)
		s.closers = append(s.closers, sub.Unsubscribe)
		authSvc = s.authClient
	}
	s.Resolver = session.New(authSvc, cfg.BackendUsable, session.WithLogger(log))
	s.closers = append(s.closers, s.Resolver.Close)
	// 登録後に現在値を記録する。通知が先に届いていれば古い世代として捨てられる。
	s.closers = append(s.closers, s.Resolver.Watch(collector.ObserveSession))
	collector.ObserveSession(s.Resolver.Snapshot())

	// 3. データサービス
	ds, err := s.openDataService(ctx, cfg)
	if err != nil {
		s.Close()
		return nil, err
	}

	// 4. ゲートウェイ
	gw := gateway.New(ds, s.Resolver,
		gateway.WithLogger(log),
		gateway.WithRecorder(collector),
	)

	// 5. ルーター
	s.rateLimiter = middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitAuth))
	s.closers = append(s.closers, s.rateLimiter.Stop)

	s.Handler = handler.NewRouter(&handler.RouterDeps{
		Session:            s.Resolver,
		Tables:             gateway.NewTables(gw),
		Logger:             log,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		CookieSecure:       cfg.CookieSecure,
		RateLimiter:        s.rateLimiter,
		Metrics:            collector,
		MetricsHandler:     metrics.Handler(reg),
		SecretCode:         cfg.SecretCode,
		BackendEnabled:     gw.Enabled(),
		DataMode:           string(cfg.DataMode),
		LoadingWait:        cfg.GuardLoadingWait,
	})
	return s, nil
}

// openDataService はDATA_MODEに応じたデータサービスを返す。
// 利用できない場合はnil（無効）を返す。
func (s *Server) openDataService(ctx context.Context, cfg *config.Config) (backend.DataService, error) {
	switch cfg.DataMode {
	case config.DataModeMemory:
		slog.Warn("using in-memory data service; data is lost on restart")
		return backend.NewMemoryService(), nil

	case config.DataModePostgres:
		db, err := database.Connect(ctx, cfg.DatabaseURL, dbConnectWait, slog.Default())
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		slog.Info("database connection established",
			slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		)
		return repository.NewPostgresDataService(db), nil

	default:
		if !cfg.BackendUsable {
			return nil, nil
		}
		return backend.NewRESTClient(cfg.BackendURL, cfg.BackendAnonKey,
			&http.Client{Timeout: cfg.HTTPTimeout},
			s.authClient.AccessToken,
			slog.Default(),
		), nil
	}
}

// StartBackground はctxが終わるまで動くバックグラウンド処理を開始する。
func (s *Server) StartBackground(ctx context.Context) {
	if s.authClient != nil {
		go s.authClient.StartAutoRefresh(ctx)
	}
}

// Close はNewServerで確保したリソースを解放する。複数回呼び出しても安全。
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		for i := len(s.closers) - 1; i >= 0; i-- {
			s.closers[i]()
		}
		if s.db != nil {
			if err := s.db.Close(); err != nil {
				slog.Error("failed to close database", slog.String("error", err.Error()))
			}
		}
	})
}

// runServe はAPIサーバーモードで起動する。
// 全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := NewServer(ctx, cfg)
	if err != nil {
		return err
	}
	defer srv.Close()
	srv.StartBackground(ctx)

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      srv.Handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// upはすべての未適用マイグレーションを、downは直近の1つを戻す。versionは現在のバージョンを出力する。
func runMigrate(cfg *config.Config, action MigrateAction) error {
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("migrate requires DATABASE_URL")
	}
	log := slog.With(
		slog.String("action", string(action)),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	switch action {
	case MigrateDown:
		log.Info("rolling back the latest database migration")
		if err := database.RollbackMigration(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration rollback failed: %w", err)
		}
	case MigrateVersion:
		version, dirty, err := database.MigrationVersion(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to read migration version: %w", err)
		}
		log.Info("database migration version",
			slog.Uint64("version", uint64(version)),
			slog.Bool("dirty", dirty),
		)
		return nil
	default:
		log.Info("running database migrations")
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	log.Info("database migrations completed successfully")
	return nil
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

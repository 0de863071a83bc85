package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/fitlog/internal/gateway"
	"github.com/hitoshi/fitlog/internal/guard"
	"github.com/hitoshi/fitlog/internal/metrics"
	"github.com/hitoshi/fitlog/internal/middleware"
	"github.com/hitoshi/fitlog/internal/model"
	"github.com/hitoshi/fitlog/internal/security"
)

// SessionSource はルーターが必要とするセッション操作。session.Resolverが実装する。
type SessionSource interface {
	SessionService
	Resolved() <-chan struct{}
	CurrentIdentity() *model.Identity
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Session SessionSource
	Tables  *gateway.Tables

	// ミドルウェア依存
	Logger             *slog.Logger
	CORSAllowedOrigins []string
	CookieSecure       bool
	RateLimiter        *middleware.RateLimiter

	// メトリクス。nilの場合は/metricsを公開しない
	Metrics        *metrics.Collector
	MetricsHandler http.Handler

	// 登録コード（SECRET_CODE）
	SecretCode string

	// ヘルスチェック
	BackendEnabled bool
	DataMode       string

	// ガード
	LoginPath   string
	LoadingWait time.Duration

	// Now は日付の基準時刻。nilの場合はtime.Now
	Now func() time.Time
}

// routeSet は読み取りと書き込みのルートを分けて登録できるハンドラー。
type routeSet interface {
	ReadRoutes(r chi.Router)
	WriteRoutes(r chi.Router)
}

// csrfExemptPaths はCSRFトークン取得前に送信されるエンドポイント。
var csrfExemptPaths = []string{"/auth/login", "/auth/signup", "/api/verify-code"}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → RequestID → Identity → Logging → Metrics → SecurityHeaders → CORS → CSRF
//
// 認証系（/auth/*, /api/verify-code）には認証用、それ以外には一般用のレート制限を適用する。
// 保護されたルートにはguard.Middlewareを適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loginPath := deps.LoginPath
	if loginPath == "" {
		loginPath = "/login"
	}
	csrfConfig := middleware.CSRFConfig{CookieSecure: deps.CookieSecure, ExemptPaths: csrfExemptPaths}

	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewRequestIDMiddleware())
	r.Use(middleware.NewIdentityMiddleware(deps.Session))
	r.Use(middleware.NewLoggingMiddleware(logger))
	if deps.Metrics != nil {
		r.Use(deps.Metrics.Middleware())
	}
	r.Use(middleware.NewSecurityHeadersMiddleware(middleware.DefaultSecurityHeadersConfig(deps.CookieSecure)))
	r.Use(middleware.NewCORSMiddleware(middleware.DefaultCORSConfig(deps.CORSAllowedOrigins...)))
	r.Use(middleware.NewCSRFMiddleware(csrfConfig))

	sanitizer := security.NewContentSanitizer()
	verifier := NewCodeVerifier(deps.SecretCode)
	authHandler := NewAuthHandler(deps.Session, verifier, AuthHandlerConfig{LoginPath: loginPath})
	healthHandler := NewHealthHandler(deps.Session.Snapshot, deps.BackendEnabled, deps.DataMode)
	resources := NewResources(deps.Tables, sanitizer, deps.Now)
	dailyHandler := NewDailyHandler(deps.Tables.DailyLogs, sanitizer, deps.Now)
	profileHandler := NewProfileHandler(deps.Tables.Profiles, sanitizer)
	dashboardHandler := NewDashboardHandler(deps.Tables, deps.Now)

	guardConfig := guard.Config{
		LoginPath:   loginPath,
		LoadingWait: deps.LoadingWait,
		Logger:      logger,
	}
	if deps.Metrics != nil {
		guardConfig.Recorder = deps.Metrics
	}
	protect := guard.Middleware(deps.Session, guardConfig)

	// 監視系はレート制限の対象外
	r.Get("/health", healthHandler.Health)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// --- 認証系 ---
	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.AuthMiddleware())

		r.Post("/api/verify-code", verifier.VerifyCode)
		r.Route("/auth", func(r chi.Router) {
			r.Post("/login", authHandler.Login)
			r.Post("/signup", authHandler.SignUp)
			r.Post("/logout", authHandler.Logout)
			r.Get("/me", authHandler.Me)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// --- 認証不要のルート ---
		r.Get(loginPath, authHandler.LoginPage)
		r.Get("/api/csrf-token", middleware.NewCSRFTokenHandler(csrfConfig).ServeHTTP)

		// 公開可能なテーブルは読み取りのみ未ログインでも許可する
		shared := map[string]routeSet{
			"/api/recipes": resources.Recipes,
			"/api/blog":    resources.BlogPosts,
			"/api/gallery": resources.Gallery,
			"/api/travel":  resources.Travel,
		}
		for path, res := range shared {
			r.Route(path, func(r chi.Router) {
				res.ReadRoutes(r)
				r.With(protect).Group(res.WriteRoutes)
			})
		}

		// --- 認証が必要なルート ---
		r.Group(func(r chi.Router) {
			r.Use(protect)

			r.Get("/", dashboardHandler.Page)
			r.Get("/api/dashboard", dashboardHandler.Summary)

			owned := map[string]routeSet{
				"/api/workouts":     resources.Workouts,
				"/api/library":      resources.Library,
				"/api/measurements": resources.Measurements,
				"/api/goals":        resources.Goals,
				"/api/sobriety":     resources.Sobriety,
			}
			for path, res := range owned {
				r.Route(path, func(r chi.Router) {
					res.ReadRoutes(r)
					res.WriteRoutes(r)
				})
			}

			r.Get("/api/daily", dailyHandler.Today)
			r.Put("/api/daily", dailyHandler.Save)
			r.Get("/api/profile", profileHandler.Get)
			r.Put("/api/profile", profileHandler.Save)
		})
	})

	return r
}

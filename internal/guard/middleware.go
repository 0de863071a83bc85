package guard

import (
	"context"
	"encoding/json"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/fitlog/internal/middleware"
	"github.com/hitoshi/fitlog/internal/model"
	"github.com/hitoshi/fitlog/internal/session"
)

// StateSource はGateが参照するセッション状態。session.Resolverが実装する。
type StateSource interface {
	Snapshot() session.Snapshot
	Resolved() <-chan struct{}
}

// Recorder は判定結果を記録する。metrics.Collectorが実装する。
type Recorder interface {
	ObserveGuardDecision(decision string)
}

// Config はガードミドルウェアの設定。
type Config struct {
	// LoginPath はサインインページのパス。このパスへのリクエストはガードしない。
	LoginPath string
	// LoadingWait はUnknownのときに解決を待つ最大時間。0なら待たずに読み込み中を返す。
	LoadingWait time.Duration
	// RetryAfter は読み込み中ページの再読み込み間隔。
	RetryAfter time.Duration
	Logger     *slog.Logger
	Recorder   Recorder
}

const (
	defaultLoginPath  = "/login"
	defaultRetryAfter = time.Second
	apiPrefix         = "/api/"
)

func (c Config) withDefaults() Config {
	if c.LoginPath == "" {
		c.LoginPath = defaultLoginPath
	}
	if c.RetryAfter <= 0 {
		c.RetryAfter = defaultRetryAfter
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

var loadingPage = template.Must(template.New("loading").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" content="{{.RetrySeconds}}">
<title>Loading - fitlog</title>
</head>
<body>
<p role="status">Checking your session...</p>
</body>
</html>
`))

// Middleware は保護されたルートにGateを適用するミドルウェアを返す。
// リクエストごとに新しいGateを使用するため、リダイレクトは1リクエストにつき最大1回。
func Middleware(src StateSource, cfg Config) func(next http.Handler) http.Handler {
	cfg = cfg.withDefaults()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == cfg.LoginPath {
				next.ServeHTTP(w, r)
				return
			}

			gate := &Gate{}
			snap := src.Snapshot()
			decision := gate.Evaluate(snap)
			if decision == Loading && cfg.LoadingWait > 0 {
				snap = waitResolved(r.Context(), src, cfg.LoadingWait)
				decision = gate.Evaluate(snap)
			}
			if cfg.Recorder != nil {
				cfg.Recorder.ObserveGuardDecision(decision.String())
			}

			switch decision {
			case Render:
				ctx := middleware.ContextWithIdentity(r.Context(), snap.Identity)
				next.ServeHTTP(w, r.WithContext(ctx))
			case Loading:
				writeLoading(w, r, cfg)
			case Redirect:
				cfg.Logger.Debug("redirecting anonymous request to sign-in",
					slog.String("path", r.URL.Path),
					slog.Uint64("generation", snap.Generation),
				)
				writeRedirect(w, r, cfg)
			case Blank:
				w.WriteHeader(http.StatusNoContent)
			}
		})
	}
}

// waitResolved はセッションが解決するか、待機時間かリクエストが終わるまで待つ。
func waitResolved(ctx context.Context, src StateSource, wait time.Duration) session.Snapshot {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-src.Resolved():
	case <-timer.C:
	case <-ctx.Done():
	}
	return src.Snapshot()
}

func isAPIRequest(r *http.Request) bool {
	if strings.HasPrefix(r.URL.Path, apiPrefix) {
		return true
	}
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/json") && !strings.Contains(accept, "text/html")
}

func writeLoading(w http.ResponseWriter, r *http.Request, cfg Config) {
	retry := int(cfg.RetryAfter.Round(time.Second) / time.Second)
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	w.Header().Set("Cache-Control", "no-store")

	if isAPIRequest(r) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{
			"state":   session.Unknown.String(),
			"message": model.NewIdentityResolvingError().Message,
		})
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := loadingPage.Execute(w, struct{ RetrySeconds int }{retry}); err != nil {
		cfg.Logger.Error("failed to render loading page", slog.String("error", err.Error()))
	}
}

func writeRedirect(w http.ResponseWriter, r *http.Request, cfg Config) {
	if isAPIRequest(r) {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewAuthRequiredError())
		return
	}
	target := cfg.LoginPath
	if next := r.URL.RequestURI(); next != "" && next != "/" {
		target += "?next=" + url.QueryEscape(next)
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hitoshi/fitlog/internal/model"
	"github.com/hitoshi/fitlog/internal/session"
)

// Collector はPrometheusメトリクスを収集する実装。
// gateway.Recorderとguard.Recorderを満たす。
type Collector struct {
	sessionState       *prometheus.GaugeVec
	sessionTransitions *prometheus.CounterVec
	authEvents         *prometheus.CounterVec
	gatewayOps         *prometheus.CounterVec
	gatewayLatency     *prometheus.HistogramVec
	guardDecisions     *prometheus.CounterVec
	httpStatus         *prometheus.CounterVec

	// sessionMu はObserveSessionの世代比較を直列化する。
	sessionMu      sync.Mutex
	sessionSeen    bool
	sessionLastGen uint64
}

// sessionStates はfitlog_session_stateのラベル値。
var sessionStates = []session.State{session.Unknown, session.Anonymous, session.Authenticated}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		sessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fitlog_session_state",
			Help: "現在のセッション状態（該当する状態のみ1）",
		}, []string{"state"}),
		sessionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fitlog_session_transitions_total",
			Help: "遷移先の状態別のセッション状態遷移数",
		}, []string{"state"}),
		authEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fitlog_auth_events_total",
			Help: "認証サービスから通知されたイベント数",
		}, []string{"event"}),
		gatewayOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fitlog_gateway_operations_total",
			Help: "テーブル・操作・結果別のデータゲートウェイ操作数",
		}, []string{"table", "op", "outcome"}),
		gatewayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fitlog_gateway_latency_seconds",
			Help:    "データゲートウェイ操作のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		guardDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fitlog_guard_decisions_total",
			Help: "保護ルートのガード判定数",
		}, []string{"decision"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fitlog_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.sessionState,
		c.sessionTransitions,
		c.authEvents,
		c.gatewayOps,
		c.gatewayLatency,
		c.guardDecisions,
		c.httpStatus,
	)

	c.setSessionState(session.Unknown)
	return c
}

// ObserveSession はセッション状態の変化を記録する。
// session.Resolver.Watchに登録して使用する。
// 記録済みの世代以下のスナップショットは無視するため、起動時の初期値と通知の順序が前後しても新しい状態が残る。
func (c *Collector) ObserveSession(snap session.Snapshot) {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	if c.sessionSeen && snap.Generation <= c.sessionLastGen {
		return
	}
	c.sessionSeen = true
	c.sessionLastGen = snap.Generation
	c.sessionTransitions.WithLabelValues(snap.State.String()).Inc()
	c.setSessionState(snap.State)
}

func (c *Collector) setSessionState(current session.State) {
	for _, s := range sessionStates {
		v := 0.0
		if s == current {
			v = 1
		}
		c.sessionState.WithLabelValues(s.String()).Set(v)
	}
}

// RecordAuthEvent は認証イベントを記録する。
// auth.Client.OnAuthStateChangeに登録して使用する。
func (c *Collector) RecordAuthEvent(event model.AuthEvent, _ *model.Session) {
	c.authEvents.WithLabelValues(string(event)).Inc()
}

// ObserveGatewayOp はデータゲートウェイ操作の結果とレイテンシを記録する。
func (c *Collector) ObserveGatewayOp(table, op, outcome string, d time.Duration) {
	c.gatewayOps.WithLabelValues(table, op, outcome).Inc()
	c.gatewayLatency.WithLabelValues(op).Observe(d.Seconds())
}

// ObserveGuardDecision はガードの判定結果を記録する。
func (c *Collector) ObserveGuardDecision(decision string) {
	c.guardDecisions.WithLabelValues(decision).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Middleware はレスポンスのステータスコードを記録するミドルウェアを返す。
func (c *Collector) Middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			c.RecordHTTPStatus(sw.status)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

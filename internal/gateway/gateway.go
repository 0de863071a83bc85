// Package gateway はログインユーザーで暗黙的にスコープされたデータアクセス層を提供する。
//
// すべての書き込みは現在のユーザーを所有者として付与し、未ログインでは通信せずに拒否する。
// 所有者付きテーブルの読み取りは所有者＝現在のユーザーに限定し、
// 公開可能テーブルの読み取りは「公開 OR 自分の所有」を1つの合成フィルタで問い合わせる。
package gateway

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/fitlog/internal/backend"
	"github.com/hitoshi/fitlog/internal/session"
)

// IdentitySource は現在のセッション状態を返す。session.Resolverが実装する。
type IdentitySource interface {
	Snapshot() session.Snapshot
}

// Recorder はゲートウェイ操作の結果を記録する。metrics.Collectorが実装する。
type Recorder interface {
	ObserveGatewayOp(table, op, outcome string, d time.Duration)
}

// 操作結果の分類
const (
	OutcomeOK     = "ok"
	OutcomeDenied = "denied"
	OutcomeStale  = "stale"
	OutcomeError  = "error"
)

// Gateway は全テーブルで共有する依存関係を保持する。
// dsがnilの場合はバックエンド未設定として扱い、読み取りは空の結果を返す。
type Gateway struct {
	ds       backend.DataService
	ids      IdentitySource
	logger   *slog.Logger
	recorder Recorder
	newID    func() string
}

// Option はGatewayの設定を変更する。
type Option func(*Gateway)

// WithLogger はロガーを指定する。
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// WithRecorder はメトリクスの記録先を指定する。
func WithRecorder(r Recorder) Option {
	return func(g *Gateway) { g.recorder = r }
}

// WithIDGenerator はレコードIDの生成関数を差し替える。
func WithIDGenerator(fn func() string) Option {
	return func(g *Gateway) { g.newID = fn }
}

// New はGatewayを生成する。
func New(ds backend.DataService, ids IdentitySource, opts ...Option) *Gateway {
	g := &Gateway{
		ds:     ds,
		ids:    ids,
		logger: slog.Default(),
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Enabled はバックエンドが利用可能かどうかを返す。
func (g *Gateway) Enabled() bool {
	return g.ds != nil
}

func (g *Gateway) observe(table, op, outcome string, start time.Time) {
	if g.recorder != nil {
		g.recorder.ObserveGatewayOp(table, op, outcome, time.Since(start))
	}
}

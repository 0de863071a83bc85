// Package session はプロセス全体で共有する認証状態（セッション状態）を管理する。
//
// Resolverは起動時に一度だけ認証サービスへ現在のセッションを問い合わせ、
// 以降は認証サービスからのプッシュ通知で状態を更新する。
// 状態は Unknown -> Anonymous | Authenticated と遷移し、一度確定した後にUnknownへ戻ることはない。
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/hitoshi/fitlog/internal/auth"
	"github.com/hitoshi/fitlog/internal/model"
)

// State はセッション状態。
type State int

const (
	// Unknown は初回の問い合わせ結果もプッシュ通知もまだ届いていない状態。
	Unknown State = iota
	// Anonymous は未ログイン状態。
	Anonymous
	// Authenticated はログイン済み状態。
	Authenticated
)

// String は状態名を返す。
func (s State) String() string {
	switch s {
	case Unknown:
		return "unknown"
	case Anonymous:
		return "anonymous"
	case Authenticated:
		return "authenticated"
	default:
		return "invalid"
	}
}

// Snapshot はある時点のセッション状態。
// Generationは状態または利用者が変わるたびに増加する。
type Snapshot struct {
	State      State
	Identity   *model.Identity
	Generation uint64
}

// AuthService はResolverが使用する認証サービスの操作。
// auth.Clientが実装する。
type AuthService interface {
	GetSession(ctx context.Context) (*model.Session, error)
	OnAuthStateChange(fn auth.Listener) auth.Subscription
	SignInWithPassword(ctx context.Context, email, password string) (*model.Session, error)
	SignUp(ctx context.Context, email, password string) (*auth.SignUpResult, error)
	SignOut(ctx context.Context) error
}

// Option はResolverの設定を変更する。
type Option func(*Resolver)

// WithLogger はロガーを指定する。
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) { r.logger = logger }
}

// Resolver はセッション状態を保持し、変化を購読者に通知する。
// 状態の書き込みは初回問い合わせとプッシュ通知のみで、読み取りは任意のゴルーチンから行える。
type Resolver struct {
	auth   AuthService
	logger *slog.Logger

	// notifyMu は状態の適用とWatcherへの通知を直列化する。
	notifyMu sync.Mutex

	mu         sync.RWMutex
	state      State
	identity   *model.Identity
	generation uint64
	eventSeq   uint64
	closed     bool
	watchers   map[uint64]func(Snapshot)
	nextWatch  uint64

	resolved     chan struct{}
	resolvedOnce sync.Once

	sub    auth.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New はResolverを生成し、セッションの解決を開始する。
//
// configuredがfalse（またはsvcがnil）の場合は通信せずに即座にAnonymousで確定する。
// それ以外の場合は先にプッシュ通知を購読し、その後バックグラウンドで一度だけGetSessionを呼び出す。
// GetSessionの呼び出し開始後にプッシュ通知が適用された場合、GetSessionの結果は破棄される。
func New(svc AuthService, configured bool, opts ...Option) *Resolver {
	r := &Resolver{
		logger:   slog.Default(),
		watchers: make(map[uint64]func(Snapshot)),
		resolved: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	if !configured || svc == nil {
		r.state = Anonymous
		r.generation = 1
		r.markResolved()
		r.logger.Info("session resolver started without backend", slog.String("state", r.state.String()))
		return r
	}

	// 購読中に届いたプッシュ通知も初回結果より優先するため、購読前の通知数を基準にする。
	r.mu.RLock()
	startSeq := r.eventSeq
	r.mu.RUnlock()

	r.auth = svc
	r.sub = svc.OnAuthStateChange(r.handleEvent)

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.resolveInitial(ctx, startSeq)
	}()
	return r
}

// resolveInitial は初回のセッション問い合わせ結果を適用する。
func (r *Resolver) resolveInitial(ctx context.Context, startSeq uint64) {
	session, err := r.auth.GetSession(ctx)

	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if r.eventSeq != startSeq {
		r.mu.Unlock()
		r.logger.Debug("initial session result discarded, push event arrived first")
		return
	}
	if err != nil {
		r.logger.Error("failed to get initial session", slog.String("error", err.Error()))
		session = nil
	}
	snap, changed := r.applyLocked(session)
	watchers := r.watchersLocked()
	r.mu.Unlock()

	r.logTransition(model.AuthEventInitialSession, snap)
	if changed {
		notify(watchers, snap)
	}
}

// handleEvent は認証サービスからのプッシュ通知を適用する。
func (r *Resolver) handleEvent(event model.AuthEvent, session *model.Session) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.eventSeq++
	snap, changed := r.applyLocked(session)
	watchers := r.watchersLocked()
	r.mu.Unlock()

	r.logTransition(event, snap)
	if changed {
		notify(watchers, snap)
	}
}

// applyLocked はセッションから次の状態を決定して適用する。
// 同一ユーザーのトークン更新ではIdentityのポインタを維持する。
func (r *Resolver) applyLocked(session *model.Session) (Snapshot, bool) {
	nextState := Anonymous
	var next *model.Identity
	if session != nil {
		nextState = Authenticated
		user := session.User
		if r.identity.Same(&user) {
			next = r.identity
		} else {
			next = &user
		}
	}

	changed := r.state != nextState || r.identity != next
	if changed {
		r.state = nextState
		r.identity = next
		r.generation++
	}
	r.markResolved()
	return r.snapshotLocked(), changed
}

func (r *Resolver) markResolved() {
	r.resolvedOnce.Do(func() { close(r.resolved) })
}

func (r *Resolver) snapshotLocked() Snapshot {
	return Snapshot{State: r.state, Identity: r.identity, Generation: r.generation}
}

func (r *Resolver) watchersLocked() []func(Snapshot) {
	fns := make([]func(Snapshot), 0, len(r.watchers))
	for _, fn := range r.watchers {
		fns = append(fns, fn)
	}
	return fns
}

func notify(watchers []func(Snapshot), snap Snapshot) {
	for _, fn := range watchers {
		fn(snap)
	}
}

func (r *Resolver) logTransition(event model.AuthEvent, snap Snapshot) {
	attrs := []any{
		slog.String("event", string(event)),
		slog.String("state", snap.State.String()),
		slog.Uint64("generation", snap.Generation),
	}
	if snap.Identity != nil {
		attrs = append(attrs, slog.String("user_id", snap.Identity.ID))
	}
	r.logger.Info("session state applied", attrs...)
}

// CurrentIdentity は現在のログインユーザーを返す。未ログインまたは解決前はnil。
// 状態が変わらない限り同じポインタを返す。
func (r *Resolver) CurrentIdentity() *model.Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.identity
}

// State は現在の状態を返す。
func (r *Resolver) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// IsResolving は状態が未確定（Unknown）かどうかを返す。
func (r *Resolver) IsResolving() bool {
	return r.State() == Unknown
}

// IsAuthenticated はログイン済みかどうかを返す。
func (r *Resolver) IsAuthenticated() bool {
	return r.State() == Authenticated
}

// Snapshot は現在の状態をまとめて返す。
func (r *Resolver) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// Resolved は状態が最初に確定したときにcloseされるチャネルを返す。
func (r *Resolver) Resolved() <-chan struct{} {
	return r.resolved
}

// Wait は状態が確定するかctxが終了するまで待機し、その時点のSnapshotを返す。
func (r *Resolver) Wait(ctx context.Context) (Snapshot, error) {
	select {
	case <-r.resolved:
		return r.Snapshot(), nil
	case <-ctx.Done():
		return r.Snapshot(), ctx.Err()
	}
}

// Watch は状態変化の通知を登録し、登録解除関数を返す。
// fnは状態またはユーザーが変わったときに、変化の順序どおりに呼び出される。
func (r *Resolver) Watch(fn func(Snapshot)) (cancel func()) {
	r.mu.Lock()
	r.nextWatch++
	id := r.nextWatch
	r.watchers[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.watchers, id)
		r.mu.Unlock()
	}
}

// Close はプッシュ通知の購読を解除し、初回問い合わせを中断する。
// Close後に届いた通知は無視される。
func (r *Resolver) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	if r.sub != nil {
		r.sub.Unsubscribe()
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// NotConfiguredMessage はバックエンド未設定時に認証操作が返すメッセージ。
const NotConfiguredMessage = "backend not configured"

// unexpectedMessage は認証サービスのエラー以外（通信障害など）で返すメッセージ。
const unexpectedMessage = "An unexpected error occurred"

// AuthError は認証操作の失敗を表す。Messageはそのまま利用者に表示できる。
type AuthError struct {
	Message string
	Err     error
}

// Error はerrorインターフェースを実装する。
func (e *AuthError) Error() string {
	return e.Message
}

// Unwrap は元エラーを返す。
func (e *AuthError) Unwrap() error {
	return e.Err
}

// SignIn はメールアドレスとパスワードでサインインする。
// 状態の更新は認証サービスのSIGNED_IN通知によって行われる。
func (r *Resolver) SignIn(ctx context.Context, email, password string) (*model.Identity, error) {
	if r.auth == nil {
		return nil, &AuthError{Message: NotConfiguredMessage}
	}
	session, err := r.auth.SignInWithPassword(ctx, email, password)
	if err != nil {
		return nil, r.toAuthError("sign in", err)
	}
	if current := r.CurrentIdentity(); current != nil && current.ID == session.User.ID {
		return current, nil
	}
	user := session.User
	return &user, nil
}

// SignUp はアカウントを作成する。状態は変更しない。
// バックエンドがセッションを返した場合は、認証サービスの通知により状態が更新される。
func (r *Resolver) SignUp(ctx context.Context, email, password string) (*model.Identity, error) {
	if r.auth == nil {
		return nil, &AuthError{Message: NotConfiguredMessage}
	}
	result, err := r.auth.SignUp(ctx, email, password)
	if err != nil {
		return nil, r.toAuthError("sign up", err)
	}
	return result.User, nil
}

// SignOut はサインアウトする。
func (r *Resolver) SignOut(ctx context.Context) error {
	if r.auth == nil {
		return &AuthError{Message: NotConfiguredMessage}
	}
	if err := r.auth.SignOut(ctx); err != nil {
		return r.toAuthError("sign out", err)
	}
	return nil
}

// toAuthError は認証サービスのエラーを表示用のAuthErrorに変換する。
// 認証サービスが返したメッセージはそのまま表示し、それ以外は汎用メッセージにする。
func (r *Resolver) toAuthError(operation string, err error) *AuthError {
	var ae *auth.Error
	if errors.As(err, &ae) && ae.Message != "" && !isServerFailure(ae.Status) {
		return &AuthError{Message: ae.Message, Err: err}
	}
	r.logger.Error("auth operation failed",
		slog.String("operation", operation),
		slog.String("error", err.Error()),
	)
	return &AuthError{Message: unexpectedMessage, Err: err}
}

func isServerFailure(status int) bool {
	return status >= 500
}

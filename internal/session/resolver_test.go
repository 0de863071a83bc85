package session

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/fitlog/internal/auth"
	"github.com/hitoshi/fitlog/internal/model"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// --- モック定義 ---

type fakeAuth struct {
	mu        sync.Mutex
	listeners map[int]auth.Listener
	nextID    int

	getSessionCalls atomic.Int32
	onSubscribeFn   func(fn auth.Listener)
	getSessionFn    func(ctx context.Context) (*model.Session, error)
	signInFn        func(ctx context.Context, email, password string) (*model.Session, error)
	signUpFn        func(ctx context.Context, email, password string) (*auth.SignUpResult, error)
	signOutFn       func(ctx context.Context) error
}

type fakeSubscription struct {
	f  *fakeAuth
	id int
}

func (s fakeSubscription) Unsubscribe() {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	delete(s.f.listeners, s.id)
}

func (f *fakeAuth) OnAuthStateChange(fn auth.Listener) auth.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listeners == nil {
		f.listeners = map[int]auth.Listener{}
	}
	f.nextID++
	f.listeners[f.nextID] = fn
	sub := fakeSubscription{f: f, id: f.nextID}
	f.mu.Unlock()
	if f.onSubscribeFn != nil {
		f.onSubscribeFn(fn)
	}
	f.mu.Lock()
	return sub
}

func (f *fakeAuth) listenerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners)
}

func (f *fakeAuth) emit(event model.AuthEvent, session *model.Session) {
	f.mu.Lock()
	fns := make([]auth.Listener, 0, len(f.listeners))
	for _, fn := range f.listeners {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(event, session)
	}
}

func (f *fakeAuth) GetSession(ctx context.Context) (*model.Session, error) {
	f.getSessionCalls.Add(1)
	if f.getSessionFn != nil {
		return f.getSessionFn(ctx)
	}
	return nil, nil
}

func (f *fakeAuth) SignInWithPassword(ctx context.Context, email, password string) (*model.Session, error) {
	if f.signInFn != nil {
		return f.signInFn(ctx, email, password)
	}
	return nil, errors.New("not implemented")
}

func (f *fakeAuth) SignUp(ctx context.Context, email, password string) (*auth.SignUpResult, error) {
	if f.signUpFn != nil {
		return f.signUpFn(ctx, email, password)
	}
	return nil, errors.New("not implemented")
}

func (f *fakeAuth) SignOut(ctx context.Context) error {
	if f.signOutFn != nil {
		return f.signOutFn(ctx)
	}
	return nil
}

func sessionFor(userID string) *model.Session {
	return &model.Session{
		AccessToken: "access-" + userID,
		ExpiresAt:   time.Now().Add(time.Hour),
		User: model.Identity{
			ID:        userID,
			Email:     userID + "@example.com",
			CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		},
	}
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
}

func waitResolved(t *testing.T, r *Resolver) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	snap, err := r.Wait(ctx)
	if err != nil {
		t.Fatalf("resolver did not resolve: %v", err)
	}
	return snap
}

// --- テスト ---

func TestNew_NotConfigured_AnonymousWithoutNetwork(t *testing.T) {
	fake := &fakeAuth{}
	r := New(fake, false, WithLogger(newTestLogger()))
	defer r.Close()

	if r.State() != Anonymous {
		t.Errorf("State() = %v, want anonymous", r.State())
	}
	if r.IsResolving() {
		t.Error("IsResolving() = true, want false")
	}
	select {
	case <-r.Resolved():
	default:
		t.Error("Resolved() should be closed immediately")
	}
	if fake.getSessionCalls.Load() != 0 {
		t.Error("GetSession must not be called when not configured")
	}
	if fake.listenerCount() != 0 {
		t.Error("must not subscribe when not configured")
	}
}

func TestNew_NotConfigured_ActionsReturnConfigError(t *testing.T) {
	r := New(nil, false, WithLogger(newTestLogger()))
	defer r.Close()
	ctx := context.Background()

	_, err := r.SignIn(ctx, "a@example.com", "pw")
	assertAuthMessage(t, err, NotConfiguredMessage)

	_, err = r.SignUp(ctx, "a@example.com", "pw")
	assertAuthMessage(t, err, NotConfiguredMessage)

	assertAuthMessage(t, r.SignOut(ctx), NotConfiguredMessage)
}

func assertAuthMessage(t *testing.T, err error, want string) {
	t.Helper()
	var ae *AuthError
	if !errors.As(err, &ae) {
		t.Fatalf("expected *AuthError, got %v", err)
	}
	if ae.Message != want {
		t.Errorf("Message = %q, want %q", ae.Message, want)
	}
}

func TestNew_InitialSessionAuthenticates(t *testing.T) {
	fake := &fakeAuth{
		getSessionFn: func(ctx context.Context) (*model.Session, error) {
			return sessionFor("user-1"), nil
		},
	}
	r := New(fake, true, WithLogger(newTestLogger()))
	defer r.Close()

	snap := waitResolved(t, r)

	if snap.State != Authenticated || snap.Identity == nil || snap.Identity.ID != "user-1" {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.Generation != 1 {
		t.Errorf("Generation = %d, want 1", snap.Generation)
	}
	if fake.getSessionCalls.Load() != 1 {
		t.Errorf("GetSession calls = %d, want 1", fake.getSessionCalls.Load())
	}
}

func TestNew_InitialSessionFailureIsAnonymous(t *testing.T) {
	fake := &fakeAuth{
		getSessionFn: func(ctx context.Context) (*model.Session, error) {
			return nil, errors.New("connection refused")
		},
	}
	r := New(fake, true, WithLogger(newTestLogger()))
	defer r.Close()

	if snap := waitResolved(t, r); snap.State != Anonymous || snap.Identity != nil {
		t.Errorf("snapshot = %+v, want anonymous", snap)
	}
}

func TestNew_UnknownUntilInitialResult(t *testing.T) {
	release := make(chan struct{})
	fake := &fakeAuth{
		getSessionFn: func(ctx context.Context) (*model.Session, error) {
			<-release
			return nil, nil
		},
	}
	r := New(fake, true, WithLogger(newTestLogger()))
	defer r.Close()

	if !r.IsResolving() || r.CurrentIdentity() != nil {
		t.Errorf("State() = %v before initial result, want unknown", r.State())
	}
	close(release)
	if snap := waitResolved(t, r); snap.State != Anonymous {
		t.Errorf("State = %v, want anonymous", snap.State)
	}
}

func TestPushEventBeforeInitialResult_EventWins(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	fake := &fakeAuth{
		getSessionFn: func(ctx context.Context) (*model.Session, error) {
			close(started)
			<-release
			return nil, nil
		},
	}
	r := New(fake, true, WithLogger(newTestLogger()))
	defer r.Close()

	<-started
	fake.emit(model.AuthEventSignedIn, sessionFor("user-1"))
	close(release)

	// 初回結果の適用（破棄）が終わるまで待つ
	r.wg.Wait()

	snap := r.Snapshot()
	if snap.State != Authenticated || snap.Identity == nil || snap.Identity.ID != "user-1" {
		t.Errorf("snapshot = %+v, want authenticated user-1", snap)
	}
}

func TestPushEventDuringSubscribe_EventWins(t *testing.T) {
	fake := &fakeAuth{
		onSubscribeFn: func(fn auth.Listener) {
			fn(model.AuthEventSignedIn, sessionFor("user-1"))
		},
		getSessionFn: func(ctx context.Context) (*model.Session, error) {
			return nil, nil
		},
	}
	r := New(fake, true, WithLogger(newTestLogger()))
	defer r.Close()

	r.wg.Wait()

	snap := r.Snapshot()
	if snap.State != Authenticated || snap.Identity == nil || snap.Identity.ID != "user-1" {
		t.Errorf("snapshot = %+v, want authenticated user-1", snap)
	}
}

func TestSignOutEventAfterStaleInitialSession_EventWins(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	fake := &fakeAuth{
		getSessionFn: func(ctx context.Context) (*model.Session, error) {
			close(started)
			<-release
			return sessionFor("user-1"), nil
		},
	}
	r := New(fake, true, WithLogger(newTestLogger()))
	defer r.Close()

	<-started
	fake.emit(model.AuthEventSignedOut, nil)
	close(release)
	r.wg.Wait()

	if snap := r.Snapshot(); snap.State != Anonymous || snap.Identity != nil {
		t.Errorf("snapshot = %+v, want anonymous", snap)
	}
}

func TestCurrentIdentity_StablePointer(t *testing.T) {
	fake := &fakeAuth{
		getSessionFn: func(ctx context.Context) (*model.Session, error) {
			return sessionFor("user-1"), nil
		},
	}
	r := New(fake, true, WithLogger(newTestLogger()))
	defer r.Close()
	first := waitResolved(t, r)

	if r.CurrentIdentity() != r.CurrentIdentity() {
		t.Error("CurrentIdentity() returned different pointers without a state change")
	}

	// 同一ユーザーのトークン更新ではポインタも世代も変わらない
	refreshed := sessionFor("user-1")
	refreshed.AccessToken = "new-token"
	fake.emit(model.AuthEventTokenRefreshed, refreshed)

	if got := r.CurrentIdentity(); got != first.Identity {
		t.Error("token refresh for the same user must keep the identity pointer")
	}
	if got := r.Snapshot().Generation; got != first.Generation {
		t.Errorf("Generation = %d, want %d", got, first.Generation)
	}

	fake.emit(model.AuthEventSignedIn, sessionFor("user-2"))
	second := r.Snapshot()
	if second.Identity == first.Identity || second.Identity.ID != "user-2" {
		t.Errorf("identity = %+v, want user-2", second.Identity)
	}
	if second.Generation != first.Generation+1 {
		t.Errorf("Generation = %d, want %d", second.Generation, first.Generation+1)
	}
}

func TestPushEvents_AppliedInOrder(t *testing.T) {
	fake := &fakeAuth{}
	r := New(fake, true, WithLogger(newTestLogger()))
	defer r.Close()
	waitResolved(t, r)

	var mu sync.Mutex
	var seen []State
	cancel := r.Watch(func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s.State)
	})

	fake.emit(model.AuthEventSignedIn, sessionFor("user-1"))
	fake.emit(model.AuthEventSignedOut, nil)
	fake.emit(model.AuthEventSignedIn, sessionFor("user-2"))
	cancel()
	fake.emit(model.AuthEventSignedOut, nil)

	mu.Lock()
	defer mu.Unlock()
	want := []State{Authenticated, Anonymous, Authenticated}
	if len(seen) != len(want) {
		t.Fatalf("seen = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("seen[%d] = %v, want %v", i, seen[i], want[i])
		}
	}
}

func TestClose_ReleasesSubscription(t *testing.T) {
	fake := &fakeAuth{}
	r := New(fake, true, WithLogger(newTestLogger()))
	waitResolved(t, r)

	if fake.listenerCount() != 1 {
		t.Fatalf("listeners = %d, want 1", fake.listenerCount())
	}
	r.Close()
	r.Close()

	if fake.listenerCount() != 0 {
		t.Errorf("listeners = %d after Close, want 0", fake.listenerCount())
	}
	fake.emit(model.AuthEventSignedIn, sessionFor("user-1"))
	if r.State() != Anonymous {
		t.Errorf("State() = %v, events after Close must be ignored", r.State())
	}
}

func TestClose_CancelsPendingInitialRequest(t *testing.T) {
	fake := &fakeAuth{
		getSessionFn: func(ctx context.Context) (*model.Session, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	r := New(fake, true, WithLogger(newTestLogger()))

	done := make(chan struct{})
	go func() {
		r.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not return")
	}
	if r.State() != Unknown {
		t.Errorf("State() = %v, result after Close must be ignored", r.State())
	}
}

func TestWait_ContextDone(t *testing.T) {
	release := make(chan struct{})
	fake := &fakeAuth{
		getSessionFn: func(ctx context.Context) (*model.Session, error) {
			<-release
			return nil, nil
		},
	}
	r := New(fake, true, WithLogger(newTestLogger()))
	defer r.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	snap, err := r.Wait(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
	if snap.State != Unknown {
		t.Errorf("State = %v, want unknown", snap.State)
	}
}

func TestSignIn_ReturnsCurrentIdentityAfterEvent(t *testing.T) {
	fake := &fakeAuth{}
	fake.signInFn = func(ctx context.Context, email, password string) (*model.Session, error) {
		s := sessionFor("user-1")
		fake.emit(model.AuthEventSignedIn, s)
		return s, nil
	}
	r := New(fake, true, WithLogger(newTestLogger()))
	defer r.Close()
	waitResolved(t, r)

	id, err := r.SignIn(context.Background(), "user-1@example.com", "pw")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != r.CurrentIdentity() {
		t.Error("SignIn should return the resolver's identity pointer")
	}
}

func TestSignIn_BackendMessagePassesThrough(t *testing.T) {
	fake := &fakeAuth{
		signInFn: func(ctx context.Context, email, password string) (*model.Session, error) {
			return nil, &auth.Error{Status: 400, Code: "invalid_grant", Message: "Invalid login credentials"}
		},
	}
	r := New(fake, true, WithLogger(newTestLogger()))
	defer r.Close()

	_, err := r.SignIn(context.Background(), "user-1@example.com", "wrong")
	assertAuthMessage(t, err, "Invalid login credentials")
	if r.IsAuthenticated() {
		t.Error("failed sign in must not authenticate")
	}
}

func TestSignIn_TransportFailureIsGeneric(t *testing.T) {
	fake := &fakeAuth{
		signInFn: func(ctx context.Context, email, password string) (*model.Session, error) {
			return nil, errors.New("dial tcp: connection refused")
		},
	}
	r := New(fake, true, WithLogger(newTestLogger()))
	defer r.Close()

	_, err := r.SignIn(context.Background(), "user-1@example.com", "pw")
	assertAuthMessage(t, err, "An unexpected error occurred")
}

func TestSignUp_DoesNotChangeState(t *testing.T) {
	fake := &fakeAuth{
		signUpFn: func(ctx context.Context, email, password string) (*auth.SignUpResult, error) {
			return &auth.SignUpResult{User: &model.Identity{ID: "user-9", Email: email}}, nil
		},
	}
	r := New(fake, true, WithLogger(newTestLogger()))
	defer r.Close()
	before := waitResolved(t, r)

	id, err := r.SignUp(context.Background(), "new@example.com", "secret123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.ID != "user-9" {
		t.Errorf("ID = %q, want user-9", id.ID)
	}
	if after := r.Snapshot(); after != before {
		t.Errorf("snapshot changed: %+v -> %+v", before, after)
	}
}

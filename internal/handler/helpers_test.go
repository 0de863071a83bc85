package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/fitlog/internal/backend"
	"github.com/hitoshi/fitlog/internal/gateway"
	"github.com/hitoshi/fitlog/internal/middleware"
	"github.com/hitoshi/fitlog/internal/model"
	"github.com/hitoshi/fitlog/internal/session"
)

// --- モック定義 ---

// mockSession はSessionSourceのテスト用実装。
type mockSession struct {
	mu       sync.Mutex
	snap     session.Snapshot
	resolved chan struct{}

	signInFn  func(ctx context.Context, email, password string) (*model.Identity, error)
	signUpFn  func(ctx context.Context, email, password string) (*model.Identity, error)
	signOutFn func(ctx context.Context) error
}

func newMockSession(state session.State, id *model.Identity) *mockSession {
	m := &mockSession{resolved: make(chan struct{})}
	m.set(state, id)
	return m
}

func (m *mockSession) set(state session.State, id *model.Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = session.Snapshot{State: state, Identity: id, Generation: m.snap.Generation + 1}
	if state != session.Unknown {
		select {
		case <-m.resolved:
		default:
			close(m.resolved)
		}
	}
}

func (m *mockSession) Snapshot() session.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

func (m *mockSession) Resolved() <-chan struct{} {
	return m.resolved
}

func (m *mockSession) CurrentIdentity() *model.Identity {
	return m.Snapshot().Identity
}

func (m *mockSession) SignIn(ctx context.Context, email, password string) (*model.Identity, error) {
	if m.signInFn != nil {
		return m.signInFn(ctx, email, password)
	}
	return nil, nil
}

func (m *mockSession) SignUp(ctx context.Context, email, password string) (*model.Identity, error) {
	if m.signUpFn != nil {
		return m.signUpFn(ctx, email, password)
	}
	return nil, nil
}

func (m *mockSession) SignOut(ctx context.Context) error {
	if m.signOutFn != nil {
		return m.signOutFn(ctx)
	}
	return nil
}

// --- ヘルパー ---

var (
	alice = &model.Identity{ID: "user-alice", Email: "alice@example.com"}
	bob   = &model.Identity{ID: "user-bob", Email: "bob@example.com"}
)

// fixedNow は2026-03-15 09:00 UTCを返す。
func fixedNow() time.Time {
	return time.Date(2026, 3, 15, 9, 0, 0, 0, time.UTC)
}

func signedInAs(id *model.Identity) *mockSession {
	return newMockSession(session.Authenticated, id)
}

func newTestTables(ds backend.DataService, sess gateway.IdentitySource) *gateway.Tables {
	var n int
	var mu sync.Mutex
	return gateway.NewTables(gateway.New(ds, sess, gateway.WithIDGenerator(func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return "id-" + strconv.Itoa(n)
	})))
}

func jsonRequest(method, target, body string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

func withIdentity(req *http.Request, id *model.Identity) *http.Request {
	return req.WithContext(middleware.ContextWithIdentity(req.Context(), id))
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
	}
	return v
}

type errorBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
}

package auth

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/hitoshi/fitlog/internal/model"
)

func testSession(userID string, expiresAt time.Time) *model.Session {
	return &model.Session{
		AccessToken:  "access-" + userID,
		RefreshToken: "refresh-" + userID,
		TokenType:    "bearer",
		ExpiresAt:    expiresAt,
		User: model.Identity{
			ID:        userID,
			Email:     userID + "@example.com",
			CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		},
	}
}

func TestFileStore_LoadMissingFile(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "session.json"))

	session, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session != nil {
		t.Errorf("session = %+v, want nil", session)
	}
}

func TestFileStore_SaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "session.json")
	store := NewFileStore(path)
	want := testSession("user-1", time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))

	if err := store.Save(context.Background(), want); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("file mode = %o, want 600", perm)
	}

	got, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("session mismatch (-want +got):\n%s", diff)
	}
}

func TestFileStore_Clear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	store := NewFileStore(path)
	ctx := context.Background()

	if err := store.Save(ctx, testSession("user-1", time.Now())); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("session file still exists: %v", err)
	}
	// 2回目も成功する
	if err := store.Clear(ctx); err != nil {
		t.Errorf("second Clear failed: %v", err)
	}
}

func TestFileStore_LoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := NewFileStore(path).Load(context.Background()); err == nil {
		t.Error("expected error for corrupt session file")
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewMemoryStore(testSession("user-1", time.Now()))
	ctx := context.Background()

	first, _ := store.Load(ctx)
	first.AccessToken = "mutated"

	second, _ := store.Load(ctx)
	if second.AccessToken != "access-user-1" {
		t.Errorf("AccessToken = %q, stored session was mutated through a returned copy", second.AccessToken)
	}

	if err := store.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if s, _ := store.Load(ctx); s != nil {
		t.Errorf("session = %+v after Clear, want nil", s)
	}
}

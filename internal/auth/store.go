package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio/v2"
	"github.com/hitoshi/fitlog/internal/model"
)

// Store はログインセッションの永続化先のインターフェース。
type Store interface {
	// Load は保存済みセッションを返す。保存されていない場合は nil, nil を返す。
	Load(ctx context.Context) (*model.Session, error)
	// Save はセッションを保存する。
	Save(ctx context.Context, session *model.Session) error
	// Clear は保存済みセッションを削除する。保存されていない場合もエラーにしない。
	Clear(ctx context.Context) error
}

// FileStore はセッションをJSONファイルに保存するStore実装。
// 書き込みは一時ファイル経由のアトミックな置き換えで行い、パーミッションは0600とする。
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore はFileStoreを生成する。
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path は保存先ファイルのパスを返す。
func (s *FileStore) Path() string {
	return s.path
}

// Load はファイルからセッションを読み込む。
// ファイルが存在しない場合は nil, nil を返す。
func (s *FileStore) Load(_ context.Context) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	var session model.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to decode session file: %w", err)
	}
	if session.AccessToken == "" {
		return nil, nil
	}
	return &session, nil
}

// Save はセッションをファイルに書き込む。親ディレクトリがなければ作成する。
func (s *FileStore) Save(_ context.Context, session *model.Session) error {
	if session == nil {
		return errors.New("session is nil")
	}

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}
	if err := renameio.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	return nil
}

// Clear はセッションファイルを削除する。
func (s *FileStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove session file: %w", err)
	}
	return nil
}

// MemoryStore はプロセス内のみでセッションを保持するStore実装。
// テストとSESSION_FILE未使用時に使用する。
type MemoryStore struct {
	mu      sync.Mutex
	session *model.Session
}

// NewMemoryStore はMemoryStoreを生成する。initialがnilでなければ保存済みとして扱う。
func NewMemoryStore(initial *model.Session) *MemoryStore {
	s := &MemoryStore{}
	if initial != nil {
		cp := *initial
		s.session = &cp
	}
	return s
}

// Load は保持中のセッションのコピーを返す。
func (s *MemoryStore) Load(_ context.Context) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil, nil
	}
	cp := *s.session
	return &cp, nil
}

// Save はセッションのコピーを保持する。
func (s *MemoryStore) Save(_ context.Context, session *model.Session) error {
	if session == nil {
		return errors.New("session is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *session
	s.session = &cp
	return nil
}

// Clear は保持中のセッションを破棄する。
func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = nil
	return nil
}

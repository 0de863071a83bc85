// Package auth はホスト型バックエンドの認証サービス（GoTrue互換API）のクライアントを提供する。
// メール・パスワードによるサインイン/サインアップ/サインアウト、セッションの永続化と自動更新、
// 認証状態変化イベントの配信を行う。
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hitoshi/fitlog/internal/model"
)

const (
	authPath = "/auth/v1"
	// defaultRefreshTick は自動更新ループの既定の間隔。
	defaultRefreshTick = 30 * time.Second
	// refreshTickMultiplier は期限切れの何ティック前から更新するか。
	refreshTickMultiplier = 3
	// fallbackTokenLifetime は有効期限を特定できないトークンの仮の有効期間。
	fallbackTokenLifetime = time.Hour
	maxResponseBody       = 1 << 20
)

// Client はGoTrue互換の認証APIクライアント。
//
// 状態を変更する操作（サインイン、サインアウト、トークン更新）はopMuで直列化され、
// イベントは状態変更と同じ順序で購読者に配信される。
type Client struct {
	baseURL    string
	anonKey    string
	httpClient *http.Client
	store      Store
	logger     *slog.Logger
	now        func() time.Time
	tick       time.Duration
	margin     time.Duration

	hub  eventHub
	opMu sync.Mutex

	stateMu sync.RWMutex
	current *model.Session
	loaded  bool
}

// Option はClientの設定を変更する。
type Option func(*Client)

// WithStore はセッションの保存先を指定する。既定はMemoryStore。
func WithStore(store Store) Option {
	return func(c *Client) { c.store = store }
}

// WithHTTPClient は使用するHTTPクライアントを指定する。
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger はロガーを指定する。
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithRefreshTick は自動更新の間隔を指定する。期限切れの3ティック前から更新対象となる。
func WithRefreshTick(tick time.Duration) Option {
	return func(c *Client) {
		if tick > 0 {
			c.tick = tick
			c.margin = tick * refreshTickMultiplier
		}
	}
}

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient はClientを生成する。
func NewClient(baseURL, anonKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		anonKey:    anonKey,
		httpClient: http.DefaultClient,
		store:      NewMemoryStore(nil),
		logger:     slog.Default(),
		now:        time.Now,
		tick:       defaultRefreshTick,
		margin:     defaultRefreshTick * refreshTickMultiplier,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnAuthStateChange は認証状態変化の購読を開始する。
// イベントは発行順に同期的に配信される。
func (c *Client) OnAuthStateChange(fn Listener) Subscription {
	return c.hub.subscribe(fn)
}

// GetSession は現在のセッションを返す。セッションがない場合は nil, nil を返す。
// 期限切れが近いセッションはリフレッシュしてから返す。
// リフレッシュトークンが無効な場合は保存済みセッションを破棄してSIGNED_OUTを発行し、nil, nil を返す。
func (c *Client) GetSession(ctx context.Context) (*model.Session, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	session, err := c.loadLocked(ctx)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, nil
	}
	if !session.ExpiresWithin(c.now(), c.margin) {
		return session, nil
	}
	return c.refreshLocked(ctx, session)
}

// AccessToken は現在のアクセストークンを返す。未ログイン時は空文字列を返す。
// データサービスのBearerトークンとして使用する。
func (c *Client) AccessToken(_ context.Context) string {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	if c.current == nil {
		return ""
	}
	return c.current.AccessToken
}

// SignInWithPassword はメールアドレスとパスワードでサインインする。
// 成功時はセッションを保存し、SIGNED_INを発行する。
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*model.Session, error) {
	var tr tokenResponse
	err := c.post(ctx, "/token", url.Values{"grant_type": {"password"}}, "", map[string]string{
		"email":    email,
		"password": password,
	}, &tr)
	if err != nil {
		return nil, err
	}
	session, err := tr.session(c.now())
	if err != nil {
		return nil, err
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()
	if err := c.setLocked(ctx, session); err != nil {
		return nil, err
	}
	c.logger.Info("user signed in", slog.String("user_id", session.User.ID))
	c.hub.emit(model.AuthEventSignedIn, session)
	return copySession(session), nil
}

// SignUpResult はサインアップの結果。
// メール確認が必要な設定の場合、Sessionはnilとなる。
type SignUpResult struct {
	User    *model.Identity
	Session *model.Session
}

// SignUp はメールアドレスとパスワードでアカウントを作成する。
// バックエンドがセッションを返した場合のみ保存し、SIGNED_INを発行する。
func (c *Client) SignUp(ctx context.Context, email, password string) (*SignUpResult, error) {
	var tr tokenResponse
	err := c.post(ctx, "/signup", nil, "", map[string]string{
		"email":    email,
		"password": password,
	}, &tr)
	if err != nil {
		return nil, err
	}

	user := tr.identity()
	if tr.AccessToken == "" {
		c.logger.Info("user signed up, confirmation pending", slog.String("user_id", user.ID))
		return &SignUpResult{User: user}, nil
	}

	session, err := tr.session(c.now())
	if err != nil {
		return nil, err
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()
	if err := c.setLocked(ctx, session); err != nil {
		return nil, err
	}
	c.logger.Info("user signed up", slog.String("user_id", user.ID))
	c.hub.emit(model.AuthEventSignedIn, session)
	return &SignUpResult{User: user, Session: copySession(session)}, nil
}

// SignOut はサインアウトする。
// リモートのログアウトに失敗してもローカルのセッションは破棄し、SIGNED_OUTを発行する。
func (c *Client) SignOut(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	session, err := c.loadLocked(ctx)
	if err != nil {
		c.logger.Warn("failed to load session before sign out", slog.String("error", err.Error()))
	}
	if session != nil {
		if err := c.post(ctx, "/logout", nil, session.AccessToken, nil, nil); err != nil {
			c.logger.Warn("remote sign out failed, clearing local session",
				slog.String("user_id", session.User.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	if err := c.clearLocked(ctx); err != nil {
		return err
	}
	c.hub.emit(model.AuthEventSignedOut, nil)
	return nil
}

// loadLocked はメモリ上のセッションを返す。未読み込みならStoreから読み込む。
func (c *Client) loadLocked(ctx context.Context) (*model.Session, error) {
	c.stateMu.RLock()
	if c.loaded {
		s := copySession(c.current)
		c.stateMu.RUnlock()
		return s, nil
	}
	c.stateMu.RUnlock()

	session, err := c.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	c.stateMu.Lock()
	c.current = session
	c.loaded = true
	c.stateMu.Unlock()
	return copySession(session), nil
}

func (c *Client) setLocked(ctx context.Context, session *model.Session) error {
	if err := c.store.Save(ctx, session); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	c.stateMu.Lock()
	c.current = copySession(session)
	c.loaded = true
	c.stateMu.Unlock()
	return nil
}

func (c *Client) clearLocked(ctx context.Context) error {
	c.stateMu.Lock()
	c.current = nil
	c.loaded = true
	c.stateMu.Unlock()
	if err := c.store.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

// refreshLocked はリフレッシュトークンでセッションを更新し、TOKEN_REFRESHEDを発行する。
// トークンが拒否された場合はセッションを破棄してSIGNED_OUTを発行し、nil, nil を返す。
func (c *Client) refreshLocked(ctx context.Context, session *model.Session) (*model.Session, error) {
	var tr tokenResponse
	err := c.post(ctx, "/token", url.Values{"grant_type": {"refresh_token"}}, "", map[string]string{
		"refresh_token": session.RefreshToken,
	}, &tr)
	if err != nil {
		if IsInvalidGrant(err) {
			c.logger.Warn("refresh token rejected, signing out",
				slog.String("user_id", session.User.ID),
				slog.String("error", err.Error()),
			)
			if clearErr := c.clearLocked(ctx); clearErr != nil {
				return nil, clearErr
			}
			c.hub.emit(model.AuthEventSignedOut, nil)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to refresh session: %w", err)
	}

	refreshed, err := tr.session(c.now())
	if err != nil {
		return nil, err
	}
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = session.RefreshToken
	}
	if err := c.setLocked(ctx, refreshed); err != nil {
		return nil, err
	}
	c.logger.Debug("session refreshed",
		slog.String("user_id", refreshed.User.ID),
		slog.Time("expires_at", refreshed.ExpiresAt),
	)
	c.hub.emit(model.AuthEventTokenRefreshed, refreshed)
	return copySession(refreshed), nil
}

// post は認証APIにJSONをPOSTし、レスポンスをoutにデコードする。
// bearerが空の場合はanonキーをBearerトークンとして送信する。
func (c *Client) post(ctx context.Context, path string, query url.Values, bearer string, body, out any) error {
	reqURL := c.baseURL + authPath + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	payload := []byte("{}")
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if bearer == "" {
		bearer = c.anonKey
	}
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("auth request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("failed to read auth response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp.StatusCode, data)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode auth response: %w", err)
	}
	return nil
}

// Error は認証APIが返したエラーを表す。
type Error struct {
	Status  int
	Code    string
	Message string
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("auth error %s (status %d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("auth error (status %d): %s", e.Status, e.Message)
}

// IsInvalidGrant は認証情報やリフレッシュトークンが拒否されたエラーかどうかを判定する。
// 429と5xxは一時的な障害として扱い、falseを返す。
func IsInvalidGrant(err error) bool {
	var ae *Error
	if !errors.As(err, &ae) {
		return false
	}
	return ae.Status >= http.StatusBadRequest &&
		ae.Status < http.StatusInternalServerError &&
		ae.Status != http.StatusTooManyRequests
}

// errorBody は新旧両方のGoTrueエラー形式を受け付ける。
type errorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	ErrorCode        string `json:"error_code"`
	Msg              string `json:"msg"`
	Message          string `json:"message"`
}

func decodeError(status int, data []byte) error {
	ae := &Error{Status: status}
	var body errorBody
	if err := json.Unmarshal(data, &body); err == nil {
		ae.Code = firstNonEmpty(body.ErrorCode, body.Error)
		ae.Message = firstNonEmpty(body.ErrorDescription, body.Msg, body.Message, body.Error)
	}
	if ae.Message == "" {
		ae.Message = strings.TrimSpace(string(data))
	}
	if ae.Message == "" {
		ae.Message = http.StatusText(status)
	}
	return ae
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

type userResponse struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// tokenResponse はトークン発行・サインアップのレスポンス。
// メール確認が必要なサインアップではユーザー情報がトップレベルに返る。
type tokenResponse struct {
	AccessToken  string        `json:"access_token"`
	TokenType    string        `json:"token_type"`
	ExpiresIn    int64         `json:"expires_in"`
	ExpiresAt    int64         `json:"expires_at"`
	RefreshToken string        `json:"refresh_token"`
	User         *userResponse `json:"user"`

	userResponse
}

func (tr *tokenResponse) identity() *model.Identity {
	u := tr.User
	if u == nil {
		u = &tr.userResponse
	}
	return &model.Identity{ID: u.ID, Email: u.Email, CreatedAt: u.CreatedAt}
}

func (tr *tokenResponse) session(now time.Time) (*model.Session, error) {
	if tr.AccessToken == "" {
		return nil, errors.New("auth response did not include an access token")
	}
	user := tr.identity()
	if user.ID == "" {
		return nil, errors.New("auth response did not include a user")
	}
	tokenType := tr.TokenType
	if tokenType == "" {
		tokenType = "bearer"
	}
	return &model.Session{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tokenType,
		ExpiresAt:    tr.expiry(now),
		User:         *user,
	}, nil
}

// expiry はexpires_at、expires_in、JWTのexpクレームの順に有効期限を決定する。
func (tr *tokenResponse) expiry(now time.Time) time.Time {
	switch {
	case tr.ExpiresAt > 0:
		return time.Unix(tr.ExpiresAt, 0).UTC()
	case tr.ExpiresIn > 0:
		return now.Add(time.Duration(tr.ExpiresIn) * time.Second).UTC()
	}
	if exp, ok := TokenExpiry(tr.AccessToken); ok {
		return exp
	}
	return now.Add(fallbackTokenLifetime).UTC()
}

// TokenExpiry はJWTのexpクレームを署名検証なしで読み取る。更新タイミングの判断にのみ使用する。
func TokenExpiry(raw string) (time.Time, bool) {
	token, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := token.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time.UTC(), true
}

func copySession(s *model.Session) *model.Session {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

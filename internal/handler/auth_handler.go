package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/fitlog/internal/model"
	"github.com/hitoshi/fitlog/internal/session"
)

// SessionService は認証ハンドラーが必要とするセッション操作。
// session.Resolverが実装する。
type SessionService interface {
	Snapshot() session.Snapshot
	SignIn(ctx context.Context, email, password string) (*model.Identity, error)
	SignUp(ctx context.Context, email, password string) (*model.Identity, error)
	SignOut(ctx context.Context) error
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	// LoginPath はサインインページのパス。
	LoginPath string
	// HomePath はサインイン後の既定の遷移先。
	HomePath string
}

// AuthHandler はサインイン・サインアップ・サインアウトのHTTPハンドラー。
// JSONリクエストにはJSONで、フォーム送信にはリダイレクトかページの再表示で応答する。
type AuthHandler struct {
	service  SessionService
	verifier *CodeVerifier
	config   AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service SessionService, verifier *CodeVerifier, config AuthHandlerConfig) *AuthHandler {
	if config.LoginPath == "" {
		config.LoginPath = "/login"
	}
	if config.HomePath == "" {
		config.HomePath = "/"
	}
	return &AuthHandler{
		service:  service,
		verifier: verifier,
		config:   config,
	}
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Code     string `json:"code,omitempty"`
	Next     string `json:"next,omitempty"`
}

type identityResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	CreatedAt string `json:"created_at,omitempty"`
}

type signUpResponse struct {
	User     identityResponse `json:"user"`
	SignedIn bool             `json:"signed_in"`
}

func toIdentityResponse(id *model.Identity) identityResponse {
	resp := identityResponse{ID: id.ID, Email: id.Email}
	if !id.CreatedAt.IsZero() {
		resp.CreatedAt = id.CreatedAt.UTC().Format("2006-01-02T15:04:05Z")
	}
	return resp
}

// LoginPage はサインインページを表示する。
// GET /login
// サインイン済みの場合はnextまたはホームへリダイレクトする。
func (h *AuthHandler) LoginPage(w http.ResponseWriter, r *http.Request) {
	next := h.safeNext(r.URL.Query().Get("next"))
	if h.service.Snapshot().State == session.Authenticated {
		http.Redirect(w, r, next, http.StatusSeeOther)
		return
	}
	h.renderLogin(w, http.StatusOK, loginData{Next: next})
}

// Login はメールアドレスとパスワードでサインインする。
// POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	req, err := h.readCredentials(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	identity, err := h.service.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		apiErr := toAuthAPIError(err)
		if wantsJSON(r) {
			writeError(w, r, apiErr)
			return
		}
		h.renderLogin(w, http.StatusUnauthorized, loginData{Email: req.Email, Next: h.safeNext(req.Next), Error: apiErr.Message})
		return
	}

	slog.Info("user signed in", slog.String("user_id", identity.ID))
	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, toIdentityResponse(identity))
		return
	}
	http.Redirect(w, r, h.safeNext(req.Next), http.StatusSeeOther)
}

// SignUp は登録コードを確認してからアカウントを作成する。
// POST /auth/signup
// バックエンドの設定によってはメール確認が必要なため、作成直後にサインイン済みとは限らない。
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	if status, msg := h.verifier.Check(req.Code); status != http.StatusOK {
		writeJSON(w, status, verifyCodeResponse{Valid: false, Error: msg})
		return
	}
	if err := validateCredentials(req.Email, req.Password); err != nil {
		writeError(w, r, err)
		return
	}

	identity, err := h.service.SignUp(r.Context(), strings.TrimSpace(req.Email), req.Password)
	if err != nil {
		writeError(w, r, toAuthAPIError(err))
		return
	}

	resp := signUpResponse{SignedIn: h.service.Snapshot().State == session.Authenticated}
	if identity != nil {
		resp.User = toIdentityResponse(identity)
		slog.Info("account created", slog.String("user_id", identity.ID))
	}
	writeJSON(w, http.StatusCreated, resp)
}

// Logout はサインアウトする。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.service.SignOut(r.Context()); err != nil {
		writeError(w, r, toAuthAPIError(err))
		return
	}
	if wantsJSON(r) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	http.Redirect(w, r, h.config.LoginPath, http.StatusSeeOther)
}

// Me は現在のログインユーザー情報を返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	snap := h.service.Snapshot()
	switch {
	case snap.State == session.Unknown:
		writeError(w, r, model.NewIdentityResolvingError())
	case snap.State != session.Authenticated || snap.Identity == nil:
		writeError(w, r, model.NewAuthRequiredError())
	default:
		writeJSON(w, http.StatusOK, toIdentityResponse(snap.Identity))
	}
}

// readCredentials はJSONまたはフォームからサインイン情報を読み取る。
func (h *AuthHandler) readCredentials(r *http.Request) (credentialsRequest, error) {
	var req credentialsRequest
	if wantsJSON(r) {
		if err := decodeJSON(r, &req); err != nil {
			return req, err
		}
	} else {
		r.Body = http.MaxBytesReader(nil, r.Body, maxBodyBytes)
		if err := r.ParseForm(); err != nil {
			return req, model.NewInvalidInputError("the form could not be read").WithCause(err)
		}
		req.Email = r.PostForm.Get("email")
		req.Password = r.PostForm.Get("password")
		req.Next = r.PostForm.Get("next")
	}
	req.Email = strings.TrimSpace(req.Email)
	return req, validateCredentials(req.Email, req.Password)
}

func validateCredentials(email, password string) error {
	switch {
	case strings.TrimSpace(email) == "":
		return model.NewInvalidInputError("email is required")
	case password == "":
		return model.NewInvalidInputError("password is required")
	}
	return nil
}

// safeNext はサインイン後の遷移先を同一オリジンの絶対パスに限定する。
func (h *AuthHandler) safeNext(next string) string {
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.HasPrefix(next, "/\\") {
		return h.config.HomePath
	}
	u, err := url.Parse(next)
	if err != nil || u.Host != "" || u.Scheme != "" || u.Path == h.config.LoginPath {
		return h.config.HomePath
	}
	return u.RequestURI()
}

func (h *AuthHandler) renderLogin(w http.ResponseWriter, status int, data loginData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := loginPage.Execute(w, data); err != nil {
		slog.Error("failed to render login page", slog.String("error", err.Error()))
	}
}

// toAuthAPIError はセッション操作のエラーを利用者向けのAPIErrorに変換する。
// 認証サービスのメッセージはそのまま表示する。
func toAuthAPIError(err error) *model.APIError {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	var authErr *session.AuthError
	if errors.As(err, &authErr) {
		if authErr.Message == session.NotConfiguredMessage {
			return model.NewNotConfiguredError().WithCause(err)
		}
		return model.NewAuthFailedError(authErr.Message).WithCause(err)
	}
	return model.NewAuthFailedError("An unexpected error occurred").WithCause(err)
}

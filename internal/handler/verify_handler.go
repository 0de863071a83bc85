package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// 登録コード検証のエラーメッセージ
const (
	verifyMisconfigured = "Server misconfigured"
	verifyCodeRequired  = "Code is required"
	verifyCodeInvalid   = "Invalid secret code"
	verifyServerError   = "Server error"
)

// CodeVerifier はアカウント登録に必要な登録コードを検証する。
// 比較は前後の空白を除去し、大文字小文字を区別せずに行う。
type CodeVerifier struct {
	secret string
}

// NewCodeVerifier はCodeVerifierを生成する。secretが空の場合は全ての検証が設定不備になる。
func NewCodeVerifier(secret string) *CodeVerifier {
	return &CodeVerifier{secret: strings.TrimSpace(secret)}
}

// Check はコードを検証し、HTTPステータスと利用者向けエラーメッセージを返す。
// 一致した場合はhttp.StatusOKと空文字列を返す。
func (v *CodeVerifier) Check(code string) (int, string) {
	if v.secret == "" {
		return http.StatusInternalServerError, verifyMisconfigured
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return http.StatusBadRequest, verifyCodeRequired
	}
	if !strings.EqualFold(code, v.secret) {
		return http.StatusUnauthorized, verifyCodeInvalid
	}
	return http.StatusOK, ""
}

type verifyCodeRequest struct {
	Code string `json:"code"`
}

type verifyCodeResponse struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// VerifyCode は登録コードを検証する。
// POST /api/verify-code
// 読み取れないボディは500を返す。
func (v *CodeVerifier) VerifyCode(w http.ResponseWriter, r *http.Request) {
	var req verifyCodeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		slog.Warn("failed to decode verify-code request", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, verifyCodeResponse{Valid: false, Error: verifyServerError})
		return
	}

	status, msg := v.Check(req.Code)
	if status == http.StatusInternalServerError {
		slog.Error("registration code requested but SECRET_CODE is not set")
	}
	if status != http.StatusOK {
		writeJSON(w, status, verifyCodeResponse{Valid: false, Error: msg})
		return
	}
	writeJSON(w, http.StatusOK, verifyCodeResponse{Valid: true})
}

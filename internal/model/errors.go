// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: config, auth, authorization, validation, system
	Action   string // ユーザー向け対処方法

	cause error // ログ用の元エラー。レスポンスには含めない
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は元エラーを返す。
func (e *APIError) Unwrap() error {
	return e.cause
}

// WithCause は元エラーを保持したコピーを返す。
func (e *APIError) WithCause(err error) *APIError {
	cp := *e
	cp.cause = err
	return &cp
}

// エラーカテゴリ
const (
	CategoryConfig        = "config"
	CategoryAuth          = "auth"
	CategoryAuthorization = "authorization"
	CategoryValidation    = "validation"
	CategorySystem        = "system"
)

// 定義済みエラーコード
const (
	ErrCodeNotConfigured     = "BACKEND_NOT_CONFIGURED"
	ErrCodeAuthRequired      = "AUTH_REQUIRED"
	ErrCodeAuthFailed        = "AUTH_FAILED"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeRecordNotFound    = "RECORD_NOT_FOUND"
	ErrCodeConstraint        = "CONSTRAINT_VIOLATION"
	ErrCodeInvalidInput      = "INVALID_INPUT"
	ErrCodeBackendFailure    = "BACKEND_FAILURE"
	ErrCodeStaleResult       = "STALE_RESULT"
	ErrCodeIdentityResolving = "IDENTITY_RESOLVING"
)

// NewNotConfiguredError はバックエンド未設定エラーを生成する。
func NewNotConfiguredError() *APIError {
	return &APIError{
		Code:     ErrCodeNotConfigured,
		Message:  "backend not configured",
		Category: CategoryConfig,
		Action:   "Set BACKEND_URL and BACKEND_ANON_KEY and restart the server.",
	}
}

// NewAuthRequiredError は未ログイン状態での書き込み・非公開データ参照のエラーを生成する。
func NewAuthRequiredError() *APIError {
	return &APIError{
		Code:     ErrCodeAuthRequired,
		Message:  "You need to sign in to do that.",
		Category: CategoryAuthorization,
		Action:   "Sign in and try again.",
	}
}

// NewAuthFailedError は認証サービスがサインイン等を拒否した場合のエラーを生成する。
// messageはバックエンドのメッセージをそのまま表示する。
func NewAuthFailedError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeAuthFailed,
		Message:  message,
		Category: CategoryAuth,
		Action:   "Check your email and password.",
	}
}

// NewForbiddenError は他ユーザーのレコード操作を拒否した場合のエラーを生成する。
func NewForbiddenError(table string) *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  fmt.Sprintf("This %s entry was not found or does not belong to you.", table),
		Category: CategoryAuthorization,
		Action:   "Refresh the page and try again.",
	}
}

// NewRecordNotFoundError はレコード未検出エラーを生成する。
func NewRecordNotFoundError(table string) *APIError {
	return &APIError{
		Code:     ErrCodeRecordNotFound,
		Message:  fmt.Sprintf("The requested %s entry does not exist.", table),
		Category: CategoryValidation,
		Action:   "Check the ID and try again.",
	}
}

// NewConstraintError は一意制約などの制約違反エラーを生成する。
func NewConstraintError(table string) *APIError {
	return &APIError{
		Code:     ErrCodeConstraint,
		Message:  fmt.Sprintf("Failed to save %s: the entry conflicts with existing data.", table),
		Category: CategoryValidation,
		Action:   "Change the values and try again.",
	}
}

// NewInvalidInputError は入力値不正エラーを生成する。
func NewInvalidInputError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidInput,
		Message:  fmt.Sprintf("Invalid input: %s", reason),
		Category: CategoryValidation,
		Action:   "Fix the highlighted fields and submit again.",
	}
}

// NewBackendFailureError はネットワーク障害等の一時的なエラーを生成する。
func NewBackendFailureError(operation string) *APIError {
	return &APIError{
		Code:     ErrCodeBackendFailure,
		Message:  fmt.Sprintf("Failed to %s. Please try again.", operation),
		Category: CategorySystem,
		Action:   "Wait a moment and retry.",
	}
}

// NewStaleResultError は取得中にログインユーザーが切り替わり結果を破棄した場合のエラーを生成する。
func NewStaleResultError() *APIError {
	return &APIError{
		Code:     ErrCodeStaleResult,
		Message:  "The signed-in user changed while loading. The result was discarded.",
		Category: CategorySystem,
		Action:   "Reload the page.",
	}
}

// NewIdentityResolvingError はセッション解決中でまだユーザーが確定していない場合のエラーを生成する。
func NewIdentityResolvingError() *APIError {
	return &APIError{
		Code:     ErrCodeIdentityResolving,
		Message:  "Still checking your session.",
		Category: CategorySystem,
		Action:   "Retry in a moment.",
	}
}

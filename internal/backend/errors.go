package backend

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// NotFoundCode は単一行取得で該当行がなかったことを示すエラーコード。
// 「今日のログはまだない」のような想定内の結果で、障害とは区別して扱う。
const NotFoundCode = "PGRST116"

// PostgreSQLのSQLSTATE
const (
	codeInsufficientPrivilege = "42501"
	classIntegrityConstraint  = "23"
)

// Error はデータサービスが返したエラーを表す。
// PostgRESTのエラーボディ（code, message, details, hint）に対応する。
type Error struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("backend error %s (status %d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("backend error (status %d): %s", e.Status, e.Message)
}

// NewNotFoundError は単一行取得の該当なしエラーを生成する。
func NewNotFoundError(rows int) *Error {
	return &Error{
		Status:  http.StatusNotAcceptable,
		Code:    NotFoundCode,
		Message: "JSON object requested, multiple (or no) rows returned",
		Details: fmt.Sprintf("The result contains %d rows", rows),
	}
}

// IsNotFound は単一行取得の該当なし（NotFoundCode）かどうかを判定する。
func IsNotFound(err error) bool {
	var be *Error
	return errors.As(err, &be) && be.Code == NotFoundCode
}

// IsConstraintViolation は一意制約・外部キー制約などの整合性制約違反かどうかを判定する。
func IsConstraintViolation(err error) bool {
	var be *Error
	if !errors.As(err, &be) {
		return false
	}
	return strings.HasPrefix(be.Code, classIntegrityConstraint) || be.Status == http.StatusConflict
}

// IsPermissionDenied は行レベルセキュリティ等により操作が拒否されたかどうかを判定する。
func IsPermissionDenied(err error) bool {
	var be *Error
	if !errors.As(err, &be) {
		return false
	}
	return be.Code == codeInsufficientPrivilege ||
		be.Status == http.StatusUnauthorized ||
		be.Status == http.StatusForbidden
}

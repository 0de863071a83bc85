package middleware

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hitoshi/fitlog/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
// すべてのAPIエンドポイントで一貫したエラーレスポンスを提供する。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteError はエラーをカテゴリに応じたステータスコードで書き込む。
// *model.APIError以外のエラーは内部エラーとして扱い、詳細は返さない。
func WriteError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		WriteInternalServerError(w)
		return
	}
	WriteErrorResponse(w, StatusForError(apiErr), apiErr)
}

// StatusForError はエラーカテゴリとコードからHTTPステータスコードを決める。
func StatusForError(apiErr *model.APIError) int {
	switch apiErr.Category {
	case model.CategoryConfig:
		return http.StatusServiceUnavailable
	case model.CategoryAuth:
		return http.StatusUnauthorized
	case model.CategoryAuthorization:
		if apiErr.Code == model.ErrCodeAuthRequired {
			return http.StatusUnauthorized
		}
		return http.StatusForbidden
	case model.CategoryValidation:
		switch apiErr.Code {
		case model.ErrCodeConstraint:
			return http.StatusConflict
		case model.ErrCodeRecordNotFound:
			return http.StatusNotFound
		}
		return http.StatusBadRequest
	case model.CategorySystem:
		switch apiErr.Code {
		case model.ErrCodeIdentityResolving, model.ErrCodeBackendFailure:
			return http.StatusServiceUnavailable
		case model.ErrCodeStaleResult:
			return http.StatusConflict
		}
	}
	return http.StatusInternalServerError
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "An unexpected error occurred.",
		Category: model.CategorySystem,
		Action:   "Wait a moment and try again.",
	})
}

package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/fitlog/internal/model"
)

// TestWriteErrorResponse_WritesUnifiedFormat は統一エラーフォーマットでレスポンスが書き込まれることを検証する。
func TestWriteErrorResponse_WritesUnifiedFormat(t *testing.T) {
	w := httptest.NewRecorder()

	apiErr := &model.APIError{
		Code:     "TEST_ERROR",
		Message:  "Something went wrong.",
		Category: "validation",
		Action:   "Enter a valid value.",
	}

	WriteErrorResponse(w, http.StatusBadRequest, apiErr)

	resp := w.Result()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}

	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}

	if body.Code != "TEST_ERROR" {
		t.Errorf("code = %q, want %q", body.Code, "TEST_ERROR")
	}
	if body.Message != "Something went wrong." {
		t.Errorf("message = %q, want %q", body.Message, "Something went wrong.")
	}
	if body.Category != "validation" {
		t.Errorf("category = %q, want %q", body.Category, "validation")
	}
	if body.Action != "Enter a valid value." {
		t.Errorf("action = %q, want %q", body.Action, "Enter a valid value.")
	}
}

// TestStatusForError はカテゴリとコードごとのステータスコードを検証する。
func TestStatusForError(t *testing.T) {
	tests := []struct {
		name string
		err  *model.APIError
		want int
	}{
		{"not configured", model.NewNotConfiguredError(), http.StatusServiceUnavailable},
		{"auth failed", model.NewAuthFailedError("Invalid login credentials"), http.StatusUnauthorized},
		{"auth required", model.NewAuthRequiredError(), http.StatusUnauthorized},
		{"forbidden", model.NewForbiddenError("workout"), http.StatusForbidden},
		{"invalid input", model.NewInvalidInputError("name is required"), http.StatusBadRequest},
		{"constraint", model.NewConstraintError("daily log"), http.StatusConflict},
		{"not found", model.NewRecordNotFoundError("goal"), http.StatusNotFound},
		{"backend failure", model.NewBackendFailureError("load workouts"), http.StatusServiceUnavailable},
		{"identity resolving", model.NewIdentityResolvingError(), http.StatusServiceUnavailable},
		{"stale result", model.NewStaleResultError(), http.StatusConflict},
		{"unknown category", &model.APIError{Code: "X", Category: "other"}, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusForError(tt.err); got != tt.want {
				t.Errorf("StatusForError(%s) = %d, want %d", tt.err.Code, got, tt.want)
			}
		})
	}
}

// TestWriteError_UnwrapsAPIError はラップされたAPIErrorからステータスを決めることを検証する。
func TestWriteError_UnwrapsAPIError(t *testing.T) {
	w := httptest.NewRecorder()
	cause := errors.New("dial tcp: connection refused")

	WriteError(w, model.NewBackendFailureError("load goals").WithCause(cause))

	resp := w.Result()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusServiceUnavailable)
	}
	var body ErrorResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body.Code != model.ErrCodeBackendFailure {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeBackendFailure)
	}
	if body.Message != "Failed to load goals. Please try again." {
		t.Errorf("message = %q", body.Message)
	}
}

// TestWriteError_PlainErrorIsInternal はAPIError以外のエラーが詳細を隠して500になることを検証する。
func TestWriteError_PlainErrorIsInternal(t *testing.T) {
	w := httptest.NewRecorder()

	WriteError(w, errors.New("pq: password authentication failed"))

	resp := w.Result()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusInternalServerError)
	}
	var body ErrorResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body.Code != "INTERNAL_ERROR" {
		t.Errorf("code = %q, want INTERNAL_ERROR", body.Code)
	}
}

// TestInternalServerError_ReturnsSystemError は内部エラーが統一フォーマットで返ることを検証する。
func TestInternalServerError_ReturnsSystemError(t *testing.T) {
	w := httptest.NewRecorder()

	WriteInternalServerError(w)

	resp := w.Result()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusInternalServerError)
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}

	if body.Code != "INTERNAL_ERROR" {
		t.Errorf("code = %q, want %q", body.Code, "INTERNAL_ERROR")
	}
	if body.Category != "system" {
		t.Errorf("category = %q, want %q", body.Category, "system")
	}
	if body.Action == "" {
		t.Error("action should not be empty")
	}
}

// TestErrorResponseBody_AllFieldsPresent は全フィールドがJSONレスポンスに含まれることを検証する。
func TestErrorResponseBody_AllFieldsPresent(t *testing.T) {
	w := httptest.NewRecorder()

	WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
		Code:     "CODE",
		Message:  "MSG",
		Category: "CAT",
		Action:   "ACT",
	})

	var raw map[string]interface{}
	if err := json.NewDecoder(w.Result().Body).Decode(&raw); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}

	requiredFields := []string{"code", "message", "category", "action"}
	for _, field := range requiredFields {
		if _, ok := raw[field]; !ok {
			t.Errorf("missing required field: %s", field)
		}
	}
}

// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/fitlog/internal/backend"
	"github.com/hitoshi/fitlog/internal/middleware"
	"github.com/hitoshi/fitlog/internal/model"
)

const (
	// maxBodyBytes はリクエストボディの上限サイズ。
	maxBodyBytes = 1 << 20
	// maxListLimit は一覧取得で指定できる件数の上限。
	maxListLimit = 500
	// dateLayout は日付列の書式。
	dateLayout = "2006-01-02"
)

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// writeError はエラーを統一フォーマットで書き込む。
// APIError以外のエラーはログに記録し、内部エラーとして返す。
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		slog.Error("unhandled error",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("request_id", middleware.RequestIDFromContext(r.Context())),
			slog.String("error", err.Error()),
		)
	}
	middleware.WriteError(w, err)
}

// decodeJSON はリクエストボディをJSONとしてvに読み込む。
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return model.NewInvalidInputError("the request body is not valid JSON").WithCause(err)
	}
	return nil
}

// decodePatch は部分更新のリクエストボディを列名→値のマップとして読み込む。
func decodePatch(r *http.Request) (backend.Row, error) {
	var patch backend.Row
	if err := decodeJSON(r, &patch); err != nil {
		return nil, err
	}
	if len(patch) == 0 {
		return nil, model.NewInvalidInputError("no fields to update")
	}
	return patch, nil
}

// toPatch はレコードをJSON経由で列名→値のマップに変換し、指定した列を取り除く。
func toPatch(rec any, drop ...string) (backend.Row, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	var row backend.Row
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, err
	}
	for _, col := range drop {
		delete(row, col)
	}
	return row, nil
}

// limitParam はクエリパラメータlimitを読み取る。未指定の場合は0を返す。
func limitParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxListLimit {
		return 0, model.NewInvalidInputError("limit must be between 1 and " + strconv.Itoa(maxListLimit))
	}
	return n, nil
}

// today はnowの日付を日付列の書式で返す。
func today(now func() time.Time) string {
	return now().Format(dateLayout)
}

// wantsJSON はリクエストがJSONで送られたかどうかを判定する。
func wantsJSON(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), "application/json")
}

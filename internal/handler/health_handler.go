package handler

import (
	"net/http"

	"github.com/hitoshi/fitlog/internal/session"
)

// HealthHandler はヘルスチェックのHTTPハンドラー。
// バックエンド未設定でもプロセスが動作していれば200を返す。
type HealthHandler struct {
	snapshot func() session.Snapshot
	enabled  bool
	dataMode string
}

// NewHealthHandler はHealthHandlerを生成する。
func NewHealthHandler(snapshot func() session.Snapshot, backendEnabled bool, dataMode string) *HealthHandler {
	return &HealthHandler{snapshot: snapshot, enabled: backendEnabled, dataMode: dataMode}
}

type healthResponse struct {
	Status   string `json:"status"`
	Backend  string `json:"backend"`
	DataMode string `json:"data_mode,omitempty"`
	Session  string `json:"session"`
}

// Health はプロセスの状態を返す。
// GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:  "ok",
		Backend: "disabled",
		Session: h.snapshot().State.String(),
	}
	if h.enabled {
		resp.Backend = "configured"
		resp.DataMode = h.dataMode
	}
	writeJSON(w, http.StatusOK, resp)
}

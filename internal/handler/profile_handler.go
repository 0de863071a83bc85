package handler

import (
	"net/http"
	"strings"

	"github.com/hitoshi/fitlog/internal/gateway"
	"github.com/hitoshi/fitlog/internal/middleware"
	"github.com/hitoshi/fitlog/internal/model"
	"github.com/hitoshi/fitlog/internal/security"
)

// ProfileHandler はログインユーザー自身のプロフィールのHTTPハンドラー。
// プロフィールの行IDはユーザーIDと同じ。
type ProfileHandler struct {
	profiles  *gateway.Table[model.Profile]
	sanitizer *security.ContentSanitizer
}

// NewProfileHandler はProfileHandlerを生成する。
func NewProfileHandler(profiles *gateway.Table[model.Profile], sanitizer *security.ContentSanitizer) *ProfileHandler {
	return &ProfileHandler{profiles: profiles, sanitizer: sanitizer}
}

// Get はプロフィールを返す。未作成の場合はIDのみのプロフィールを返す。
// GET /api/profile
func (h *ProfileHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeError(w, r, model.NewAuthRequiredError())
		return
	}
	profile, err := h.profiles.Get(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if profile == nil {
		profile = &model.Profile{ID: userID}
	}
	writeJSON(w, http.StatusOK, profile)
}

// Save はプロフィールを作成または更新する。
// PUT /api/profile
func (h *ProfileHandler) Save(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeError(w, r, model.NewAuthRequiredError())
		return
	}

	var req model.Profile
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.DisplayName = h.sanitizer.Plain(req.DisplayName)
	req.AvatarURL = strings.TrimSpace(req.AvatarURL)
	if req.AvatarURL != "" {
		if err := checkMediaURL(req.AvatarURL); err != nil {
			writeError(w, r, err)
			return
		}
	}

	existing, err := h.profiles.Get(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var saved *model.Profile
	if existing == nil {
		req.ID = userID
		req.UpdatedAt = nil
		saved, err = h.profiles.Insert(r.Context(), &req)
	} else {
		saved, err = h.profiles.Update(r.Context(), userID, map[string]any{
			"display_name": req.DisplayName,
			"avatar_url":   req.AvatarURL,
		})
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

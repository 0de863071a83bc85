package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/fitlog/internal/backend"
	"github.com/hitoshi/fitlog/internal/gateway"
	"github.com/hitoshi/fitlog/internal/middleware"
	"github.com/hitoshi/fitlog/internal/model"
)

const (
	dashboardRecentWorkouts = 5
	dashboardActiveGoals    = 3
)

// Dashboard はダッシュボードに表示する集計。
type Dashboard struct {
	User           *model.Identity  `json:"user"`
	Today          *model.DailyLog  `json:"today"`
	RecentWorkouts []model.Workout  `json:"recent_workouts"`
	ActiveGoals    []model.Goal     `json:"active_goals"`
	Sobriety       []model.Sobriety `json:"sobriety"`
}

// DashboardHandler はサインイン後のトップページのHTTPハンドラー。
type DashboardHandler struct {
	tables *gateway.Tables
	now    func() time.Time
}

// NewDashboardHandler はDashboardHandlerを生成する。
func NewDashboardHandler(tables *gateway.Tables, now func() time.Time) *DashboardHandler {
	if now == nil {
		now = time.Now
	}
	return &DashboardHandler{tables: tables, now: now}
}

// Page はダッシュボードのHTMLを返す。
// GET /
func (h *DashboardHandler) Page(w http.ResponseWriter, r *http.Request) {
	d, err := h.load(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	view := dashboardView{Dashboard: d, CSRFToken: middleware.CSRFTokenFromContext(r.Context())}
	if err := dashboardPage.Execute(w, view); err != nil {
		slog.Error("failed to render dashboard", slog.String("error", err.Error()))
	}
}

// Summary はダッシュボードの集計をJSONで返す。
// GET /api/dashboard
func (h *DashboardHandler) Summary(w http.ResponseWriter, r *http.Request) {
	d, err := h.load(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *DashboardHandler) load(ctx context.Context) (*Dashboard, error) {
	user, err := middleware.IdentityFromContext(ctx)
	if err != nil {
		return nil, model.NewAuthRequiredError()
	}

	workouts, err := h.tables.Workouts.List(ctx, gateway.ListOptions{Limit: dashboardRecentWorkouts})
	if err != nil {
		return nil, err
	}
	goals, err := h.tables.Goals.List(ctx, gateway.ListOptions{
		Filters: []backend.Filter{backend.Eq("completed", false)},
		Limit:   dashboardActiveGoals,
	})
	if err != nil {
		return nil, err
	}
	sobriety, err := h.tables.Sobriety.List(ctx, gateway.ListOptions{
		Filters: []backend.Filter{backend.Eq("is_active", true)},
	})
	if err != nil {
		return nil, err
	}
	todayLog, err := h.tables.DailyLogs.FindOne(ctx, backend.Eq("date", today(h.now)))
	if err != nil {
		return nil, err
	}

	return &Dashboard{
		User:           user,
		Today:          todayLog,
		RecentWorkouts: workouts,
		ActiveGoals:    goals,
		Sobriety:       sobriety,
	}, nil
}

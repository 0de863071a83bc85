package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/hitoshi/fitlog/internal/backend"
	"github.com/hitoshi/fitlog/internal/gateway"
	"github.com/hitoshi/fitlog/internal/model"
	"github.com/hitoshi/fitlog/internal/security"
)

// dailyImmutableColumns は当日ログの更新で書き換えない列。
var dailyImmutableColumns = []string{"id", "user_id", "date", "created_at"}

// DailyHandler は当日の生活ログ（水分・睡眠・気分）のHTTPハンドラー。
// 1ユーザー1日1行で、未作成の日は初期値のログを返す。
type DailyHandler struct {
	logs      *gateway.Table[model.DailyLog]
	sanitizer *security.ContentSanitizer
	now       func() time.Time
}

// NewDailyHandler はDailyHandlerを生成する。
func NewDailyHandler(logs *gateway.Table[model.DailyLog], sanitizer *security.ContentSanitizer, now func() time.Time) *DailyHandler {
	if now == nil {
		now = time.Now
	}
	return &DailyHandler{logs: logs, sanitizer: sanitizer, now: now}
}

// Today は当日のログを返す。
// GET /api/daily
func (h *DailyHandler) Today(w http.ResponseWriter, r *http.Request) {
	log, err := h.today(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, log)
}

// Save は当日のログを作成または更新する。
// PUT /api/daily
func (h *DailyHandler) Save(w http.ResponseWriter, r *http.Request) {
	var req model.DailyLog
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validateDaily(&req); err != nil {
		writeError(w, r, err)
		return
	}
	req.Notes = h.sanitizer.Plain(req.Notes)
	req.Mood = h.sanitizer.Plain(req.Mood)

	saved, err := h.upsert(r.Context(), &req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// today は当日のログを返す。未作成の場合は日付のみを設定したログを返す。
func (h *DailyHandler) today(ctx context.Context) (*model.DailyLog, error) {
	date := today(h.now)
	log, err := h.logs.FindOne(ctx, backend.Eq("date", date))
	if err != nil {
		return nil, err
	}
	if log == nil {
		return &model.DailyLog{Date: date}, nil
	}
	return log, nil
}

// upsert は当日の行があれば更新し、なければ追加する。
// 追加が一意制約違反になった場合は、並行して作成された行を更新する。
func (h *DailyHandler) upsert(ctx context.Context, rec *model.DailyLog) (*model.DailyLog, error) {
	date := today(h.now)
	rec.Date = date
	rec.ID = ""
	rec.UserID = ""
	rec.CreatedAt = nil

	existing, err := h.logs.FindOne(ctx, backend.Eq("date", date))
	if err != nil {
		return nil, err
	}
	if existing == nil {
		created, err := h.logs.Insert(ctx, rec)
		if err == nil {
			return created, nil
		}
		if !isConstraintError(err) {
			return nil, err
		}
		existing, err = h.logs.FindOne(ctx, backend.Eq("date", date))
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, model.NewConstraintError("daily log")
		}
	}

	patch, err := toPatch(rec, dailyImmutableColumns...)
	if err != nil {
		return nil, model.NewInvalidInputError("the daily log could not be encoded").WithCause(err)
	}
	return h.logs.Update(ctx, existing.ID, patch)
}

func validateDaily(d *model.DailyLog) error {
	switch {
	case d.WaterIntake < 0:
		return model.NewInvalidInputError("water_intake must not be negative")
	case d.SleepHours < 0 || d.SleepHours > 24:
		return model.NewInvalidInputError("sleep_hours must be between 0 and 24")
	case d.SleepQuality < 0 || d.SleepQuality > 5:
		return model.NewInvalidInputError("sleep_quality must be between 0 and 5")
	case d.Energy < 0 || d.Energy > 5:
		return model.NewInvalidInputError("energy must be between 0 and 5")
	}
	return nil
}

func isConstraintError(err error) bool {
	var apiErr *model.APIError
	return errors.As(err, &apiErr) && apiErr.Code == model.ErrCodeConstraint
}

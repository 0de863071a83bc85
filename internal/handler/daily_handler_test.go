package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/fitlog/internal/backend"
	"github.com/hitoshi/fitlog/internal/model"
	"github.com/hitoshi/fitlog/internal/security"
	"github.com/hitoshi/fitlog/internal/session"
)

// racingService は最初のInsertの直前に同じ日の行が作られた状況を再現する。
type racingService struct {
	*backend.MemoryService
	insertFn func(ctx context.Context, table string, rows []backend.Row) ([]backend.Row, error)
}

func (s *racingService) Insert(ctx context.Context, table string, rows []backend.Row) ([]backend.Row, error) {
	if s.insertFn != nil {
		return s.insertFn(ctx, table, rows)
	}
	return s.MemoryService.Insert(ctx, table, rows)
}

func newTestDailyHandler(ds backend.DataService, sess *mockSession) *DailyHandler {
	tables := newTestTables(ds, sess)
	return NewDailyHandler(tables.DailyLogs, security.NewContentSanitizer(), fixedNow)
}

func TestDailyHandler_Today_DefaultsWhenMissing(t *testing.T) {
	ds := backend.NewMemoryService()
	ds.Seed("daily_logs", backend.Row{"id": "d-old", "user_id": alice.ID, "date": "2026-03-14", "water_intake": 6.0})
	h := newTestDailyHandler(ds, signedInAs(alice))

	w := httptest.NewRecorder()
	h.Today(w, jsonRequest(http.MethodGet, "/api/daily", ""))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	got := decodeBody[model.DailyLog](t, w)
	if got.ID != "" || got.Date != "2026-03-15" || got.WaterIntake != 0 {
		t.Errorf("got = %+v, want empty log for today", got)
	}
}

func TestDailyHandler_Today_ReturnsExisting(t *testing.T) {
	ds := backend.NewMemoryService()
	ds.Seed("daily_logs",
		backend.Row{"id": "d-1", "user_id": alice.ID, "date": "2026-03-15", "water_intake": 4.0, "mood": "good"},
		backend.Row{"id": "d-2", "user_id": bob.ID, "date": "2026-03-15", "water_intake": 9.0},
	)
	h := newTestDailyHandler(ds, signedInAs(alice))

	w := httptest.NewRecorder()
	h.Today(w, jsonRequest(http.MethodGet, "/api/daily", ""))

	got := decodeBody[model.DailyLog](t, w)
	if got.ID != "d-1" || got.WaterIntake != 4 || got.Mood != "good" {
		t.Errorf("got = %+v", got)
	}
}

func TestDailyHandler_Save_InsertsThenUpdates(t *testing.T) {
	ds := backend.NewMemoryService()
	h := newTestDailyHandler(ds, signedInAs(alice))

	w := httptest.NewRecorder()
	h.Save(w, jsonRequest(http.MethodPut, "/api/daily", `{"water_intake":3,"sleep_hours":7.5,"mood":"ok","date":"2020-01-01"}`))
	if w.Code != http.StatusOK {
		t.Fatalf("first save: status = %d: %s", w.Code, w.Body.String())
	}
	first := decodeBody[model.DailyLog](t, w)
	if first.Date != "2026-03-15" || first.UserID != alice.ID {
		t.Errorf("first = %+v, want today's log owned by alice", first)
	}

	w = httptest.NewRecorder()
	h.Save(w, jsonRequest(http.MethodPut, "/api/daily", `{"water_intake":5,"sleep_hours":7.5,"mood":"great"}`))
	if w.Code != http.StatusOK {
		t.Fatalf("second save: status = %d: %s", w.Code, w.Body.String())
	}
	second := decodeBody[model.DailyLog](t, w)
	if second.ID != first.ID || second.WaterIntake != 5 || second.Mood != "great" {
		t.Errorf("second = %+v, want update of %s", second, first.ID)
	}
	if rows := ds.Rows("daily_logs"); len(rows) != 1 {
		t.Errorf("rows = %d, want 1", len(rows))
	}
}

func TestDailyHandler_Save_ConstraintRaceUpdatesExisting(t *testing.T) {
	mem := backend.NewMemoryService()
	ds := &racingService{MemoryService: mem}
	ds.insertFn = func(ctx context.Context, table string, rows []backend.Row) ([]backend.Row, error) {
		mem.Seed("daily_logs", backend.Row{"id": "d-race", "user_id": alice.ID, "date": "2026-03-15", "water_intake": 1.0})
		return nil, &backend.Error{Status: http.StatusConflict, Code: "23505", Message: "duplicate key value violates unique constraint"}
	}
	h := newTestDailyHandler(ds, signedInAs(alice))

	w := httptest.NewRecorder()
	h.Save(w, jsonRequest(http.MethodPut, "/api/daily", `{"water_intake":8}`))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	got := decodeBody[model.DailyLog](t, w)
	if got.ID != "d-race" || got.WaterIntake != 8 {
		t.Errorf("got = %+v, want d-race updated", got)
	}
}

func TestDailyHandler_Save_MemoryModeRaceKeepsSingleRow(t *testing.T) {
	mem := backend.NewMemoryService()
	ds := &racingService{MemoryService: mem}
	ds.insertFn = func(ctx context.Context, table string, rows []backend.Row) ([]backend.Row, error) {
		// 別のリクエストが先に今日の行を作成した
		ds.insertFn = nil
		if _, err := mem.Insert(ctx, table, []backend.Row{{"id": "d-first", "user_id": alice.ID, "date": "2026-03-15", "water_intake": 1.0}}); err != nil {
			t.Fatalf("competing insert: %v", err)
		}
		return mem.Insert(ctx, table, rows)
	}
	h := newTestDailyHandler(ds, signedInAs(alice))

	w := httptest.NewRecorder()
	h.Save(w, jsonRequest(http.MethodPut, "/api/daily", `{"water_intake":6}`))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if got := decodeBody[model.DailyLog](t, w); got.ID != "d-first" || got.WaterIntake != 6 {
		t.Errorf("got = %+v, want d-first updated", got)
	}
	if rows := mem.Rows("daily_logs"); len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}

	w = httptest.NewRecorder()
	h.Today(w, jsonRequest(http.MethodGet, "/api/daily", ""))
	if got := decodeBody[model.DailyLog](t, w); got.ID != "d-first" || got.WaterIntake != 6 {
		t.Errorf("today = %+v, want d-first", got)
	}
}

func TestDailyHandler_Save_Validation(t *testing.T) {
	h := newTestDailyHandler(backend.NewMemoryService(), signedInAs(alice))

	for _, body := range []string{
		`{"water_intake":-1}`,
		`{"sleep_hours":25}`,
		`{"sleep_quality":6}`,
		`{"energy":-2}`,
	} {
		w := httptest.NewRecorder()
		h.Save(w, jsonRequest(http.MethodPut, "/api/daily", body))
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", body, w.Code)
		}
	}
}

func TestDailyHandler_Anonymous(t *testing.T) {
	h := newTestDailyHandler(backend.NewMemoryService(), newMockSession(session.Anonymous, nil))

	w := httptest.NewRecorder()
	h.Today(w, jsonRequest(http.MethodGet, "/api/daily", ""))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

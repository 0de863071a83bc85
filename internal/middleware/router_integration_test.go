package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/fitlog/internal/model"
)

// TestRouterIntegration_CSRFTokenEndpoint はCSRFトークン取得エンドポイントが
// chi.Routerで正しく動作することを検証する。
func TestRouterIntegration_CSRFTokenEndpoint(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/api/csrf-token", NewCSRFTokenHandler(CSRFConfig{}).ServeHTTP)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil))

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Token == "" {
		t.Error("expected non-empty token")
	}
}

// TestRouterIntegration_IdentityCSRFAndRateLimit は
// Identity -> CSRF -> RateLimit のチェーンがchi.Routerで正しく動作することを検証する。
func TestRouterIntegration_IdentityCSRFAndRateLimit(t *testing.T) {
	src := &stubIdentitySource{id: &model.Identity{ID: "user-router-test"}}
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    2,
		AuthRate:        1,
		AuthBurst:       1,
		CleanupInterval: time.Minute,
	})
	defer rl.Stop()

	r := chi.NewRouter()
	r.Use(NewIdentityMiddleware(src))
	r.Use(NewCSRFMiddleware(CSRFConfig{}))
	r.Use(rl.GeneralMiddleware())

	r.Post("/api/workouts", func(w http.ResponseWriter, r *http.Request) {
		userID, _ := UserIDFromContext(r.Context())
		json.NewEncoder(w).Encode(map[string]string{"user_id": userID})
	})

	post := func(withToken bool) *http.Response {
		req := httptest.NewRequest(http.MethodPost, "/api/workouts", nil)
		if withToken {
			req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "test-csrf-token"})
			req.Header.Set(csrfHeaderName, "test-csrf-token")
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Result()
	}

	t.Run("without_csrf", func(t *testing.T) {
		if resp := post(false); resp.StatusCode != http.StatusForbidden {
			t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusForbidden)
		}
	})

	t.Run("with_csrf", func(t *testing.T) {
		resp := post(true)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
		}
		var body map[string]string
		json.NewDecoder(resp.Body).Decode(&body)
		if body["user_id"] != "user-router-test" {
			t.Errorf("user_id = %q, want %q", body["user_id"], "user-router-test")
		}
	})

	// CSRFで拒否されたリクエストはレート制限に到達しないため、バーストは残り1
	t.Run("rate_limited", func(t *testing.T) {
		if resp := post(true); resp.StatusCode != http.StatusOK {
			t.Errorf("second allowed request: status = %d, want 200", resp.StatusCode)
		}
		if resp := post(true); resp.StatusCode != http.StatusTooManyRequests {
			t.Errorf("third request: status = %d, want 429", resp.StatusCode)
		}
	})
}

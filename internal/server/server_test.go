package server

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	apierrors "github.com/bigkaa/goartstore/keyed-store/internal/api/errors"
	"github.com/bigkaa/goartstore/keyed-store/internal/api/handlers"
	"github.com/bigkaa/goartstore/keyed-store/internal/service"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type stubRecovery struct{ calls int }

func (s *stubRecovery) RunOnce(context.Context) *service.RecoveryResult {
	s.calls++
	return &service.RecoveryResult{}
}

// denyAll — аутентификация, отклоняющая все запросы.
type denyAll struct{}

func (denyAll) Middleware() func(http.Handler) http.Handler {
	return func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			apierrors.Unauthorized(w, "нет токена")
		})
	}
}

func newTestRouter(auth JWTAuthProvider) (http.Handler, *stubRecovery) {
	recovery := &stubRecovery{}
	h := Handlers{
		Health:      handlers.NewHealthHandler(),
		Maintenance: handlers.NewMaintenanceHandler(recovery, testLogger()),
	}
	return NewRouter(testLogger(), h, auth), recovery
}

func serve(h http.Handler, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestRouter_PublicEndpoints(t *testing.T) {
	router, _ := newTestRouter(denyAll{})

	for _, path := range []string{"/health/live", "/health/ready", "/metrics"} {
		if rec := serve(router, http.MethodGet, path); rec.Code != http.StatusOK {
			t.Errorf("%s: ожидался 200 без аутентификации, получен %d", path, rec.Code)
		}
	}

	rec := serve(router, http.MethodGet, "/metrics")
	if !strings.Contains(rec.Body.String(), "ks_http_requests_total") {
		t.Error("/metrics не содержит HTTP метрик")
	}
}

func TestRouter_RecoverRequiresAuth(t *testing.T) {
	router, recovery := newTestRouter(denyAll{})

	if rec := serve(router, http.MethodPost, "/api/v1/maintenance/recover"); rec.Code != http.StatusUnauthorized {
		t.Errorf("ожидался 401, получен %d", rec.Code)
	}
	if recovery.calls != 0 {
		t.Error("восстановление запущено без аутентификации")
	}
}

func TestRouter_WithoutAuth(t *testing.T) {
	router, recovery := newTestRouter(nil)

	if rec := serve(router, http.MethodPost, "/api/v1/maintenance/recover"); rec.Code != http.StatusOK {
		t.Errorf("ожидался 200, получен %d", rec.Code)
	}
	if recovery.calls != 1 {
		t.Errorf("RunOnce вызван %d раз", recovery.calls)
	}

	if rec := serve(router, http.MethodGet, "/api/v1/maintenance/recover"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET recover: ожидался 405, получен %d", rec.Code)
	}
	// TableHandler не задан — маршруты таблиц не монтируются
	if rec := serve(router, http.MethodGet, "/api/v1/tables/a.b.c"); rec.Code != http.StatusNotFound {
		t.Errorf("таблицы без обработчика: ожидался 404, получен %d", rec.Code)
	}
}

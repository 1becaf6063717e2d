// maintenance.go — POST /api/v1/maintenance/recover.
// Делегирует восстановление журнала в RecoveryService.
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	apierrors "github.com/bigkaa/goartstore/keyed-store/internal/api/errors"
	"github.com/bigkaa/goartstore/keyed-store/internal/api/middleware"
	"github.com/bigkaa/goartstore/keyed-store/internal/service"
)

// RecoveryRunner — запуск одного цикла восстановления.
type RecoveryRunner interface {
	RunOnce(ctx context.Context) *service.RecoveryResult
}

// MaintenanceHandler — обработчик endpoints обслуживания.
type MaintenanceHandler struct {
	recovery RecoveryRunner
	logger   *slog.Logger
}

// NewMaintenanceHandler создаёт обработчик. recovery может быть nil.
func NewMaintenanceHandler(recovery RecoveryRunner, logger *slog.Logger) *MaintenanceHandler {
	return &MaintenanceHandler{
		recovery: recovery,
		logger:   logger.With(slog.String("component", "maintenance_api")),
	}
}

// Recover обрабатывает POST /api/v1/maintenance/recover.
// Выполняет синхронный цикл восстановления и возвращает его результат.
// Параллельные запросы выполняются последовательно.
func (h *MaintenanceHandler) Recover(w http.ResponseWriter, r *http.Request) {
	if h.recovery == nil {
		apierrors.NotConfigured(w, "Восстановление журнала не настроено")
		return
	}

	h.logger.Info("Запуск восстановления по запросу",
		slog.String("subject", middleware.SubjectFromContext(r.Context())),
	)

	result := h.recovery.RunOnce(r.Context())
	writeJSON(w, http.StatusOK, result)
}

// tables.go — чтение определения и статуса оптимизации таблиц.
// GET /api/v1/tables/{table}
// GET /api/v1/tables/{table}/optimizing-status
// {table} — идентификатор catalog.database.name.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/goartstore/keyed-store/internal/api/errors"
	"github.com/bigkaa/goartstore/keyed-store/internal/domain/model"
	"github.com/bigkaa/goartstore/keyed-store/internal/domain/optimizing"
	"github.com/bigkaa/goartstore/keyed-store/internal/metastore"
)

// StatusReader — текущий статус оптимизации таблицы.
type StatusReader interface {
	Current(ctx context.Context, id model.TableIdentifier) (optimizing.Status, error)
}

// TableHandler — обработчик endpoints таблиц.
type TableHandler struct {
	tables metastore.TableLoader
	status StatusReader
	logger *slog.Logger
}

// NewTableHandler создаёт обработчик endpoints таблиц.
func NewTableHandler(tables metastore.TableLoader, status StatusReader, logger *slog.Logger) *TableHandler {
	return &TableHandler{
		tables: tables,
		status: status,
		logger: logger.With(slog.String("component", "tables_api")),
	}
}

// optimizingStatusResponse — ответ GET .../optimizing-status.
type optimizingStatusResponse struct {
	Table      string            `json:"table"`
	Status     optimizing.Status `json:"status"`
	Code       int               `json:"code"`
	Optimizing bool              `json:"optimizing"`
	// AcceptsCommits — коммиты записи допустимы в текущем статусе
	AcceptsCommits bool `json:"accepts_commits"`
}

// GetTable обрабатывает GET /api/v1/tables/{table}.
func (h *TableHandler) GetTable(w http.ResponseWriter, r *http.Request) {
	id, ok := tableID(w, r)
	if !ok {
		return
	}

	table, err := h.tables.LoadTable(r.Context(), id)
	if err != nil {
		h.writeLookupError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, table)
}

// GetOptimizingStatus обрабатывает GET /api/v1/tables/{table}/optimizing-status.
func (h *TableHandler) GetOptimizingStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := tableID(w, r)
	if !ok {
		return
	}

	status, err := h.status.Current(r.Context(), id)
	if err != nil {
		h.writeLookupError(w, id, err)
		return
	}

	writeJSON(w, http.StatusOK, optimizingStatusResponse{
		Table:          id.String(),
		Status:         status,
		Code:           status.Code(),
		Optimizing:     status.IsOptimizing(),
		AcceptsCommits: optimizing.AllowsWriteCommit(status),
	})
}

// tableID разбирает {table} из пути; при ошибке пишет 400.
func tableID(w http.ResponseWriter, r *http.Request) (model.TableIdentifier, bool) {
	id, err := model.ParseTableIdentifier(chi.URLParam(r, "table"))
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return model.TableIdentifier{}, false
	}
	return id, true
}

// writeLookupError: ErrTableNotFound — 404, остальное — 500.
func (h *TableHandler) writeLookupError(w http.ResponseWriter, id model.TableIdentifier, err error) {
	if errors.Is(err, metastore.ErrTableNotFound) {
		apierrors.NotFound(w, "Таблица "+id.String()+" не найдена")
		return
	}
	h.logger.Error("Ошибка чтения таблицы",
		slog.String("table", id.String()),
		slog.String("error", err.Error()),
	)
	apierrors.InternalError(w, "Ошибка чтения таблицы")
}

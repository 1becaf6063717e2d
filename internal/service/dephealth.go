// dephealth.go — интеграция с topologymetrics SDK для мониторинга зависимостей.
//
// Keyed Store мониторит (в зависимости от конфигурации):
//   - PostgreSQL metastore — SQL checker через существующий pgxpool (critical)
//   - объектное хранилище S3 — HTTP checker к /minio/health/live (critical)
//   - JWKS endpoint — HTTP checker (non-critical: влияет только на maintenance API)
//
// Метрики доступны на /metrics вместе с остальными Prometheus-метриками:
//   - app_dependency_health — состояние зависимости (1 = ok, 0 = fail)
//   - app_dependency_latency_seconds — задержка проверки
//   - app_dependency_status — категория статуса
//   - app_dependency_status_detail — детальный статус
package service

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/url"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/httpcheck" // HTTP checker для S3 и JWKS
	"github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/pgcheck"     // PostgreSQL checker (pool mode)
	"github.com/prometheus/client_golang/prometheus"
)

// ErrNoDependencies — не задана ни одна зависимость для мониторинга.
var ErrNoDependencies = errors.New("нет зависимостей для мониторинга")

// DephealthTargets — зависимости, которые нужно мониторить.
// Пустое поле — зависимость не используется.
type DephealthTargets struct {
	// DB — *sql.DB, полученный из pgxpool через stdlib.OpenDBFromPool()
	DB *sql.DB
	// PgConnURL — URL PostgreSQL (для метрик/лейблов, не для подключения)
	PgConnURL string
	// S3URL — базовый URL объектного хранилища
	S3URL string
	// JWKSURL — URL JWKS endpoint
	JWKSURL string
}

// DephealthService — сервис мониторинга зависимостей через topologymetrics.
type DephealthService struct {
	dh     *dephealth.DepHealth
	logger *slog.Logger
}

// NewDephealthService создаёт сервис мониторинга зависимостей.
// Метрики регистрируются в глобальном Prometheus registry.
func NewDephealthService(
	serviceID string,
	group string,
	targets DephealthTargets,
	checkInterval time.Duration,
	logger *slog.Logger,
) (*DephealthService, error) {
	return newDephealthService(serviceID, group, targets, checkInterval, logger)
}

// NewDephealthServiceWithRegisterer создаёт сервис с указанным Prometheus registerer.
// Используется в тестах для изоляции метрик.
func NewDephealthServiceWithRegisterer(
	serviceID string,
	group string,
	targets DephealthTargets,
	checkInterval time.Duration,
	logger *slog.Logger,
	registerer prometheus.Registerer,
) (*DephealthService, error) {
	return newDephealthService(serviceID, group, targets, checkInterval, logger,
		dephealth.WithRegisterer(registerer))
}

// newDephealthService — внутренний конструктор.
func newDephealthService(
	serviceID string,
	group string,
	targets DephealthTargets,
	checkInterval time.Duration,
	logger *slog.Logger,
	extraOpts ...dephealth.Option,
) (*DephealthService, error) {
	deps := dependencyOptions(targets, checkInterval)
	if len(deps) == 0 {
		return nil, ErrNoDependencies
	}

	opts := append([]dephealth.Option{dephealth.WithLogger(logger)}, deps...)
	opts = append(opts, extraOpts...)

	dh, err := dephealth.New(serviceID, group, opts...)
	if err != nil {
		return nil, err
	}

	return &DephealthService{
		dh:     dh,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

// dependencyOptions собирает опции зависимостей по заполненным полям targets.
func dependencyOptions(targets DephealthTargets, checkInterval time.Duration) []dephealth.Option {
	var opts []dephealth.Option

	if targets.DB != nil {
		// Используем pgcheck.New + dephealth.AddDependency напрямую,
		// чтобы не тянуть contrib/sqldb с транзитивной зависимостью на MySQL.
		opts = append(opts, dephealth.AddDependency("postgresql", dephealth.TypePostgres,
			pgcheck.New(pgcheck.WithDB(targets.DB)),
			dephealth.FromURL(targets.PgConnURL),
			dephealth.CheckInterval(checkInterval),
			dephealth.Critical(true),
		))
	}

	if targets.S3URL != "" {
		opts = append(opts, dephealth.HTTP("object-storage",
			dephealth.FromURL(targets.S3URL),
			dephealth.WithHTTPHealthPath("/minio/health/live"),
			dephealth.CheckInterval(checkInterval),
			dephealth.Critical(true),
		))
	}

	if targets.JWKSURL != "" {
		opts = append(opts, dephealth.HTTP("jwks",
			dephealth.FromURL(targets.JWKSURL),
			dephealth.WithHTTPHealthPath(healthPath(targets.JWKSURL)),
			dephealth.CheckInterval(checkInterval),
			dephealth.Critical(false),
		))
	}

	return opts
}

// healthPath возвращает path URL для HTTP-проверки (по умолчанию /health).
func healthPath(rawURL string) string {
	if parsed, err := url.Parse(rawURL); err == nil && parsed.Path != "" {
		return parsed.Path
	}
	return "/health"
}

// Start запускает периодическую проверку зависимостей.
func (ds *DephealthService) Start(ctx context.Context) error {
	ds.logger.Info("Мониторинг зависимостей запущен")
	return ds.dh.Start(ctx)
}

// Stop останавливает мониторинг зависимостей.
func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Мониторинг зависимостей остановлен")
}

// Health возвращает текущее состояние зависимостей.
// Ключ — имя зависимости, значение — true если ok.
func (ds *DephealthService) Health() map[string]bool {
	return ds.dh.Health()
}

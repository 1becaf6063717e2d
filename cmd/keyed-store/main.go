// Точка входа keyed-store — сервиса обслуживания keyed-таблиц:
// metastore, восстановление журнала батчей, health и maintenance API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bigkaa/goartstore/keyed-store/internal/api/handlers"
	"github.com/bigkaa/goartstore/keyed-store/internal/api/middleware"
	"github.com/bigkaa/goartstore/keyed-store/internal/config"
	"github.com/bigkaa/goartstore/keyed-store/internal/database"
	"github.com/bigkaa/goartstore/keyed-store/internal/domain/optimizing"
	"github.com/bigkaa/goartstore/keyed-store/internal/metastore"
	"github.com/bigkaa/goartstore/keyed-store/internal/repository"
	"github.com/bigkaa/goartstore/keyed-store/internal/server"
	"github.com/bigkaa/goartstore/keyed-store/internal/service"
	"github.com/bigkaa/goartstore/keyed-store/internal/storage/fileio"
	"github.com/bigkaa/goartstore/keyed-store/internal/storage/journal"
)

func main() {
	// Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}

	logger := config.SetupLogger(cfg)
	logger.Info("keyed-store запускается",
		slog.String("service_id", cfg.ServiceID),
		slog.String("version", config.Version),
		slog.String("metastore", cfg.Metastore),
		slog.String("fileio", cfg.FileIO),
		slog.Int("port", cfg.Port),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("keyed-store завершился с ошибкой", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("keyed-store остановлен")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx := context.Background()

	// --- Инициализация компонентов ---

	// 1. Metastore
	var (
		store    metastore.Store
		pool     *pgxpool.Pool
		checkers []handlers.ReadinessChecker
	)
	switch cfg.Metastore {
	case config.MetastorePostgres:
		if err := database.Migrate(cfg, logger); err != nil {
			return fmt.Errorf("миграции: %w", err)
		}
		var err error
		pool, err = database.Connect(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("подключение к PostgreSQL: %w", err)
		}
		defer pool.Close()
		store = repository.NewCatalog(pool)
		checkers = append(checkers, database.NewReadinessChecker(pool))
	default:
		logger.Warn("Metastore в памяти: состояние таблиц не переживёт перезапуск")
		store = metastore.NewMemory()
	}
	tables := metastore.NewCachedLoader(store, cfg.TableCacheSize, cfg.TableCacheTTL)

	// 2. Файловый ввод-вывод
	var fio fileio.FileIO
	switch cfg.FileIO {
	case config.FileIOS3:
		s3, err := fileio.NewS3(ctx, cfg.S3)
		if err != nil {
			return fmt.Errorf("инициализация S3: %w", err)
		}
		fio = s3
	default:
		local, err := fileio.NewLocal(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("инициализация директории данных: %w", err)
		}
		fio = local
	}

	// 3. Журнал батчей
	batchJournal, err := journal.New(cfg.JournalDir, logger)
	if err != nil {
		return fmt.Errorf("инициализация журнала: %w", err)
	}
	checkers = append(checkers, handlers.NewDirChecker("journal", batchJournal.Dir()))

	// 4. Жизненный цикл оптимизации
	lifecycle, err := optimizing.NewLifecycle(cfg.AbandonStatus)
	if err != nil {
		return fmt.Errorf("жизненный цикл оптимизации: %w", err)
	}
	tracker := optimizing.NewTracker(store, lifecycle, logger)
	logger.Info("Жизненный цикл оптимизации настроен",
		slog.String("abandon_status", lifecycle.AbandonTarget().String()),
	)

	// 5. Фоновые процессы. Восстановление требует общего с координаторами
	// metastore: metastore в памяти не знает их таблиц и транзакций.
	var recovery handlers.RecoveryRunner
	if cfg.Metastore == config.MetastorePostgres {
		cleaner := service.NewCleaner(fio, cfg.CleanupConcurrency, logger)
		recoverySvc := service.NewRecoveryService(batchJournal, store, tables, cleaner,
			cfg.RecoveryInterval, cfg.RecoveryMinAge, cfg.JournalRetention, logger)
		recoverySvc.Start(ctx)
		defer recoverySvc.Stop()
		recovery = recoverySvc
	} else {
		logger.Warn("Восстановление журнала отключено: metastore в памяти")
	}

	dephealthSvc := startDephealth(ctx, cfg, pool, logger)
	if dephealthSvc != nil {
		defer dephealthSvc.Stop()
	}

	// 6. JWT middleware (только при заданном KS_JWKS_URL)
	var jwtAuth server.JWTAuthProvider
	if cfg.JWKSUrl != "" {
		auth, err := middleware.NewJWTAuth(middleware.JWTAuthConfig{JWKSURL: cfg.JWKSUrl}, logger)
		if err != nil {
			return fmt.Errorf("JWT аутентификация: %w", err)
		}
		jwtAuth = auth
		logger.Info("JWT аутентификация настроена", slog.String("jwks_url", cfg.JWKSUrl))
	} else {
		logger.Warn("KS_JWKS_URL не задан, maintenance API без аутентификации")
	}

	// 7. HTTP-сервер
	srv := server.New(cfg, logger, server.Handlers{
		Health:      handlers.NewHealthHandler(checkers...),
		Maintenance: handlers.NewMaintenanceHandler(recovery, logger),
		Tables:      handlers.NewTableHandler(tables, tracker, logger),
	}, jwtAuth)

	return srv.Run(ctx)
}

// startDephealth запускает мониторинг зависимостей topologymetrics.
// Ошибка не фатальна: сервис работает без метрик зависимостей.
func startDephealth(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger *slog.Logger) *service.DephealthService {
	targets := service.DephealthTargets{JWKSURL: cfg.JWKSUrl}
	if pool != nil {
		targets.DB = database.OpenDB(pool)
		targets.PgConnURL = fmt.Sprintf("postgres://%s:%d/%s", cfg.DBHost, cfg.DBPort, cfg.DBName)
	}
	if cfg.FileIO == config.FileIOS3 {
		scheme := "http://"
		if cfg.S3.UseSSL {
			scheme = "https://"
		}
		targets.S3URL = scheme + cfg.S3.Endpoint
	}

	svc, err := service.NewDephealthService(cfg.ServiceID, cfg.DephealthGroup, targets,
		cfg.DephealthCheckInterval, logger)
	if err != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if err := svc.Start(ctx); err != nil {
		logger.Warn("Ошибка запуска topologymetrics", slog.String("error", err.Error()))
		return nil
	}
	return svc
}

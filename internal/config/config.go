// Пакет config — загрузка и валидация конфигурации keyed-store
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bigkaa/goartstore/keyed-store/internal/domain/optimizing"
	"github.com/bigkaa/goartstore/keyed-store/internal/storage/fileio"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Бэкенды metastore.
const (
	MetastoreMemory   = "memory"
	MetastorePostgres = "postgres"
)

// Бэкенды файлового ввода-вывода.
const (
	FileIOLocal = "local"
	FileIOS3    = "s3"
)

// minRecoveryMinAge — нижняя граница KS_RECOVERY_MIN_AGE:
// не меньше пяти периодов heartbeat координатора батча (1m).
const minRecoveryMinAge = 5 * time.Minute

// Config содержит все параметры конфигурации keyed-store.
type Config struct {
	// Порт HTTP-сервера
	Port int
	// Уникальный идентификатор экземпляра (например, "ks-01")
	ServiceID string
	// Корневая директория файлов таблиц (для KS_FILEIO=local)
	DataDir string
	// Директория журнала батчей
	JournalDir string

	// Бэкенд metastore: memory или postgres
	Metastore string
	// Параметры PostgreSQL (для KS_METASTORE=postgres)
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string

	// Бэкенд файлов: local или s3
	FileIO string
	// Параметры S3 (для KS_FILEIO=s3)
	S3 fileio.S3Config

	// Максимум одновременных удалений файлов при abort
	CleanupConcurrency int
	// Интервал фонового восстановления незавершённых батчей
	RecoveryInterval time.Duration
	// Минимальный возраст pending-записи журнала для восстановления
	RecoveryMinAge time.Duration
	// Время хранения завершённых записей журнала
	JournalRetention time.Duration
	// Статус, в который возвращается прерванная оптимизация (pending, idle)
	AbandonStatus optimizing.Status
	// Размер LRU-кэша определений таблиц
	TableCacheSize int
	// TTL записи кэша определений таблиц
	TableCacheTTL time.Duration

	// URL JWKS endpoint (пусто — maintenance API без аутентификации)
	JWKSUrl string

	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration
	// Имя группы в метриках topologymetrics
	DephealthGroup string

	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration

	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// KS_PORT — порт HTTP-сервера (по умолчанию 8030)
	cfg.Port, err = getEnvInt("KS_PORT", 8030)
	if err != nil {
		return nil, fmt.Errorf("KS_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("KS_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	// KS_SERVICE_ID — обязательный
	cfg.ServiceID, err = getEnvRequired("KS_SERVICE_ID")
	if err != nil {
		return nil, err
	}

	// KS_JOURNAL_DIR — обязательный
	cfg.JournalDir, err = getEnvRequired("KS_JOURNAL_DIR")
	if err != nil {
		return nil, err
	}

	// KS_METASTORE — бэкенд metastore (по умолчанию memory)
	cfg.Metastore = getEnvDefault("KS_METASTORE", MetastoreMemory)
	switch cfg.Metastore {
	case MetastoreMemory:
	case MetastorePostgres:
		if err := loadDatabase(cfg); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("KS_METASTORE: недопустимое значение %q, допустимые: memory, postgres", cfg.Metastore)
	}

	// KS_FILEIO — бэкенд файлов (по умолчанию local)
	cfg.FileIO = getEnvDefault("KS_FILEIO", FileIOLocal)
	switch cfg.FileIO {
	case FileIOLocal:
		// KS_DATA_DIR — обязательный для local
		cfg.DataDir, err = getEnvRequired("KS_DATA_DIR")
		if err != nil {
			return nil, err
		}
	case FileIOS3:
		if err := loadS3(cfg); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("KS_FILEIO: недопустимое значение %q, допустимые: local, s3", cfg.FileIO)
	}

	// KS_CLEANUP_CONCURRENCY — параллелизм удаления файлов (по умолчанию 8)
	cfg.CleanupConcurrency, err = getEnvInt("KS_CLEANUP_CONCURRENCY", 8)
	if err != nil {
		return nil, fmt.Errorf("KS_CLEANUP_CONCURRENCY: %w", err)
	}
	if cfg.CleanupConcurrency <= 0 {
		return nil, fmt.Errorf("KS_CLEANUP_CONCURRENCY: значение должно быть положительным, получено %d", cfg.CleanupConcurrency)
	}

	// KS_RECOVERY_INTERVAL — интервал восстановления (по умолчанию 5m)
	cfg.RecoveryInterval, err = getEnvDuration("KS_RECOVERY_INTERVAL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("KS_RECOVERY_INTERVAL: %w", err)
	}

	// KS_RECOVERY_MIN_AGE — возраст pending-записи, после которого батч
	// считается брошенным (по умолчанию 1h)
	cfg.RecoveryMinAge, err = getEnvDuration("KS_RECOVERY_MIN_AGE", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("KS_RECOVERY_MIN_AGE: %w", err)
	}
	if cfg.RecoveryMinAge < minRecoveryMinAge {
		return nil, fmt.Errorf("KS_RECOVERY_MIN_AGE: значение должно быть не меньше %s, получено %s",
			minRecoveryMinAge, cfg.RecoveryMinAge)
	}

	// KS_JOURNAL_RETENTION — хранение завершённых записей (по умолчанию 24h)
	cfg.JournalRetention, err = getEnvDuration("KS_JOURNAL_RETENTION", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("KS_JOURNAL_RETENTION: %w", err)
	}

	// KS_ABANDON_STATUS — куда возвращается прерванная оптимизация (по умолчанию pending)
	cfg.AbandonStatus, err = optimizing.ParseAbandonTarget(getEnvDefault("KS_ABANDON_STATUS", "pending"))
	if err != nil {
		return nil, fmt.Errorf("KS_ABANDON_STATUS: %w", err)
	}

	// KS_TABLE_CACHE_SIZE — размер кэша таблиц (по умолчанию 1000)
	cfg.TableCacheSize, err = getEnvInt("KS_TABLE_CACHE_SIZE", 1000)
	if err != nil {
		return nil, fmt.Errorf("KS_TABLE_CACHE_SIZE: %w", err)
	}
	if cfg.TableCacheSize <= 0 {
		return nil, fmt.Errorf("KS_TABLE_CACHE_SIZE: значение должно быть положительным, получено %d", cfg.TableCacheSize)
	}

	// KS_TABLE_CACHE_TTL — TTL кэша таблиц (по умолчанию 1m)
	cfg.TableCacheTTL, err = getEnvDuration("KS_TABLE_CACHE_TTL", time.Minute)
	if err != nil {
		return nil, fmt.Errorf("KS_TABLE_CACHE_TTL: %w", err)
	}

	// KS_JWKS_URL — опциональный
	cfg.JWKSUrl = getEnvDefault("KS_JWKS_URL", "")

	// KS_DEPHEALTH_CHECK_INTERVAL — интервал проверки зависимостей (по умолчанию 15s)
	cfg.DephealthCheckInterval, err = getEnvDuration("KS_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("KS_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// KS_DEPHEALTH_GROUP — имя группы в метриках topologymetrics
	cfg.DephealthGroup = getEnvDefault("KS_DEPHEALTH_GROUP", "keyed-store")

	// KS_SHUTDOWN_TIMEOUT — таймаут graceful shutdown (по умолчанию 10s)
	cfg.ShutdownTimeout, err = getEnvDuration("KS_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("KS_SHUTDOWN_TIMEOUT: %w", err)
	}

	// KS_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("KS_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("KS_LOG_LEVEL: %w", err)
	}

	// KS_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("KS_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("KS_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	return cfg, nil
}

// loadDatabase загружает параметры PostgreSQL.
func loadDatabase(cfg *Config) error {
	var err error

	// KS_DB_HOST — обязательный
	cfg.DBHost, err = getEnvRequired("KS_DB_HOST")
	if err != nil {
		return err
	}

	// KS_DB_PORT — порт PostgreSQL (по умолчанию 5432)
	cfg.DBPort, err = getEnvInt("KS_DB_PORT", 5432)
	if err != nil {
		return fmt.Errorf("KS_DB_PORT: %w", err)
	}

	// KS_DB_NAME — обязательный
	cfg.DBName, err = getEnvRequired("KS_DB_NAME")
	if err != nil {
		return err
	}

	// KS_DB_USER — обязательный
	cfg.DBUser, err = getEnvRequired("KS_DB_USER")
	if err != nil {
		return err
	}

	// KS_DB_PASSWORD — обязательный
	cfg.DBPassword, err = getEnvRequired("KS_DB_PASSWORD")
	if err != nil {
		return err
	}

	// KS_DB_SSL_MODE — режим SSL (по умолчанию disable)
	cfg.DBSSLMode = getEnvDefault("KS_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSLModes[cfg.DBSSLMode] {
		return fmt.Errorf("KS_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}
	return nil
}

// loadS3 загружает параметры объектного хранилища.
func loadS3(cfg *Config) error {
	var err error

	cfg.S3.Endpoint, err = getEnvRequired("KS_S3_ENDPOINT")
	if err != nil {
		return err
	}
	cfg.S3.Bucket, err = getEnvRequired("KS_S3_BUCKET")
	if err != nil {
		return err
	}
	cfg.S3.AccessKey, err = getEnvRequired("KS_S3_ACCESS_KEY")
	if err != nil {
		return err
	}
	cfg.S3.SecretKey, err = getEnvRequired("KS_S3_SECRET_KEY")
	if err != nil {
		return err
	}
	cfg.S3.Region = getEnvDefault("KS_S3_REGION", "")
	cfg.S3.Prefix = getEnvDefault("KS_S3_PREFIX", "")

	// KS_S3_USE_SSL — TLS для S3 (по умолчанию true)
	cfg.S3.UseSSL, err = getEnvBool("KS_S3_USE_SSL", true)
	if err != nil {
		return fmt.Errorf("KS_S3_USE_SSL: %w", err)
	}
	return nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// MigrateURL возвращает URL для golang-migrate (драйвер pgx5).
func (c *Config) MigrateURL() string {
	return fmt.Sprintf(
		"pgx5://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	)
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvBool возвращает логическое значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное логическое значение: %q", val)
	}
	return b, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 6h)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}

// Пакет server — HTTP-сервер keyed-store с graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bigkaa/goartstore/keyed-store/internal/api/handlers"
	"github.com/bigkaa/goartstore/keyed-store/internal/api/middleware"
	"github.com/bigkaa/goartstore/keyed-store/internal/config"
)

// JWTAuthProvider — источник JWT middleware. nil — API без аутентификации.
type JWTAuthProvider interface {
	Middleware() func(http.Handler) http.Handler
}

// Handlers — обработчики, монтируемые в роутер.
type Handlers struct {
	Health      *handlers.HealthHandler
	Maintenance *handlers.MaintenanceHandler
	Tables      *handlers.TableHandler
}

// Server — HTTP-сервер keyed-store.
type Server struct {
	httpServer      *http.Server
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// New создаёт сервер с настроенными маршрутами и middleware.
func New(cfg *config.Config, logger *slog.Logger, h Handlers, auth JWTAuthProvider) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      NewRouter(logger, h, auth),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 5 * time.Minute,
			IdleTimeout:  120 * time.Second,
		},
		shutdownTimeout: cfg.ShutdownTimeout,
		logger:          logger.With(slog.String("component", "http_server")),
	}
}

// NewRouter собирает chi-роутер.
// Health и /metrics публичны, /api/v1 закрыт JWT при заданном auth.
// Восстановление (изменяющая операция) требует scope обслуживания.
func NewRouter(logger *slog.Logger, h Handlers, auth JWTAuthProvider) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.MetricsMiddleware())

	router.Get("/health/live", h.Health.HealthLive)
	router.Get("/health/ready", h.Health.HealthReady)
	router.Handle("/metrics", promhttp.Handler())

	router.Route("/api/v1", func(r chi.Router) {
		if auth != nil {
			r.Use(auth.Middleware())
		}

		if h.Tables != nil {
			r.Get("/tables/{table}", h.Tables.GetTable)
			r.Get("/tables/{table}/optimizing-status", h.Tables.GetOptimizingStatus)
		}

		r.Group(func(r chi.Router) {
			if auth != nil {
				r.Use(middleware.RequireScope(middleware.ScopeMaintenance))
			}
			r.Post("/maintenance/recover", h.Maintenance.Recover)
		})
	})

	return router
}

// Run запускает сервер и ожидает SIGINT/SIGTERM или отмены ctx,
// затем выполняет graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен", slog.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case <-ctx.Done():
		s.logger.Info("Контекст сервера отменён")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}

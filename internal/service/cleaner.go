// cleaner.go — удаление файлов отменённых батчей.
//
// Файлы удаляются параллельно (не более concurrency одновременно),
// каждое удаление повторяется по политике таблицы. Файлы, которые не
// удалось удалить за бюджет повторов, возвращаются в FileDeletionError
// и считаются осиротевшими.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/bigkaa/goartstore/keyed-store/internal/domain/retry"
)

// Prometheus метрики очистки
var (
	// cleanupFilesDeletedTotal — количество удалённых файлов.
	cleanupFilesDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ks_cleanup_files_deleted_total",
		Help: "Общее количество файлов, удалённых при отмене батчей",
	})

	// cleanupRetriesTotal — количество повторов удаления.
	cleanupRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ks_cleanup_delete_retries_total",
		Help: "Общее количество повторных попыток удаления файлов",
	})

	// cleanupOrphanedTotal — файлы, не удалённые за бюджет повторов.
	cleanupOrphanedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ks_cleanup_orphaned_files_total",
		Help: "Общее количество файлов, оставшихся после неудачного удаления",
	})
)

// ErrFileDeletion — не все файлы удалены за бюджет повторов.
var ErrFileDeletion = errors.New("не удалось удалить файлы")

// FileDeletionError — список файлов, которые не удалось удалить.
// errors.Is(err, ErrFileDeletion) == true.
type FileDeletionError struct {
	// Files — неудалённые пути, отсортированы
	Files []string
	// Err — ошибки удаления по файлам
	Err error
}

func (e *FileDeletionError) Error() string {
	return fmt.Sprintf("%s (%d): %v", ErrFileDeletion.Error(), len(e.Files), e.Err)
}

func (e *FileDeletionError) Unwrap() error {
	return e.Err
}

// Is позволяет сравнивать с ErrFileDeletion через errors.Is.
func (e *FileDeletionError) Is(target error) bool {
	return target == ErrFileDeletion
}

// Deleter — удаление одного файла. Отсутствующий файл — не ошибка.
type Deleter interface {
	Delete(ctx context.Context, path string) error
}

// Cleaner — удаление файлов с повторами.
type Cleaner struct {
	deleter     Deleter
	concurrency int
	logger      *slog.Logger

	// onRetry вызывается перед каждой паузой между попытками
	onRetry func(path string, err error, wait time.Duration)
}

// NewCleaner создаёт Cleaner.
func NewCleaner(deleter Deleter, concurrency int, logger *slog.Logger) *Cleaner {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Cleaner{
		deleter:     deleter,
		concurrency: concurrency,
		logger:      logger.With(slog.String("component", "cleaner")),
	}
}

// DeleteFiles удаляет файлы и ждёт завершения всех удалений.
// Возвращает *FileDeletionError со списком неудалённых файлов.
func (c *Cleaner) DeleteFiles(ctx context.Context, paths []string, policy retry.Policy) error {
	if len(paths) == 0 {
		return nil
	}

	var (
		mu      sync.Mutex
		failed  []string
		errs    *multierror.Error
		deleted int
	)

	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for _, p := range paths {
		g.Go(func() error {
			err := c.deleteWithRetry(ctx, p, policy)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed = append(failed, p)
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", p, err))
				return nil
			}
			deleted++
			return nil
		})
	}
	_ = g.Wait()

	cleanupFilesDeletedTotal.Add(float64(deleted))
	if len(failed) == 0 {
		c.logger.Debug("Файлы удалены", slog.Int("count", deleted))
		return nil
	}

	sort.Strings(failed)
	cleanupOrphanedTotal.Add(float64(len(failed)))
	c.logger.Error("Файлы не удалены, требуется ручная очистка",
		slog.Int("orphaned", len(failed)),
		slog.Int("deleted", deleted),
		slog.Any("files", failed),
	)
	return &FileDeletionError{Files: failed, Err: errs.ErrorOrNil()}
}

// deleteWithRetry удаляет файл, повторяя по политике.
// Отмена контекста прекращает повторы.
func (c *Cleaner) deleteWithRetry(ctx context.Context, path string, policy retry.Policy) error {
	op := func() error {
		err := c.deleter.Delete(ctx, path)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		cleanupRetriesTotal.Inc()
		c.logger.Debug("Повтор удаления файла",
			slog.String("path", path),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
		if c.onRetry != nil {
			c.onRetry(path, err, wait)
		}
	}
	return backoff.RetryNotify(op, backoff.WithContext(policy.NewBackOff(), ctx), notify)
}

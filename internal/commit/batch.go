package commit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/bigkaa/goartstore/keyed-store/internal/domain/model"
	"github.com/bigkaa/goartstore/keyed-store/internal/metastore"
	"github.com/bigkaa/goartstore/keyed-store/internal/storage/journal"
	"github.com/bigkaa/goartstore/keyed-store/internal/writer"
)

// BatchWrite — батч записи в выбранном режиме.
// Commit у каждого режима свой, Abort общий.
// До вызова Commit или Abort батч поддерживает heartbeat записи журнала.
type BatchWrite interface {
	// Mode возвращает режим записи.
	Mode() model.WriteMode
	// WriterFactory возвращает фабрику задач записи батча.
	WriterFactory() *writer.Factory
	// Commit атомарно регистрирует файлы всех сообщений.
	// Вызывается один раз и не прерывается отменой контекста.
	Commit(ctx context.Context, messages []model.CommitMessage) error
	// Abort удаляет файлы сообщений. Идемпотентен.
	Abort(ctx context.Context, messages []model.CommitMessage) error
}

// batchState — состояние батча.
type batchState int

const (
	stateOpen batchState = iota
	stateCommitted
	stateUnknown
	stateAborted
)

// baseWrite — общая часть всех режимов: жизненный цикл, журнал, отмена.
type baseWrite struct {
	parent    *KeyedBatchWrite
	mode      model.WriteMode
	factory   *writer.Factory
	journalID string
	logger    *slog.Logger

	mu      sync.Mutex
	invoked bool
	state   batchState

	stopBeat func()
	beatOnce sync.Once
}

func (b *baseWrite) Mode() model.WriteMode {
	return b.mode
}

func (b *baseWrite) WriterFactory() *writer.Factory {
	return b.factory
}

// run — общий сценарий коммита. apply регистрирует файлы в metastore.
// При определённом отказе файлы батча удаляются до возврата ошибки.
// При неизвестном итоге файлы остаются, запись журнала — pending.
func (b *baseWrite) run(ctx context.Context, messages []model.CommitMessage, apply func(ctx context.Context, files []model.DataFile) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case b.invoked:
		return ErrCommitInvoked
	case b.state == stateAborted:
		return ErrBatchAborted
	}
	b.invoked = true
	defer b.stopHeartbeat()

	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	mode := b.mode.String()
	paths := model.Paths(messages)

	if err := b.recordFiles(paths); err != nil {
		// Без записи в журнале файлы не восстановить после сбоя
		return b.failDefinite(ctx, paths, fmt.Errorf("ошибка записи журнала: %w", err), start)
	}

	files, err := model.Files(messages)
	if err != nil {
		return b.failDefinite(ctx, paths, fmt.Errorf("%w: %w", metastore.ErrCommitRejected, err), start)
	}

	err = apply(ctx, files)
	commitDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		b.state = stateCommitted
		commitsTotal.WithLabelValues(mode, resultLabel(nil)).Inc()
		commitFiles.WithLabelValues(mode).Add(float64(len(files)))
		if b.journalID != "" {
			if jerr := b.parent.deps.Journal.Commit(b.journalID); jerr != nil {
				// Коммит в metastore уже выполнен; восстановление сверит по IsCommitted
				b.logger.Warn("Ошибка отметки журнала после коммита", slog.String("error", jerr.Error()))
			}
		}
		b.logger.Info("Батч зафиксирован",
			slog.Int("files", len(files)),
			slog.Int("messages", len(messages)),
			slog.Duration("duration", time.Since(start)),
		)
		return nil

	case !metastore.IsDefiniteFailure(err):
		b.state = stateUnknown
		commitsTotal.WithLabelValues(mode, resultLabel(err)).Inc()
		b.logger.Error("Итог коммита неизвестен, файлы сохранены до восстановления",
			slog.Int("files", len(files)),
			slog.String("error", err.Error()),
		)
		return err

	default:
		return b.failDefinite(ctx, paths, err, start)
	}
}

// failDefinite отменяет батч после определённого отказа коммита
// и возвращает исходную ошибку (с ошибкой отмены, если она была).
func (b *baseWrite) failDefinite(ctx context.Context, paths []string, cause error, start time.Time) error {
	commitsTotal.WithLabelValues(b.mode.String(), resultLabel(cause)).Inc()
	b.logger.Warn("Коммит отклонён, батч отменяется",
		slog.Int("files", len(paths)),
		slog.String("error", cause.Error()),
		slog.Duration("duration", time.Since(start)),
	)

	if err := b.abortPaths(ctx, paths); err != nil {
		return multierror.Append(cause, err)
	}
	return cause
}

// Abort удаляет файлы сообщений с повторами по политике таблицы.
// Недопустим после успешного коммита или коммита с неизвестным итогом.
func (b *baseWrite) Abort(ctx context.Context, messages []model.CommitMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateCommitted, stateUnknown:
		return fmt.Errorf("%w: транзакция %d", ErrAbortAfterCommit, b.parent.txID)
	}

	paths := model.Paths(messages)
	if b.state == stateOpen {
		if err := b.recordFiles(paths); err != nil {
			b.logger.Warn("Ошибка записи журнала при отмене", slog.String("error", err.Error()))
		}
	}
	return b.abortPaths(ctx, paths)
}

// abortPaths удаляет файлы и отмечает батч отменённым.
// Запись журнала остаётся pending, если удалены не все файлы.
func (b *baseWrite) abortPaths(ctx context.Context, paths []string) error {
	b.stopHeartbeat()
	b.state = stateAborted
	abortsTotal.WithLabelValues(b.mode.String()).Inc()

	if err := b.parent.deps.Cleaner.DeleteFiles(ctx, paths, b.parent.policy); err != nil {
		b.logger.Error("Не все файлы отменённого батча удалены", slog.String("error", err.Error()))
		return err
	}

	if b.journalID != "" {
		err := b.parent.deps.Journal.Abort(b.journalID)
		switch {
		case errors.Is(err, journal.ErrClaimed):
			// Запись завершит восстановление, файлы батча уже удалены
			b.logger.Warn("Запись журнала захвачена восстановлением", slog.String("entry_id", b.journalID))
		case err != nil:
			return fmt.Errorf("ошибка отметки журнала: %w", err)
		}
	}
	b.logger.Info("Батч отменён", slog.Int("files", len(paths)))
	return nil
}

// startHeartbeat периодически обновляет запись журнала,
// пока батч не завершён.
func (b *baseWrite) startHeartbeat(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	b.stopBeat = func() {
		cancel()
		<-done
	}

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			err := b.parent.deps.Journal.Touch(b.journalID)
			switch {
			case err == nil:
			case errors.Is(err, journal.ErrClaimed):
				b.logger.Error("Батч захвачен восстановлением, коммит будет отклонён",
					slog.String("entry_id", b.journalID),
				)
				return
			case errors.Is(err, journal.ErrNotPending), errors.Is(err, journal.ErrEntryNotFound):
				return
			default:
				b.logger.Warn("Ошибка heartbeat журнала", slog.String("error", err.Error()))
			}
		}
	}()
}

// stopHeartbeat останавливает heartbeat. Идемпотентен.
func (b *baseWrite) stopHeartbeat() {
	b.beatOnce.Do(func() {
		if b.stopBeat != nil {
			b.stopBeat()
		}
	})
}

// recordFiles добавляет пути в запись журнала.
func (b *baseWrite) recordFiles(paths []string) error {
	if b.journalID == "" || len(paths) == 0 {
		return nil
	}
	return b.parent.deps.Journal.RecordFiles(b.journalID, paths)
}

// committer возвращает примитив коммита metastore.
func (b *baseWrite) committer() metastore.Committer {
	return b.parent.deps.Committer
}

// appendWrite — Append: файлы регистрируются в change store.
type appendWrite struct {
	*baseWrite
}

func (w *appendWrite) Commit(ctx context.Context, messages []model.CommitMessage) error {
	return w.run(ctx, messages, func(ctx context.Context, files []model.DataFile) error {
		return w.committer().AppendChangeFiles(ctx, w.parent.table.ID, w.parent.txID, files)
	})
}

// dynamicOverwrite — замена партиций base store, затронутых файлами батча.
type dynamicOverwrite struct {
	*baseWrite
}

func (w *dynamicOverwrite) Commit(ctx context.Context, messages []model.CommitMessage) error {
	return w.run(ctx, messages, func(ctx context.Context, files []model.DataFile) error {
		return w.committer().ReplacePartitions(ctx, w.parent.table.ID, w.parent.txID, files)
	})
}

// overwriteByFilter — замена данных base store под фильтром.
// Фильтр вычисляет metastore.
type overwriteByFilter struct {
	*baseWrite
	filter model.Expression
}

func (w *overwriteByFilter) Commit(ctx context.Context, messages []model.CommitMessage) error {
	return w.run(ctx, messages, func(ctx context.Context, files []model.DataFile) error {
		return w.committer().OverwriteByFilter(ctx, w.parent.table.ID, w.parent.txID, w.filter, files)
	})
}

// upsertWrite — upsert: файлы данных и equality_deletes в change store.
type upsertWrite struct {
	*baseWrite
}

func (w *upsertWrite) Commit(ctx context.Context, messages []model.CommitMessage) error {
	return w.run(ctx, messages, func(ctx context.Context, files []model.DataFile) error {
		return w.committer().AppendChangeFiles(ctx, w.parent.table.ID, w.parent.txID, files)
	})
}

// IsRetryable сообщает, что батч можно повторить с новой транзакцией.
func IsRetryable(err error) bool {
	return errors.Is(err, metastore.ErrCommitConflict)
}

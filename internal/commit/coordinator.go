// Пакет commit — координатор коммита батча записи keyed-таблицы.
//
// KeyedBatchWrite выделяет транзакцию и фиксирует режим записи.
// Режим выбирается один раз: AsBatchAppend, AsDynamicOverwrite,
// AsOverwriteByFilter или AsUpsertWrite. Полученный BatchWrite
// выдаёт фабрику задач, собирает CommitMessage и выполняет
// Commit или Abort.
package commit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bigkaa/goartstore/keyed-store/internal/domain/model"
	"github.com/bigkaa/goartstore/keyed-store/internal/domain/retry"
	"github.com/bigkaa/goartstore/keyed-store/internal/metastore"
	"github.com/bigkaa/goartstore/keyed-store/internal/storage/fileio"
	"github.com/bigkaa/goartstore/keyed-store/internal/storage/journal"
	"github.com/bigkaa/goartstore/keyed-store/internal/txn"
	"github.com/bigkaa/goartstore/keyed-store/internal/writer"
)

// Ошибки координатора.
var (
	// ErrModeSelected — режим записи уже выбран для этой транзакции.
	ErrModeSelected = errors.New("режим записи транзакции уже выбран")
	// ErrCommitInvoked — Commit уже вызывался для батча.
	ErrCommitInvoked = errors.New("коммит батча уже выполнялся")
	// ErrBatchAborted — батч отменён, коммит невозможен.
	ErrBatchAborted = errors.New("батч отменён")
	// ErrAbortAfterCommit — отмена зафиксированного батча или батча
	// с неизвестным итогом коммита: файлы могут быть видимы.
	ErrAbortAfterCommit = errors.New("отмена невозможна: файлы батча могут быть зарегистрированы")
)

// FileCleaner — удаление файлов отменённого батча с повторами по политике.
type FileCleaner interface {
	DeleteFiles(ctx context.Context, paths []string, policy retry.Policy) error
}

// Journal — журнал батчей для восстановления после сбоя.
type Journal interface {
	Prepare(table model.TableIdentifier, txID model.TransactionID, mode string) (*journal.Entry, error)
	RecordFiles(id string, paths []string) error
	Touch(id string) error
	Commit(id string) error
	Abort(id string) error
}

// DefaultHeartbeatInterval — период обновления записи журнала открытого батча.
// KS_RECOVERY_MIN_AGE должен быть в несколько раз больше.
const DefaultHeartbeatInterval = time.Minute

// Deps — зависимости координатора.
type Deps struct {
	Committer metastore.Committer
	IO        fileio.FileIO
	Cleaner   FileCleaner
	// Journal — опционально; nil отключает журнал
	Journal Journal
	// HeartbeatInterval — период heartbeat журнала (0 — DefaultHeartbeatInterval)
	HeartbeatInterval time.Duration
	Logger            *slog.Logger
	// WriterOptions передаются фабрике задач
	WriterOptions []writer.Option
}

// KeyedBatchWrite — транзакция записи в keyed-таблицу до выбора режима.
type KeyedBatchWrite struct {
	table    *model.KeyedTable
	dsSchema model.Schema
	txID     model.TransactionID
	policy   retry.Policy
	deps     Deps
	logger   *slog.Logger

	mu       sync.Mutex
	selected bool
}

// NewKeyedBatchWrite читает политику повторов из свойств таблицы
// и выделяет новую транзакцию.
func NewKeyedBatchWrite(
	ctx context.Context,
	table *model.KeyedTable,
	dsSchema model.Schema,
	allocator txn.Allocator,
	deps Deps,
) (*KeyedBatchWrite, error) {
	if deps.Committer == nil || deps.IO == nil || deps.Cleaner == nil {
		return nil, errors.New("не заданы обязательные зависимости координатора (Committer, IO, Cleaner)")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.HeartbeatInterval <= 0 {
		deps.HeartbeatInterval = DefaultHeartbeatInterval
	}

	policy, err := retry.FromProperties(table.Properties)
	if err != nil {
		return nil, fmt.Errorf("таблица %s: %w", table.ID, err)
	}

	txID, err := allocator.Begin(ctx, table.ID)
	if err != nil {
		return nil, err
	}

	return &KeyedBatchWrite{
		table:    table,
		dsSchema: dsSchema,
		txID:     txID,
		policy:   policy,
		deps:     deps,
		logger: deps.Logger.With(
			slog.String("component", "commit"),
			slog.String("table", table.ID.String()),
			slog.Int64("transaction_id", int64(txID)),
		),
	}, nil
}

// TransactionID возвращает ID транзакции батча.
func (k *KeyedBatchWrite) TransactionID() model.TransactionID {
	return k.txID
}

// AsBatchAppend — добавление изменений в change store.
func (k *KeyedBatchWrite) AsBatchAppend() (BatchWrite, error) {
	base, err := k.newBase(model.ModeAppend)
	if err != nil {
		return nil, err
	}
	return &appendWrite{base}, nil
}

// AsDynamicOverwrite — замена затронутых партиций base store.
func (k *KeyedBatchWrite) AsDynamicOverwrite() (BatchWrite, error) {
	base, err := k.newBase(model.ModeDynamicOverwrite)
	if err != nil {
		return nil, err
	}
	return &dynamicOverwrite{base}, nil
}

// AsOverwriteByFilter — замена данных base store, удовлетворяющих фильтру.
func (k *KeyedBatchWrite) AsOverwriteByFilter(filter model.Expression) (BatchWrite, error) {
	if filter == nil {
		return nil, errors.New("фильтр перезаписи не задан")
	}
	base, err := k.newBase(model.ModeOverwriteByFilter)
	if err != nil {
		return nil, err
	}
	return &overwriteByFilter{baseWrite: base, filter: filter}, nil
}

// AsUpsertWrite — upsert через change store. Требует первичный ключ.
func (k *KeyedBatchWrite) AsUpsertWrite() (BatchWrite, error) {
	base, err := k.newBase(model.ModeUpsert)
	if err != nil {
		return nil, err
	}
	return &upsertWrite{base}, nil
}

// newBase создаёт фабрику задач и запись журнала выбранного режима.
func (k *KeyedBatchWrite) newBase(mode model.WriteMode) (*baseWrite, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.selected {
		return nil, fmt.Errorf("%w: транзакция %d", ErrModeSelected, k.txID)
	}

	opts := append([]writer.Option{writer.WithLogger(k.deps.Logger)}, k.deps.WriterOptions...)
	factory, err := writer.NewFactory(k.table, k.txID, mode, k.dsSchema, k.deps.IO, opts...)
	if err != nil {
		return nil, err
	}

	b := &baseWrite{
		parent:  k,
		mode:    mode,
		factory: factory,
		logger:  k.logger.With(slog.String("mode", mode.String())),
	}
	if k.deps.Journal != nil {
		entry, err := k.deps.Journal.Prepare(k.table.ID, k.txID, mode.String())
		if err != nil {
			return nil, fmt.Errorf("ошибка записи журнала: %w", err)
		}
		b.journalID = entry.ID
		b.startHeartbeat(k.deps.HeartbeatInterval)
	}

	k.selected = true
	return b, nil
}

// Пакет metastore — примитив атомарного коммита метаданных keyed-таблиц.
//
// Committer регистрирует файлы батча в манифесте base или change store
// одной атомарной операцией в рамках транзакции. Конфликт с конкурентной
// транзакцией отклоняет весь батч (ErrCommitConflict).
//
// Правила конфликта (общие для всех реализаций):
//   - статус оптимизации таблицы COMMITTING: окно коммита принадлежит оптимизатору
//   - транзакция уже зафиксирована
//   - путь файла уже присутствует в манифесте таблицы
//   - затронутая партиция base store содержит файлы транзакции >= текущей
//   - overwrite-by-filter: входящий файл не удовлетворяет фильтру
package metastore

import (
	"context"
	"errors"
	"fmt"

	"github.com/bigkaa/goartstore/keyed-store/internal/domain/model"
	"github.com/bigkaa/goartstore/keyed-store/internal/domain/optimizing"
)

// Ошибки metastore.
var (
	// ErrTableNotFound — таблица отсутствует в каталоге.
	ErrTableNotFound = errors.New("таблица не найдена")
	// ErrTableExists — таблица уже зарегистрирована.
	ErrTableExists = errors.New("таблица уже существует")
	// ErrCommitConflict — конкурентная транзакция выиграла гонку.
	// Определённый отказ: ни один файл батча не стал видимым.
	ErrCommitConflict = errors.New("конфликт коммита")
	// ErrCommitRejected — батч отклонён как некорректный. Определённый отказ.
	ErrCommitRejected = errors.New("коммит отклонён")
	// ErrFileOutsideFilter — файл overwrite-by-filter не удовлетворяет фильтру.
	ErrFileOutsideFilter = errors.New("файл не удовлетворяет фильтру перезаписи")
	// ErrCommitStateUnknown — итог коммита неизвестен (например, обрыв
	// соединения во время COMMIT). Файлы нельзя удалять: они могут быть
	// уже зарегистрированы.
	ErrCommitStateUnknown = errors.New("итог коммита неизвестен")
)

// Committer — атомарная регистрация файлов батча.
type Committer interface {
	// AppendChangeFiles добавляет файлы в манифест change store.
	AppendChangeFiles(ctx context.Context, table model.TableIdentifier, txID model.TransactionID, files []model.DataFile) error
	// ReplacePartitions заменяет содержимое затронутых партиций base store.
	// Партиции, не затронутые входящими файлами, не меняются.
	ReplacePartitions(ctx context.Context, table model.TableIdentifier, txID model.TransactionID, files []model.DataFile) error
	// OverwriteByFilter заменяет файлы base store, удовлетворяющие фильтру.
	OverwriteByFilter(ctx context.Context, table model.TableIdentifier, txID model.TransactionID, filter model.Expression, files []model.DataFile) error
}

// Reader — чтение манифестов.
type Reader interface {
	// Files возвращает видимые файлы store таблицы.
	Files(ctx context.Context, table model.TableIdentifier, store model.StoreKind) ([]model.DataFile, error)
	// IsCommitted сообщает, зафиксирована ли транзакция.
	IsCommitted(ctx context.Context, table model.TableIdentifier, txID model.TransactionID) (bool, error)
}

// TableLoader — загрузка определения таблицы.
type TableLoader interface {
	LoadTable(ctx context.Context, id model.TableIdentifier) (*model.KeyedTable, error)
}

// Store — полный набор возможностей metastore.
type Store interface {
	Committer
	Reader
	TableLoader
	optimizing.StatusStore
}

// IsDefiniteFailure сообщает, что коммит точно не применён
// и файлы батча можно удалять.
func IsDefiniteFailure(err error) bool {
	return err != nil && !errors.Is(err, ErrCommitStateUnknown)
}

// ValidateIncoming проверяет входящие файлы батча: уникальность путей
// и принадлежность транзакции.
func ValidateIncoming(txID model.TransactionID, files []model.DataFile) error {
	seen := make(map[string]bool, len(files))
	for _, f := range files {
		if f.Path == "" {
			return fmt.Errorf("%w: пустой путь файла", ErrCommitRejected)
		}
		if seen[f.Path] {
			return fmt.Errorf("%w: файл %s повторяется в батче", ErrCommitRejected, f.Path)
		}
		seen[f.Path] = true
		if f.TransactionID != txID {
			return fmt.Errorf("%w: файл %s принадлежит транзакции %d, коммитится %d",
				ErrCommitRejected, f.Path, f.TransactionID, txID)
		}
	}
	return nil
}

// CheckFilter проверяет, что каждый входящий файл удовлетворяет фильтру.
func CheckFilter(filter model.Expression, files []model.DataFile) error {
	for _, f := range files {
		if !filter.Eval(f.Partition) {
			return fmt.Errorf("%w: %s (партиция %q, фильтр %s)",
				ErrFileOutsideFilter, f.Path, f.Partition.Path(), filter)
		}
	}
	return nil
}

// TouchedPartitions возвращает множество путей партиций входящих файлов.
func TouchedPartitions(files []model.DataFile) map[string]bool {
	touched := make(map[string]bool)
	for _, f := range files {
		touched[f.Partition.Path()] = true
	}
	return touched
}

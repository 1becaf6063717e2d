package writer

import (
	"errors"
	"fmt"

	"github.com/bigkaa/goartstore/keyed-store/internal/domain/model"
)

// Ошибки фабрики и задач записи.
var (
	// ErrTaskWrite — ошибка задачи записи. Отменяет весь батч.
	ErrTaskWrite = errors.New("ошибка задачи записи")
	// ErrNoPrimaryKey — upsert в таблицу без первичного ключа.
	ErrNoPrimaryKey = errors.New("upsert требует первичный ключ таблицы")
	// ErrSchemaMismatch — схема источника не совместима со схемой таблицы.
	ErrSchemaMismatch = errors.New("схема источника не совместима со схемой таблицы")
	// ErrWriterClosed — запись в завершённую задачу.
	ErrWriterClosed = errors.New("задача записи уже завершена")
)

// TaskWriteError — ошибка ввода-вывода или сериализации задачи записи.
// errors.Is(err, ErrTaskWrite) == true.
type TaskWriteError struct {
	TransactionID model.TransactionID
	PartitionID   int
	TaskID        int64
	Op            string
	Err           error
}

func (e *TaskWriteError) Error() string {
	return fmt.Sprintf("задача %d (партиция %d, транзакция %d): %s: %v",
		e.TaskID, e.PartitionID, e.TransactionID, e.Op, e.Err)
}

func (e *TaskWriteError) Unwrap() error {
	return e.Err
}

// Is позволяет сравнивать с ErrTaskWrite через errors.Is.
func (e *TaskWriteError) Is(target error) bool {
	return target == ErrTaskWrite
}

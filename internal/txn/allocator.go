// Пакет txn — выдача идентификаторов транзакций записи.
//
// Идентификатор строго возрастает в пределах таблицы и никогда
// не переиспользуется, в том числе после abort. Allocator не пишет
// метаданные таблицы: выдача id — единственный видимый эффект.
package txn

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/bigkaa/goartstore/keyed-store/internal/domain/model"
)

// ErrAllocation — аллокатор исчерпан или недоступен. Фатальная ошибка батча.
var ErrAllocation = errors.New("не удалось выделить идентификатор транзакции")

// Allocator — источник идентификаторов транзакций.
type Allocator interface {
	Begin(ctx context.Context, table model.TableIdentifier) (model.TransactionID, error)
}

// Memory — аллокатор в памяти процесса: монотонный счётчик на таблицу.
// Подходит для тестов и встроенного использования с metastore.Memory.
type Memory struct {
	mu   sync.Mutex
	last map[model.TableIdentifier]model.TransactionID
}

// NewMemory создаёт аллокатор в памяти.
func NewMemory() *Memory {
	return &Memory{last: make(map[model.TableIdentifier]model.TransactionID)}
}

// Begin возвращает следующий идентификатор для таблицы.
func (m *Memory) Begin(ctx context.Context, table model.TableIdentifier) (model.TransactionID, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrAllocation, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	last := m.last[table]
	if last == math.MaxInt64 {
		return 0, fmt.Errorf("%w: таблица %s: счётчик исчерпан", ErrAllocation, table)
	}
	next := last + 1
	m.last[table] = next
	return next, nil
}


package metastore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/bigkaa/goartstore/keyed-store/internal/domain/model"
	"github.com/bigkaa/goartstore/keyed-store/internal/domain/optimizing"
)

// tableState — состояние таблицы в памяти.
type tableState struct {
	table     model.KeyedTable
	status    optimizing.Status
	base      map[string]model.DataFile
	change    map[string]model.DataFile
	committed map[model.TransactionID]bool
}

// Memory — metastore в памяти процесса. Все коммиты сериализуются мьютексом,
// что даёт линеаризуемый порядок коммитов по таблице.
type Memory struct {
	mu     sync.Mutex
	tables map[model.TableIdentifier]*tableState
}

// NewMemory создаёт пустой metastore.
func NewMemory() *Memory {
	return &Memory{tables: make(map[model.TableIdentifier]*tableState)}
}

// CreateTable регистрирует таблицу со статусом IDLE.
func (m *Memory) CreateTable(_ context.Context, table *model.KeyedTable) error {
	if err := table.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tables[table.ID]; ok {
		return fmt.Errorf("%w: %s", ErrTableExists, table.ID)
	}
	m.tables[table.ID] = &tableState{
		table:     *table,
		status:    optimizing.Idle,
		base:      make(map[string]model.DataFile),
		change:    make(map[string]model.DataFile),
		committed: make(map[model.TransactionID]bool),
	}
	return nil
}

// LoadTable возвращает копию определения таблицы.
func (m *Memory) LoadTable(_ context.Context, id model.TableIdentifier) (*model.KeyedTable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.state(id)
	if err != nil {
		return nil, err
	}
	t := st.table
	return &t, nil
}

// state возвращает состояние таблицы. Вызывается под мьютексом.
func (m *Memory) state(id model.TableIdentifier) (*tableState, error) {
	st, ok := m.tables[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, id)
	}
	return st, nil
}

// precheck — общие проверки конфликта. Вызывается под мьютексом.
func (m *Memory) precheck(id model.TableIdentifier, txID model.TransactionID, files []model.DataFile) (*tableState, error) {
	st, err := m.state(id)
	if err != nil {
		return nil, err
	}
	if !optimizing.AllowsWriteCommit(st.status) {
		return nil, fmt.Errorf("%w: таблица %s в статусе %s", ErrCommitConflict, id, st.status)
	}
	if st.committed[txID] {
		return nil, fmt.Errorf("%w: транзакция %d уже зафиксирована", ErrCommitConflict, txID)
	}
	if err := ValidateIncoming(txID, files); err != nil {
		return nil, err
	}
	for _, f := range files {
		_, inBase := st.base[f.Path]
		_, inChange := st.change[f.Path]
		if inBase || inChange {
			return nil, fmt.Errorf("%w: файл %s уже зарегистрирован", ErrCommitConflict, f.Path)
		}
	}
	return st, nil
}

// AppendChangeFiles добавляет файлы в change store.
func (m *Memory) AppendChangeFiles(_ context.Context, id model.TableIdentifier, txID model.TransactionID, files []model.DataFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.precheck(id, txID, files)
	if err != nil {
		return err
	}
	for _, f := range files {
		st.change[f.Path] = f
	}
	st.committed[txID] = true
	return nil
}

// ReplacePartitions заменяет содержимое затронутых партиций base store.
func (m *Memory) ReplacePartitions(_ context.Context, id model.TableIdentifier, txID model.TransactionID, files []model.DataFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.precheck(id, txID, files)
	if err != nil {
		return err
	}

	touched := TouchedPartitions(files)
	var replaced []string
	for path, f := range st.base {
		if !touched[f.Partition.Path()] {
			continue
		}
		if f.TransactionID >= txID {
			return fmt.Errorf("%w: партиция %q изменена транзакцией %d",
				ErrCommitConflict, f.Partition.Path(), f.TransactionID)
		}
		replaced = append(replaced, path)
	}

	for _, path := range replaced {
		delete(st.base, path)
	}
	for _, f := range files {
		st.base[f.Path] = f
	}
	st.committed[txID] = true
	return nil
}

// OverwriteByFilter заменяет файлы base store, удовлетворяющие фильтру.
func (m *Memory) OverwriteByFilter(_ context.Context, id model.TableIdentifier, txID model.TransactionID, filter model.Expression, files []model.DataFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.precheck(id, txID, files)
	if err != nil {
		return err
	}
	if err := CheckFilter(filter, files); err != nil {
		return err
	}

	var replaced []string
	for path, f := range st.base {
		if !filter.Eval(f.Partition) {
			continue
		}
		if f.TransactionID >= txID {
			return fmt.Errorf("%w: файл %s под фильтром %s изменён транзакцией %d",
				ErrCommitConflict, path, filter, f.TransactionID)
		}
		replaced = append(replaced, path)
	}

	for _, path := range replaced {
		delete(st.base, path)
	}
	for _, f := range files {
		st.base[f.Path] = f
	}
	st.committed[txID] = true
	return nil
}

// Files возвращает файлы store, отсортированные по пути.
func (m *Memory) Files(_ context.Context, id model.TableIdentifier, store model.StoreKind) ([]model.DataFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.state(id)
	if err != nil {
		return nil, err
	}

	src := st.change
	if store == model.StoreBase {
		src = st.base
	}
	files := make([]model.DataFile, 0, len(src))
	for _, f := range src {
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// IsCommitted сообщает, зафиксирована ли транзакция.
func (m *Memory) IsCommitted(_ context.Context, id model.TableIdentifier, txID model.TransactionID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.state(id)
	if err != nil {
		return false, err
	}
	return st.committed[txID], nil
}

// OptimizingStatus возвращает статус оптимизации таблицы.
func (m *Memory) OptimizingStatus(_ context.Context, id model.TableIdentifier) (optimizing.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.state(id)
	if err != nil {
		return 0, err
	}
	return st.status, nil
}

// CompareAndSetStatus атомарно меняет статус expected → next.
func (m *Memory) CompareAndSetStatus(_ context.Context, id model.TableIdentifier, expected, next optimizing.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.state(id)
	if err != nil {
		return err
	}
	if st.status != expected {
		return fmt.Errorf("%w: ожидался %s, текущий %s", optimizing.ErrStatusChanged, expected, st.status)
	}
	st.status = next
	return nil
}

// Проверка соответствия интерфейсу.
var _ Store = (*Memory)(nil)

package metastore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/keyed-store/internal/domain/model"
	"github.com/bigkaa/goartstore/keyed-store/internal/domain/optimizing"
)

// testTable возвращает таблицу, партиционированную по region.
func testTable() *model.KeyedTable {
	return &model.KeyedTable{
		ID: model.TableIdentifier{Catalog: "local", Database: "db", Name: "orders"},
		Schema: model.NewSchema(
			model.Field{ID: 1, Name: "id", Type: model.TypeLong, Required: true},
			model.Field{ID: 2, Name: "region", Type: model.TypeString},
		),
		PrimaryKey: model.PrimaryKeySpec{Columns: []string{"id"}},
		PartitionSpec: model.PartitionSpec{Fields: []model.PartitionField{
			{SourceColumn: "region", Transform: model.TransformIdentity},
		}},
		Location: "warehouse/orders",
	}
}

// part возвращает партицию region=v.
func part(v string) model.Partition {
	return model.Partition{{Name: "region", Value: v}}
}

// file создаёт DataFile транзакции tx в партиции region.
func file(path, region string, tx model.TransactionID) model.DataFile {
	return model.DataFile{
		Path: path, Partition: part(region), Format: model.FormatJSONLines,
		Content: model.ContentData, RecordCount: 1, TransactionID: tx,
	}
}

// newTestMemory создаёт metastore с зарегистрированной таблицей.
func newTestMemory(t *testing.T) (*Memory, model.TableIdentifier) {
	t.Helper()
	m := NewMemory()
	tbl := testTable()
	if err := m.CreateTable(context.Background(), tbl); err != nil {
		t.Fatalf("ошибка CreateTable: %v", err)
	}
	return m, tbl.ID
}

// paths возвращает пути файлов.
func paths(files []model.DataFile) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.Path
	}
	return out
}

// TestAppendChangeFiles_Exact проверяет, что change store содержит ровно файлы батча.
func TestAppendChangeFiles_Exact(t *testing.T) {
	ctx := context.Background()
	m, id := newTestMemory(t)

	files := []model.DataFile{file("f1", "eu", 1), file("f2", "us", 1), file("f3", "eu", 1)}
	if err := m.AppendChangeFiles(ctx, id, 1, files); err != nil {
		t.Fatalf("ошибка AppendChangeFiles: %v", err)
	}

	change, _ := m.Files(ctx, id, model.StoreChange)
	got := paths(change)
	if len(got) != 3 || got[0] != "f1" || got[1] != "f2" || got[2] != "f3" {
		t.Errorf("ожидалось [f1 f2 f3], получено %v", got)
	}
	base, _ := m.Files(ctx, id, model.StoreBase)
	if len(base) != 0 {
		t.Errorf("base store должен быть пуст, получено %v", paths(base))
	}
	if ok, _ := m.IsCommitted(ctx, id, 1); !ok {
		t.Error("транзакция 1 должна быть зафиксирована")
	}
}

// TestReplacePartitions_UntouchedPartition проверяет, что партиция P2,
// не затронутая батчем, остаётся видимой.
func TestReplacePartitions_UntouchedPartition(t *testing.T) {
	ctx := context.Background()
	m, id := newTestMemory(t)

	initial := []model.DataFile{file("p1-old", "p1", 1), file("p2-old", "p2", 1), file("p3-old", "p3", 1)}
	if err := m.ReplacePartitions(ctx, id, 1, initial); err != nil {
		t.Fatalf("начальная запись: %v", err)
	}

	incoming := []model.DataFile{file("p1-new", "p1", 2), file("p3-new", "p3", 2)}
	if err := m.ReplacePartitions(ctx, id, 2, incoming); err != nil {
		t.Fatalf("ошибка ReplacePartitions: %v", err)
	}

	base, _ := m.Files(ctx, id, model.StoreBase)
	got := paths(base)
	want := []string{"p1-new", "p2-old", "p3-new"}
	if len(got) != len(want) {
		t.Fatalf("ожидалось %v, получено %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ожидалось %v, получено %v", want, got)
			break
		}
	}
}

// TestReplacePartitions_StaleTransaction проверяет конфликт, если партиция
// уже содержит данные более новой транзакции.
func TestReplacePartitions_StaleTransaction(t *testing.T) {
	ctx := context.Background()
	m, id := newTestMemory(t)

	if err := m.ReplacePartitions(ctx, id, 5, []model.DataFile{file("new", "p1", 5)}); err != nil {
		t.Fatalf("ошибка: %v", err)
	}

	// Транзакция 4 начата раньше, но коммитится позже
	err := m.ReplacePartitions(ctx, id, 4, []model.DataFile{file("stale", "p1", 4)})
	if !errors.Is(err, ErrCommitConflict) {
		t.Fatalf("ожидалась ErrCommitConflict, получено %v", err)
	}

	// Батч отклонён целиком
	base, _ := m.Files(ctx, id, model.StoreBase)
	if got := paths(base); len(got) != 1 || got[0] != "new" {
		t.Errorf("base store не должен измениться, получено %v", got)
	}
	if ok, _ := m.IsCommitted(ctx, id, 4); ok {
		t.Error("транзакция 4 не должна быть зафиксирована")
	}

	// Старая транзакция в другой партиции проходит
	if err := m.ReplacePartitions(ctx, id, 4, []model.DataFile{file("other", "p2", 4)}); err != nil {
		t.Errorf("другая партиция: неожиданная ошибка: %v", err)
	}
}

// TestOverwriteByFilter проверяет замену по предикату.
func TestOverwriteByFilter(t *testing.T) {
	ctx := context.Background()
	m, id := newTestMemory(t)

	m.ReplacePartitions(ctx, id, 1, []model.DataFile{
		file("eu-1", "eu", 1), file("us-1", "us", 1), file("asia-1", "asia", 1),
	})

	filter := model.In("region", "eu", "us")
	err := m.OverwriteByFilter(ctx, id, 2, filter, []model.DataFile{file("eu-2", "eu", 2)})
	if err != nil {
		t.Fatalf("ошибка OverwriteByFilter: %v", err)
	}

	base, _ := m.Files(ctx, id, model.StoreBase)
	got := paths(base)
	if len(got) != 2 || got[0] != "asia-1" || got[1] != "eu-2" {
		t.Errorf("ожидалось [asia-1 eu-2], получено %v", got)
	}
}

// TestOverwriteByFilter_OutsideFilter проверяет отказ для файла вне фильтра.
func TestOverwriteByFilter_OutsideFilter(t *testing.T) {
	ctx := context.Background()
	m, id := newTestMemory(t)

	err := m.OverwriteByFilter(ctx, id, 1, model.Equal("region", "eu"),
		[]model.DataFile{file("eu", "eu", 1), file("us", "us", 1)})
	if !errors.Is(err, ErrFileOutsideFilter) {
		t.Errorf("ожидалась ErrFileOutsideFilter, получено %v", err)
	}
}

// TestCommit_Conflicts проверяет общие правила конфликта.
func TestCommit_Conflicts(t *testing.T) {
	ctx := context.Background()
	m, id := newTestMemory(t)

	if err := m.AppendChangeFiles(ctx, id, 1, []model.DataFile{file("f1", "eu", 1)}); err != nil {
		t.Fatalf("ошибка: %v", err)
	}

	// Повторный коммит той же транзакции
	err := m.AppendChangeFiles(ctx, id, 1, []model.DataFile{file("f2", "eu", 1)})
	if !errors.Is(err, ErrCommitConflict) {
		t.Errorf("повторная транзакция: ожидалась ErrCommitConflict, получено %v", err)
	}

	// Путь уже зарегистрирован
	err = m.AppendChangeFiles(ctx, id, 2, []model.DataFile{file("f1", "eu", 2)})
	if !errors.Is(err, ErrCommitConflict) {
		t.Errorf("повтор пути: ожидалась ErrCommitConflict, получено %v", err)
	}

	// Файл чужой транзакции
	err = m.AppendChangeFiles(ctx, id, 3, []model.DataFile{file("f3", "eu", 9)})
	if !errors.Is(err, ErrCommitRejected) {
		t.Errorf("чужая транзакция: ожидалась ErrCommitRejected, получено %v", err)
	}

	// Неизвестная таблица
	err = m.AppendChangeFiles(ctx, model.TableIdentifier{Name: "missing"}, 1, nil)
	if !errors.Is(err, ErrTableNotFound) {
		t.Errorf("неизвестная таблица: ожидалась ErrTableNotFound, получено %v", err)
	}
}

// TestCommit_OptimizerWindow проверяет запрет коммита в статусе COMMITTING
// и разрешение во всех остальных статусах.
func TestCommit_OptimizerWindow(t *testing.T) {
	ctx := context.Background()
	m, id := newTestMemory(t)

	path := []optimizing.Status{optimizing.Pending, optimizing.Planning, optimizing.MinorOptimizing, optimizing.Committing}
	prev := optimizing.Idle
	tx := model.TransactionID(1)
	for _, next := range path {
		if err := m.CompareAndSetStatus(ctx, id, prev, next); err != nil {
			t.Fatalf("CAS %s → %s: %v", prev, next, err)
		}
		prev = next

		err := m.AppendChangeFiles(ctx, id, tx, []model.DataFile{file(next.DisplayValue(), "eu", tx)})
		if next == optimizing.Committing {
			if !errors.Is(err, ErrCommitConflict) {
				t.Errorf("статус %s: ожидалась ErrCommitConflict, получено %v", next, err)
			}
		} else if err != nil {
			t.Errorf("статус %s: неожиданная ошибка: %v", next, err)
		}
		tx++
	}
}

// TestCompareAndSetStatus проверяет CAS статуса.
func TestCompareAndSetStatus(t *testing.T) {
	ctx := context.Background()
	m, id := newTestMemory(t)

	if s, _ := m.OptimizingStatus(ctx, id); s != optimizing.Idle {
		t.Fatalf("начальный статус: ожидался IDLE, получен %s", s)
	}
	err := m.CompareAndSetStatus(ctx, id, optimizing.Pending, optimizing.Planning)
	if !errors.Is(err, optimizing.ErrStatusChanged) {
		t.Errorf("ожидалась ErrStatusChanged, получено %v", err)
	}
}

// TestCreateTable_Duplicate проверяет повторную регистрацию.
func TestCreateTable_Duplicate(t *testing.T) {
	m, _ := newTestMemory(t)
	if err := m.CreateTable(context.Background(), testTable()); !errors.Is(err, ErrTableExists) {
		t.Errorf("ожидалась ErrTableExists, получено %v", err)
	}
}

// countingLoader — TableLoader со счётчиком вызовов.
type countingLoader struct {
	next  TableLoader
	calls int
}

func (l *countingLoader) LoadTable(ctx context.Context, id model.TableIdentifier) (*model.KeyedTable, error) {
	l.calls++
	return l.next.LoadTable(ctx, id)
}

// TestCachedLoader проверяет кэширование и инвалидацию.
func TestCachedLoader(t *testing.T) {
	ctx := context.Background()
	m, id := newTestMemory(t)
	inner := &countingLoader{next: m}
	c := NewCachedLoader(inner, 10, time.Minute)

	for i := 0; i < 3; i++ {
		tbl, err := c.LoadTable(ctx, id)
		if err != nil {
			t.Fatalf("ошибка LoadTable: %v", err)
		}
		if tbl.ID != id {
			t.Errorf("получена таблица %s", tbl.ID)
		}
	}
	if inner.calls != 1 {
		t.Errorf("ожидался 1 вызов загрузчика, получено %d", inner.calls)
	}

	c.Invalidate(id)
	c.LoadTable(ctx, id)
	if inner.calls != 2 {
		t.Errorf("после Invalidate ожидалось 2 вызова, получено %d", inner.calls)
	}

	// Ошибки не кэшируются
	if _, err := c.LoadTable(ctx, model.TableIdentifier{Name: "missing"}); !errors.Is(err, ErrTableNotFound) {
		t.Errorf("ожидалась ErrTableNotFound, получено %v", err)
	}
	if c.Len() != 1 {
		t.Errorf("ожидалась 1 запись в кэше, получено %d", c.Len())
	}
}

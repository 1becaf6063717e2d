package service

import (
	"context"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/keyed-store/internal/domain/model"
	"github.com/bigkaa/goartstore/keyed-store/internal/metastore"
	"github.com/bigkaa/goartstore/keyed-store/internal/storage/fileio"
	"github.com/bigkaa/goartstore/keyed-store/internal/storage/journal"
)

// recoveryEnv — окружение теста восстановления.
type recoveryEnv struct {
	fio     *fileio.Local
	journal *journal.Journal
	meta    *metastore.Memory
	table   *model.KeyedTable
	svc     *RecoveryService
}

func setupRecoveryEnv(t *testing.T) *recoveryEnv {
	t.Helper()

	fio, err := fileio.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	j, err := journal.New(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("journal.New: %v", err)
	}

	meta := metastore.NewMemory()
	table := &model.KeyedTable{
		ID:         model.TableIdentifier{Catalog: "lake", Database: "sales", Name: "orders"},
		Schema:     model.NewSchema(model.Field{ID: 1, Name: "id", Type: model.TypeLong, Required: true}),
		PrimaryKey: model.PrimaryKeySpec{Columns: []string{"id"}},
		Location:   "lake/sales/orders",
		Properties: map[string]string{
			"commit.retry.num-retries": "1",
			"commit.retry.min-wait-ms": "1",
		},
	}
	if err := meta.CreateTable(context.Background(), table); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	cleaner := NewCleaner(fio, 4, testLogger())
	svc := NewRecoveryService(j, meta, meta, cleaner, time.Hour, time.Hour, 0, testLogger())
	// Все записи журнала старше minAge
	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	return &recoveryEnv{fio: fio, journal: j, meta: meta, table: table, svc: svc}
}

// writeFile создаёт файл данных.
func (e *recoveryEnv) writeFile(t *testing.T, path string) {
	t.Helper()
	out, err := e.fio.Create(context.Background(), path)
	if err != nil {
		t.Fatalf("Create %s: %v", path, err)
	}
	if _, err := out.Write([]byte(`{"id":1}` + "\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := out.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

// prepare открывает pending-запись журнала с файлами.
func (e *recoveryEnv) prepare(t *testing.T, txID model.TransactionID, paths ...string) string {
	t.Helper()
	entry, err := e.journal.Prepare(e.table.ID, txID, model.ModeAppend.String())
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := e.journal.RecordFiles(entry.ID, paths); err != nil {
		t.Fatalf("RecordFiles: %v", err)
	}
	for _, p := range paths {
		e.writeFile(t, p)
	}
	return entry.ID
}

func TestRecovery_CommittedAndAbandoned(t *testing.T) {
	env := setupRecoveryEnv(t)
	ctx := context.Background()

	// tx 1: файлы зарегистрированы, процесс упал до отметки журнала
	committedID := env.prepare(t, 1, "lake/sales/orders/change/1-a.jsonl")
	err := env.meta.AppendChangeFiles(ctx, env.table.ID, 1, []model.DataFile{{
		Path: "lake/sales/orders/change/1-a.jsonl", Format: model.FormatJSONLines,
		Content: model.ContentData, RecordCount: 1, TransactionID: 1,
	}})
	if err != nil {
		t.Fatalf("AppendChangeFiles: %v", err)
	}

	// tx 2: процесс упал до коммита
	abandonedID := env.prepare(t, 2,
		"lake/sales/orders/change/2-a.jsonl",
		"lake/sales/orders/change/2-b.jsonl",
	)

	result := env.svc.RunOnce(ctx)
	if result.Committed != 1 || result.Aborted != 1 || result.Failed != 0 {
		t.Errorf("результат: %+v", result)
	}

	if e, _ := env.journal.Get(committedID); e.Status != journal.StatusCommitted {
		t.Errorf("запись tx 1: %s", e.Status)
	}
	if e, _ := env.journal.Get(abandonedID); e.Status != journal.StatusAborted {
		t.Errorf("запись tx 2: %s", e.Status)
	}

	if ok, _ := fileio.Exists(ctx, env.fio, "lake/sales/orders/change/1-a.jsonl"); !ok {
		t.Error("файл зафиксированной транзакции удалён")
	}
	for _, p := range []string{"lake/sales/orders/change/2-a.jsonl", "lake/sales/orders/change/2-b.jsonl"} {
		if ok, _ := fileio.Exists(ctx, env.fio, p); ok {
			t.Errorf("файл брошенного батча %s не удалён", p)
		}
	}

	// Повторный запуск — pending-записей нет
	again := env.svc.RunOnce(ctx)
	if again.Committed+again.Aborted+again.Failed+again.Skipped != 0 {
		t.Errorf("повторный запуск: %+v", again)
	}
}

func TestRecovery_SkipsYoungEntries(t *testing.T) {
	env := setupRecoveryEnv(t)
	env.svc.now = time.Now

	id := env.prepare(t, 5, "lake/sales/orders/change/5-a.jsonl")

	result := env.svc.RunOnce(context.Background())
	if result.Skipped != 1 || result.Aborted != 0 {
		t.Errorf("результат: %+v", result)
	}
	if e, _ := env.journal.Get(id); e.Status != journal.StatusPending {
		t.Errorf("молодая запись должна остаться pending, статус %s", e.Status)
	}
	if ok, _ := fileio.Exists(context.Background(), env.fio, "lake/sales/orders/change/5-a.jsonl"); !ok {
		t.Error("файл активного батча удалён")
	}
}

func TestRecovery_UnknownTableSkipped(t *testing.T) {
	env := setupRecoveryEnv(t)

	missing := model.TableIdentifier{Catalog: "lake", Database: "sales", Name: "elsewhere"}
	entry, err := env.journal.Prepare(missing, 9, model.ModeUpsert.String())
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	path := "lake/sales/elsewhere/change/9-a.jsonl"
	if err := env.journal.RecordFiles(entry.ID, []string{path}); err != nil {
		t.Fatalf("RecordFiles: %v", err)
	}
	env.writeFile(t, path)

	result := env.svc.RunOnce(context.Background())
	if result.Skipped != 1 || result.Aborted != 0 {
		t.Errorf("результат: %+v", result)
	}
	if ok, _ := fileio.Exists(context.Background(), env.fio, path); !ok {
		t.Error("файл батча таблицы, неизвестной metastore, удалён")
	}
	if e, _ := env.journal.Get(entry.ID); e.Status != journal.StatusPending || e.ClaimedAt != nil {
		t.Errorf("запись должна вернуться в pending: %+v", e)
	}
}

func TestRecovery_ReleasesClaimOnDeleteFailure(t *testing.T) {
	env := setupRecoveryEnv(t)
	path := "lake/sales/orders/change/4-a.jsonl"
	env.svc.cleaner = NewCleaner(newFlakyDeleter(map[string]int{path: -1}), 1, testLogger())

	id := env.prepare(t, 4, path)

	result := env.svc.RunOnce(context.Background())
	if result.Failed != 1 || result.Aborted != 0 {
		t.Errorf("результат: %+v", result)
	}
	e, _ := env.journal.Get(id)
	if e.Status != journal.StatusPending || e.ClaimedAt != nil {
		t.Errorf("после неудачного удаления запись должна вернуться в pending: %+v", e)
	}
}

func TestRecovery_SkipsClaimedByAnotherProcess(t *testing.T) {
	env := setupRecoveryEnv(t)

	id := env.prepare(t, 6, "lake/sales/orders/change/6-a.jsonl")
	// Запись только что захвачена другим процессом восстановления
	if _, err := env.journal.Claim(id, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	env.svc.now = func() time.Time { return time.Now().Add(30 * time.Minute) }

	result := env.svc.RunOnce(context.Background())
	if result.Skipped != 1 || result.Aborted != 0 {
		t.Errorf("результат: %+v", result)
	}
	if ok, _ := fileio.Exists(context.Background(), env.fio, "lake/sales/orders/change/6-a.jsonl"); !ok {
		t.Error("файл захваченного батча удалён повторно")
	}
}

func TestRecovery_StartStop(t *testing.T) {
	env := setupRecoveryEnv(t)
	id := env.prepare(t, 3, "lake/sales/orders/change/3-a.jsonl")

	env.svc.Start(context.Background())
	defer env.svc.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if e, err := env.journal.Get(id); err == nil && e.Status == journal.StatusAborted {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("фоновое восстановление не обработало запись")
}

package service

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/keyed-store/internal/domain/retry"
	"github.com/bigkaa/goartstore/keyed-store/internal/storage/fileio"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testPolicy — maxRetries=3, min=10ms, max=80ms, factor 2.0.
func testPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries:    3,
		MinWait:       10 * time.Millisecond,
		MaxWait:       80 * time.Millisecond,
		TotalBudget:   time.Minute,
		BackoffFactor: 2.0,
	}
}

// flakyDeleter — удаление, которое падает для путей из failFor
// (failures раз, -1 — всегда) и считает попытки.
type flakyDeleter struct {
	mu       sync.Mutex
	failFor  map[string]int
	attempts map[string]int
	deleted  map[string]bool
}

func newFlakyDeleter(failFor map[string]int) *flakyDeleter {
	return &flakyDeleter{
		failFor:  failFor,
		attempts: make(map[string]int),
		deleted:  make(map[string]bool),
	}
}

func (d *flakyDeleter) Delete(_ context.Context, path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.attempts[path]++
	if n, ok := d.failFor[path]; ok && (n < 0 || d.attempts[path] <= n) {
		return errors.New("хранилище недоступно")
	}
	d.deleted[path] = true
	return nil
}

func TestDeleteFiles_AlwaysFailing(t *testing.T) {
	deleter := newFlakyDeleter(map[string]int{"t/change/f1.jsonl": -1})
	c := NewCleaner(deleter, 4, testLogger())

	var (
		mu    sync.Mutex
		waits []time.Duration
	)
	c.onRetry = func(_ string, _ error, wait time.Duration) {
		mu.Lock()
		waits = append(waits, wait)
		mu.Unlock()
	}

	err := c.DeleteFiles(context.Background(), []string{"t/change/f1.jsonl"}, testPolicy())
	if !errors.Is(err, ErrFileDeletion) {
		t.Fatalf("ожидалась ErrFileDeletion, получено %v", err)
	}

	var fde *FileDeletionError
	if !errors.As(err, &fde) {
		t.Fatalf("ожидалась *FileDeletionError, получено %T", err)
	}
	if len(fde.Files) != 1 || fde.Files[0] != "t/change/f1.jsonl" {
		t.Errorf("неудалённые файлы: %v", fde.Files)
	}

	// Первая попытка + 3 повтора
	if got := deleter.attempts["t/change/f1.jsonl"]; got != 4 {
		t.Errorf("попыток: хотели 4, получили %d", got)
	}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}
	if len(waits) != len(want) {
		t.Fatalf("пауз: хотели %v, получили %v", want, waits)
	}
	for i := range want {
		if waits[i] != want[i] {
			t.Errorf("пауза %d: хотели %s, получили %s", i, want[i], waits[i])
		}
	}
}

func TestDeleteFiles_TransientAndPartial(t *testing.T) {
	deleter := newFlakyDeleter(map[string]int{
		"a": 2,  // удаётся с третьей попытки
		"b": -1, // не удаётся никогда
		"d": -1,
	})
	c := NewCleaner(deleter, 2, testLogger())

	err := c.DeleteFiles(context.Background(), []string{"d", "a", "b", "c"}, testPolicy())
	var fde *FileDeletionError
	if !errors.As(err, &fde) {
		t.Fatalf("ожидалась *FileDeletionError, получено %v", err)
	}
	if len(fde.Files) != 2 || fde.Files[0] != "b" || fde.Files[1] != "d" {
		t.Errorf("неудалённые файлы: хотели [b d], получили %v", fde.Files)
	}
	if !deleter.deleted["a"] || !deleter.deleted["c"] {
		t.Errorf("a и c должны быть удалены: %v", deleter.deleted)
	}
	if deleter.attempts["a"] != 3 {
		t.Errorf("попыток для a: хотели 3, получили %d", deleter.attempts["a"])
	}
}

func TestDeleteFiles_Idempotent(t *testing.T) {
	fio, err := fileio.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	ctx := context.Background()

	paths := []string{"t/change/x-1.jsonl", "t/change/x-2.jsonl"}
	for _, p := range paths {
		out, err := fio.Create(ctx, p)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if _, err := out.Write([]byte("{}\n")); err != nil {
			t.Fatalf("Write: %v", err)
		}
		if err := out.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}

	c := NewCleaner(fio, 8, testLogger())
	if err := c.DeleteFiles(ctx, paths, testPolicy()); err != nil {
		t.Fatalf("первое удаление: %v", err)
	}
	if err := c.DeleteFiles(ctx, paths, testPolicy()); err != nil {
		t.Errorf("повторное удаление: %v", err)
	}
	for _, p := range paths {
		if ok, _ := fileio.Exists(ctx, fio, p); ok {
			t.Errorf("файл %s не удалён", p)
		}
	}
}

func TestDeleteFiles_CancelledContext(t *testing.T) {
	deleter := newFlakyDeleter(map[string]int{"f": -1})
	c := NewCleaner(deleter, 1, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	policy := testPolicy()
	policy.MinWait = time.Hour
	policy.MaxWait = time.Hour

	start := time.Now()
	err := c.DeleteFiles(ctx, []string{"f"}, policy)
	if !errors.Is(err, ErrFileDeletion) {
		t.Fatalf("ожидалась ErrFileDeletion, получено %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("отменённый контекст не должен ждать паузы повторов")
	}
	if deleter.attempts["f"] != 1 {
		t.Errorf("попыток: хотели 1, получили %d", deleter.attempts["f"])
	}
}

func TestDeleteFiles_Empty(t *testing.T) {
	c := NewCleaner(newFlakyDeleter(nil), 1, testLogger())
	if err := c.DeleteFiles(context.Background(), nil, testPolicy()); err != nil {
		t.Errorf("пустой список: %v", err)
	}
}

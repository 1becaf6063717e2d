package fileio

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

// TestLocal_CreateClose проверяет атомарную публикацию файла при Close.
func TestLocal_CreateClose(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	l, err := NewLocal(root)
	if err != nil {
		t.Fatalf("ошибка создания Local: %v", err)
	}

	f, err := l.Create(ctx, "tbl/change/region=eu/1-I-0-0-abc-0.jsonl")
	if err != nil {
		t.Fatalf("ошибка Create: %v", err)
	}
	if _, err := f.Write([]byte("{\"id\":1}\n")); err != nil {
		t.Fatalf("ошибка Write: %v", err)
	}

	// До Close файл не виден под итоговым путём
	if ok, _ := Exists(ctx, l, "tbl/change/region=eu/1-I-0-0-abc-0.jsonl"); ok {
		t.Fatal("файл не должен быть виден до Close")
	}

	if err := f.Close(); err != nil {
		t.Fatalf("ошибка Close: %v", err)
	}

	info, err := l.Stat(ctx, "tbl/change/region=eu/1-I-0-0-abc-0.jsonl")
	if err != nil {
		t.Fatalf("ошибка Stat: %v", err)
	}
	if info.Size != 9 {
		t.Errorf("размер: ожидалось 9, получено %d", info.Size)
	}

	rc, err := l.Open(ctx, "tbl/change/region=eu/1-I-0-0-abc-0.jsonl")
	if err != nil {
		t.Fatalf("ошибка Open: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "{\"id\":1}\n" {
		t.Errorf("содержимое: получено %q", data)
	}

	// temp файл удалён
	if _, err := os.Stat(filepath.Join(root, "tbl/change/region=eu/1-I-0-0-abc-0.jsonl.tmp")); err == nil {
		t.Error("temp файл не удалён")
	}
}

// TestLocal_Discard проверяет отмену записи.
func TestLocal_Discard(t *testing.T) {
	ctx := context.Background()
	l, _ := NewLocal(t.TempDir())

	f, err := l.Create(ctx, "a/b.jsonl")
	if err != nil {
		t.Fatalf("ошибка Create: %v", err)
	}
	f.Write([]byte("partial"))
	if err := f.Discard(); err != nil {
		t.Fatalf("ошибка Discard: %v", err)
	}

	if ok, _ := Exists(ctx, l, "a/b.jsonl"); ok {
		t.Error("файл не должен существовать после Discard")
	}
	// Повторный Close после Discard — no-op
	if err := f.Close(); err != nil {
		t.Errorf("Close после Discard: %v", err)
	}
}

// TestLocal_DeleteIdempotent проверяет, что удаление отсутствующего файла — не ошибка.
func TestLocal_DeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	l, _ := NewLocal(t.TempDir())

	f, _ := l.Create(ctx, "x.jsonl")
	f.Close()

	if err := l.Delete(ctx, "x.jsonl"); err != nil {
		t.Fatalf("первое удаление: %v", err)
	}
	if err := l.Delete(ctx, "x.jsonl"); err != nil {
		t.Errorf("повторное удаление должно быть no-op, получено %v", err)
	}
	if _, err := l.Stat(ctx, "x.jsonl"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Stat: ожидалась ErrNotFound, получено %v", err)
	}
}

// TestLocal_CreateExisting проверяет отказ при повторном создании пути.
func TestLocal_CreateExisting(t *testing.T) {
	ctx := context.Background()
	l, _ := NewLocal(t.TempDir())

	f, _ := l.Create(ctx, "dup.jsonl")
	f.Close()

	if _, err := l.Create(ctx, "dup.jsonl"); err == nil {
		t.Error("ожидалась ошибка при создании существующего файла")
	}
}

// TestLocal_PathEscape проверяет отказ для путей вне корня.
func TestLocal_PathEscape(t *testing.T) {
	ctx := context.Background()
	l, _ := NewLocal(t.TempDir())

	for _, p := range []string{"../evil", "/etc/passwd", "", "a/../../b"} {
		if _, err := l.Create(ctx, p); err == nil {
			t.Errorf("Create(%q): ожидалась ошибка", p)
		}
		if err := l.Delete(ctx, p); err == nil {
			t.Errorf("Delete(%q): ожидалась ошибка", p)
		}
	}
}

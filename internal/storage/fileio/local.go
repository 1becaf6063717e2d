package fileio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Local — FileIO поверх директории на диске.
type Local struct {
	// rootDir — корневая директория файлов таблиц (KS_DATA_DIR)
	rootDir string
}

// NewLocal создаёт FileIO в директории rootDir.
// Создаёт директорию, если она не существует.
func NewLocal(rootDir string) (*Local, error) {
	if err := os.MkdirAll(rootDir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию данных %s: %w", rootDir, err)
	}
	return &Local{rootDir: rootDir}, nil
}

// RootDir возвращает корневую директорию.
func (l *Local) RootDir() string {
	return l.rootDir
}

// fullPath преобразует относительный путь в путь на диске.
// Пути, выходящие за rootDir, отклоняются.
func (l *Local) fullPath(path string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(path))
	if clean == "." || filepath.IsAbs(clean) || clean == ".." ||
		strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("недопустимый путь файла %q", path)
	}
	return filepath.Join(l.rootDir, clean), nil
}

// Create открывает temp файл; Close выполняет fsync и атомарный rename.
func (l *Local) Create(_ context.Context, path string) (OutputFile, error) {
	full, err := l.fullPath(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return nil, fmt.Errorf("ошибка создания директории %s: %w", filepath.Dir(full), err)
	}

	// Итоговый файл не должен существовать: пути файлов уникальны
	if _, err := os.Stat(full); err == nil {
		return nil, fmt.Errorf("файл уже существует: %s", path)
	}

	tmpPath := full + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания временного файла: %w", err)
	}
	return &localFile{f: f, tmpPath: tmpPath, fullPath: full}, nil
}

// localFile — файл в процессе записи.
type localFile struct {
	f        *os.File
	tmpPath  string
	fullPath string
	done     bool
}

func (lf *localFile) Write(p []byte) (int, error) {
	if lf.done {
		return 0, os.ErrClosed
	}
	return lf.f.Write(p)
}

// Close: fsync → close → атомарный rename. При ошибке temp файл удаляется.
func (lf *localFile) Close() error {
	if lf.done {
		return nil
	}
	lf.done = true

	if err := lf.f.Sync(); err != nil {
		lf.f.Close()
		os.Remove(lf.tmpPath)
		return fmt.Errorf("ошибка fsync: %w", err)
	}
	if err := lf.f.Close(); err != nil {
		os.Remove(lf.tmpPath)
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}
	if err := os.Rename(lf.tmpPath, lf.fullPath); err != nil {
		os.Remove(lf.tmpPath)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}
	return nil
}

// Discard закрывает и удаляет temp файл.
func (lf *localFile) Discard() error {
	if lf.done {
		return nil
	}
	lf.done = true
	lf.f.Close()
	if err := os.Remove(lf.tmpPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("ошибка удаления временного файла: %w", err)
	}
	return nil
}

// Open открывает файл на чтение.
func (l *Local) Open(_ context.Context, path string) (io.ReadCloser, error) {
	full, err := l.fullPath(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("ошибка открытия файла %s: %w", path, err)
	}
	return f, nil
}

// Delete удаляет файл. Возвращает nil, если файл уже не существует.
func (l *Local) Delete(_ context.Context, path string) error {
	full, err := l.fullPath(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("ошибка удаления файла %s: %w", path, err)
	}
	return nil
}

// Stat возвращает размер файла.
func (l *Local) Stat(_ context.Context, path string) (FileInfo, error) {
	full, err := l.fullPath(path)
	if err != nil {
		return FileInfo{}, err
	}
	info, err := os.Stat(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return FileInfo{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return FileInfo{}, fmt.Errorf("ошибка получения информации о файле %s: %w", path, err)
	}
	return FileInfo{Path: path, Size: info.Size()}, nil
}

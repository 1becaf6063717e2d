// Пакет fileio — слой файлового ввода-вывода для файлов данных таблиц.
//
// Пути — относительные, с разделителем "/" (как ключи объектного хранилища).
// Реализации: Local (директория на диске) и S3 (minio-go).
package fileio

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound — файл не существует.
var ErrNotFound = errors.New("файл не найден")

// OutputFile — файл, открытый на запись.
// Close публикует файл под итоговым путём; Discard отменяет запись.
type OutputFile interface {
	io.Writer
	Close() error
	Discard() error
}

// FileInfo — сведения о файле.
type FileInfo struct {
	Path string
	Size int64
}

// FileIO — операции над файлами, которые требуются пути записи.
type FileIO interface {
	// Create открывает новый файл на запись.
	Create(ctx context.Context, path string) (OutputFile, error)
	// Open открывает файл на чтение.
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	// Delete удаляет файл. Отсутствующий файл — не ошибка.
	Delete(ctx context.Context, path string) error
	// Stat возвращает сведения о файле или ErrNotFound.
	Stat(ctx context.Context, path string) (FileInfo, error)
}

// Exists проверяет существование файла.
func Exists(ctx context.Context, fio FileIO, path string) (bool, error) {
	_, err := fio.Stat(ctx, path)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

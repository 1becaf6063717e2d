package model

import (
	"errors"
	"fmt"
)

// ErrDuplicateFile — один и тот же файл встречается в нескольких сообщениях коммита.
var ErrDuplicateFile = errors.New("файл встречается в сообщениях коммита более одного раза")

// TransactionID — монотонный идентификатор транзакции записи.
// Никогда не переиспользуется, в том числе после abort.
type TransactionID int64

// FileFormat — формат физического файла.
type FileFormat string

// FormatJSONLines — строки в формате JSON Lines.
const FormatJSONLines FileFormat = "jsonl"

// FileContent — содержимое файла.
type FileContent string

const (
	// ContentData — строки данных (insert)
	ContentData FileContent = "data"
	// ContentEqualityDeletes — ключи удаляемых строк (delete by primary key)
	ContentEqualityDeletes FileContent = "equality_deletes"
)

// DataFile — файл, созданный задачей записи.
// До попадания в CommitMessage принадлежит задаче, после — хранилищу
// (успешный коммит) или AbortCleaner (отказ).
type DataFile struct {
	Path          string        `json:"path"`
	Partition     Partition     `json:"partition,omitempty"`
	Format        FileFormat    `json:"format"`
	Content       FileContent   `json:"content"`
	Size          int64         `json:"size"`
	RecordCount   int64         `json:"record_count"`
	TransactionID TransactionID `json:"transaction_id"`
}

// CommitMessage — отчёт одной задачи записи о созданных файлах.
type CommitMessage struct {
	PartitionID int        `json:"partition_id"`
	TaskID      int64      `json:"task_id"`
	Files       []DataFile `json:"files"`
}

// Files возвращает объединение файлов всех сообщений в порядке следования.
// Сообщения одного батча не пересекаются: повтор пути — ErrDuplicateFile.
func Files(messages []CommitMessage) ([]DataFile, error) {
	seen := make(map[string]bool)
	var files []DataFile
	for _, msg := range messages {
		for _, f := range msg.Files {
			if seen[f.Path] {
				return nil, fmt.Errorf("%w: %s (task %d)", ErrDuplicateFile, f.Path, msg.TaskID)
			}
			seen[f.Path] = true
			files = append(files, f)
		}
	}
	return files, nil
}

// Paths возвращает множество путей всех файлов без повторов.
// Используется при abort, где пересечение сообщений не считается ошибкой.
func Paths(messages []CommitMessage) []string {
	seen := make(map[string]bool)
	var paths []string
	for _, msg := range messages {
		for _, f := range msg.Files {
			if seen[f.Path] {
				continue
			}
			seen[f.Path] = true
			paths = append(paths, f.Path)
		}
	}
	return paths
}

// WriteMode — режим записи батча. Фиксирован для одного экземпляра BatchWrite.
type WriteMode int

const (
	// ModeAppend — добавление изменений в change store
	ModeAppend WriteMode = iota + 1
	// ModeDynamicOverwrite — замена затронутых партиций base store
	ModeDynamicOverwrite
	// ModeOverwriteByFilter — замена строк base store, подходящих под предикат
	ModeOverwriteByFilter
	// ModeUpsert — upsert через change store (разрешение при оптимизации)
	ModeUpsert
)

// String возвращает имя режима для логов и метрик.
func (m WriteMode) String() string {
	switch m {
	case ModeAppend:
		return "append"
	case ModeDynamicOverwrite:
		return "dynamic_overwrite"
	case ModeOverwriteByFilter:
		return "overwrite_by_filter"
	case ModeUpsert:
		return "upsert"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// TargetStore возвращает хранилище, в которое пишет режим.
func (m WriteMode) TargetStore() StoreKind {
	switch m {
	case ModeDynamicOverwrite, ModeOverwriteByFilter:
		return StoreBase
	default:
		return StoreChange
	}
}

// ParseWriteMode преобразует имя режима в WriteMode.
func ParseWriteMode(s string) (WriteMode, error) {
	for _, m := range []WriteMode{ModeAppend, ModeDynamicOverwrite, ModeOverwriteByFilter, ModeUpsert} {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("неизвестный режим записи %q", s)
}

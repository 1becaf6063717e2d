package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bigkaa/goartstore/keyed-store/internal/domain/model"
)

// ErrNotPending — запись уже завершена.
var ErrNotPending = errors.New("запись журнала не в статусе pending")

// ErrEntryNotFound — запись журнала отсутствует.
var ErrEntryNotFound = errors.New("запись журнала не найдена")

// ErrClaimed — запись захвачена восстановлением, батч будет отменён им.
var ErrClaimed = errors.New("запись журнала захвачена восстановлением")

// ErrEntryActive — координатор батча недавно обновлял запись.
var ErrEntryActive = errors.New("батч записи журнала активен")

// ErrEntryLocked — lock-файл записи не удалось получить за lockTimeout.
var ErrEntryLocked = errors.New("запись журнала заблокирована")

const (
	// lockTimeout — максимальное ожидание lock-файла записи
	lockTimeout = 5 * time.Second
	// lockRetryDelay — пауза между попытками взять lock-файл
	lockRetryDelay = 5 * time.Millisecond
	// lockStaleAfter — lock-файл старше считается брошенным упавшим процессом
	lockStaleAfter = 30 * time.Second
)

// Journal — файловый журнал батчей.
// Все изменения записей атомарны: temp файл → fsync → rename.
// Чтение-изменение-запись выполняется под lock-файлом записи,
// поэтому журнал можно разделять между процессами.
type Journal struct {
	// dir — директория файлов журнала (KS_JOURNAL_DIR)
	dir    string
	mu     sync.Mutex
	logger *slog.Logger
	now    func() time.Time
}

// New создаёт журнал. Проверяет и создаёт директорию,
// проверяет её доступность на запись.
func New(dir string, logger *slog.Logger) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию журнала %s: %w", dir, err)
	}

	testFile := filepath.Join(dir, ".journal_write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o640); err != nil {
		return nil, fmt.Errorf("директория журнала %s недоступна для записи: %w", dir, err)
	}
	os.Remove(testFile)

	return &Journal{
		dir:    dir,
		logger: logger.With(slog.String("component", "journal")),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Prepare создаёт pending запись для батча.
func (j *Journal) Prepare(table model.TableIdentifier, txID model.TransactionID, mode string) (*Entry, error) {
	now := j.now()
	entry := &Entry{
		ID:            EntryID(table, txID),
		Table:         table,
		TransactionID: txID,
		Mode:          mode,
		Status:        StatusPending,
		StartedAt:     now,
		UpdatedAt:     now,
	}

	err := j.withLock(entry.ID, func() error {
		if _, err := os.Stat(j.entryPath(entry.ID)); err == nil {
			return fmt.Errorf("запись журнала %s уже существует", entry.ID)
		}
		if err := j.writeEntry(entry); err != nil {
			return fmt.Errorf("не удалось создать запись журнала: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	j.logger.Debug("Батч открыт",
		slog.String("entry_id", entry.ID),
		slog.String("mode", mode),
	)
	return entry, nil
}

// RecordFiles добавляет пути файлов в pending запись (без повторов)
// и обновляет heartbeat.
func (j *Journal) RecordFiles(id string, paths []string) error {
	return j.withLock(id, func() error {
		entry, err := j.readPending(id)
		if err != nil {
			return err
		}

		seen := make(map[string]bool, len(entry.Files))
		for _, p := range entry.Files {
			seen[p] = true
		}
		for _, p := range paths {
			if !seen[p] {
				seen[p] = true
				entry.Files = append(entry.Files, p)
			}
		}
		entry.UpdatedAt = j.now()

		if err := j.writeEntry(entry); err != nil {
			return fmt.Errorf("не удалось обновить запись журнала %s: %w", id, err)
		}
		return nil
	})
}

// Touch обновляет heartbeat pending записи.
// ErrClaimed — запись уже захвачена восстановлением.
func (j *Journal) Touch(id string) error {
	return j.withLock(id, func() error {
		entry, err := j.readPending(id)
		if err != nil {
			return err
		}
		entry.UpdatedAt = j.now()
		if err := j.writeEntry(entry); err != nil {
			return fmt.Errorf("не удалось обновить запись журнала %s: %w", id, err)
		}
		return nil
	})
}

// Commit помечает батч как зафиксированный.
func (j *Journal) Commit(id string) error {
	return j.complete(id, StatusPending, StatusCommitted)
}

// Abort помечает батч как отменённый.
// Повторный Abort завершённой abort-записи — no-op.
func (j *Journal) Abort(id string) error {
	err := j.complete(id, StatusPending, StatusAborted)
	if errors.Is(err, ErrNotPending) {
		entry, readErr := j.Get(id)
		if readErr == nil && entry.Status == StatusAborted {
			return nil
		}
	}
	return err
}

// Claim захватывает запись для восстановления: pending запись,
// последний heartbeat которой раньше staleBefore (или recovering запись,
// захваченная раньше staleBefore), переводится в recovering.
// Возвращает актуальную запись. ErrEntryActive — батч ещё жив.
func (j *Journal) Claim(id string, staleBefore time.Time) (*Entry, error) {
	var claimed *Entry
	err := j.withLock(id, func() error {
		entry, err := j.readEntry(id)
		if err != nil {
			return err
		}

		switch entry.Status {
		case StatusPending:
			if !entry.LastActive().Before(staleBefore) {
				return fmt.Errorf("%w: %s", ErrEntryActive, id)
			}
		case StatusRecovering:
			// Захват упавшего процесса восстановления
			if entry.ClaimedAt != nil && !entry.ClaimedAt.Before(staleBefore) {
				return fmt.Errorf("%w: %s", ErrClaimed, id)
			}
		default:
			return fmt.Errorf("%w: %s имеет статус %s", ErrNotPending, id, entry.Status)
		}

		now := j.now()
		entry.Status = StatusRecovering
		entry.ClaimedAt = &now
		if err := j.writeEntry(entry); err != nil {
			return fmt.Errorf("не удалось обновить запись журнала %s: %w", id, err)
		}
		claimed = entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Resolve завершает захваченную запись итоговым статусом.
func (j *Journal) Resolve(id string, status EntryStatus) error {
	if status != StatusCommitted && status != StatusAborted {
		return fmt.Errorf("недопустимый итоговый статус записи журнала: %s", status)
	}
	return j.complete(id, StatusRecovering, status)
}

// Release возвращает захваченную запись в pending без обновления
// heartbeat: следующий цикл восстановления снова её обработает.
func (j *Journal) Release(id string) error {
	return j.withLock(id, func() error {
		entry, err := j.readEntry(id)
		if err != nil {
			return err
		}
		if entry.Status != StatusRecovering {
			return fmt.Errorf("запись журнала %s не захвачена: статус %s", id, entry.Status)
		}
		entry.Status = StatusPending
		entry.ClaimedAt = nil
		if err := j.writeEntry(entry); err != nil {
			return fmt.Errorf("не удалось обновить запись журнала %s: %w", id, err)
		}
		return nil
	})
}

// complete переводит запись из статуса from в итоговый статус.
func (j *Journal) complete(id string, from, status EntryStatus) error {
	var entry *Entry
	err := j.withLock(id, func() error {
		var err error
		if from == StatusPending {
			entry, err = j.readPending(id)
		} else {
			entry, err = j.readEntry(id)
			if err == nil && entry.Status != from {
				err = fmt.Errorf("%w: %s имеет статус %s", ErrNotPending, id, entry.Status)
			}
		}
		if err != nil {
			return err
		}

		now := j.now()
		entry.Status = status
		entry.CompletedAt = &now
		if err := j.writeEntry(entry); err != nil {
			return fmt.Errorf("не удалось обновить запись журнала %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	j.logger.Debug("Батч завершён",
		slog.String("entry_id", id),
		slog.String("status", string(status)),
		slog.Int("files", len(entry.Files)),
		slog.Duration("duration", entry.CompletedAt.Sub(entry.StartedAt)),
	)
	return nil
}

// RecoverPending возвращает незавершённые записи: pending и recovering.
// Вызывается при старте и периодически RecoveryService.
func (j *Journal) RecoverPending() ([]*Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	paths, err := filepath.Glob(filepath.Join(j.dir, "*.wal.json"))
	if err != nil {
		return nil, fmt.Errorf("не удалось сканировать директорию журнала: %w", err)
	}

	var pending []*Entry
	for _, path := range paths {
		id := strings.TrimSuffix(filepath.Base(path), ".wal.json")
		entry, err := j.readEntry(id)
		if err != nil {
			j.logger.Warn("Не удалось прочитать запись журнала при восстановлении",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		if entry.Status == StatusPending || entry.Status == StatusRecovering {
			pending = append(pending, entry)
		}
	}
	return pending, nil
}

// Get читает запись по идентификатору.
func (j *Journal) Get(id string) (*Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.readEntry(id)
}

// CleanCompleted удаляет завершённые записи старше olderThan.
func (j *Journal) CleanCompleted(olderThan time.Duration) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	paths, err := filepath.Glob(filepath.Join(j.dir, "*.wal.json"))
	if err != nil {
		return 0, fmt.Errorf("не удалось сканировать директорию журнала: %w", err)
	}

	threshold := j.now().Add(-olderThan)
	cleaned := 0
	for _, path := range paths {
		id := strings.TrimSuffix(filepath.Base(path), ".wal.json")
		entry, err := j.readEntry(id)
		if err != nil || entry.Status == StatusPending || entry.Status == StatusRecovering {
			continue
		}
		if entry.CompletedAt != nil && entry.CompletedAt.After(threshold) {
			continue
		}
		if err := os.Remove(path); err != nil {
			j.logger.Warn("Не удалось удалить завершённую запись журнала",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		cleaned++
	}

	if cleaned > 0 {
		j.logger.Info("Очистка журнала завершена", slog.Int("cleaned", cleaned))
	}
	return cleaned, nil
}

// Dir возвращает путь к директории журнала.
func (j *Journal) Dir() string {
	return j.dir
}

func (j *Journal) entryPath(id string) string {
	return filepath.Join(j.dir, entryFileName(id))
}

// withLock выполняет fn под мьютексом журнала и lock-файлом записи.
// Lock-файл создаётся с O_EXCL; брошенный lock (старше lockStaleAfter)
// удаляется.
func (j *Journal) withLock(id string, fn func() error) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	lockPath := filepath.Join(j.dir, lockFileName(id))
	deadline := time.Now().Add(lockTimeout)
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
		if err == nil {
			f.Close()
			break
		}
		if !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("ошибка создания lock-файла %s: %w", lockPath, err)
		}
		if info, statErr := os.Stat(lockPath); statErr == nil && time.Since(info.ModTime()) > lockStaleAfter {
			j.logger.Warn("Удаление брошенного lock-файла записи журнала", slog.String("entry_id", id))
			os.Remove(lockPath)
			continue
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s", ErrEntryLocked, id)
		}
		time.Sleep(lockRetryDelay)
	}
	defer os.Remove(lockPath)

	return fn()
}

// readPending читает запись и проверяет статус pending.
func (j *Journal) readPending(id string) (*Entry, error) {
	entry, err := j.readEntry(id)
	if err != nil {
		return nil, err
	}
	switch entry.Status {
	case StatusPending:
		return entry, nil
	case StatusRecovering:
		return nil, fmt.Errorf("%w: %s", ErrClaimed, id)
	default:
		return nil, fmt.Errorf("%w: %s имеет статус %s", ErrNotPending, id, entry.Status)
	}
}

// writeEntry атомарно записывает запись на диск.
// Паттерн: temp файл → fsync → atomic rename.
func (j *Journal) writeEntry(entry *Entry) error {
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("ошибка сериализации: %w", err)
	}

	targetPath := j.entryPath(entry.ID)
	tmpPath := targetPath + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка записи: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}
	if err := os.Rename(tmpPath, targetPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}
	return nil
}

// readEntry читает запись из файла.
func (j *Journal) readEntry(id string) (*Entry, error) {
	data, err := os.ReadFile(j.entryPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
		}
		return nil, fmt.Errorf("ошибка чтения файла: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("ошибка десериализации: %w", err)
	}
	return &entry, nil
}

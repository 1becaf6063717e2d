// Пакет journal — файловый журнал батчей записи.
//
// Каждый батч — отдельный файл {catalog.database.name}.{tx_id}.wal.json
// в KS_JOURNAL_DIR. Запись создаётся со статусом pending до коммита
// и переводится в committed или aborted по его итогу. Координатор
// батча периодически обновляет UpdatedAt (heartbeat). Pending записи,
// не обновлявшиеся дольше KS_RECOVERY_MIN_AGE, RecoveryService
// захватывает (статус recovering) и завершает.
package journal

import (
	"fmt"
	"time"

	"github.com/bigkaa/goartstore/keyed-store/internal/domain/model"
)

// EntryStatus — статус записи журнала.
type EntryStatus string

const (
	// StatusPending — батч открыт, итог коммита неизвестен
	StatusPending EntryStatus = "pending"
	// StatusCommitted — файлы батча зарегистрированы в хранилище
	StatusCommitted EntryStatus = "committed"
	// StatusAborted — файлы батча удалены (или переданы на удаление)
	StatusAborted EntryStatus = "aborted"
	// StatusRecovering — запись захвачена восстановлением,
	// координатор батча не может её изменить
	StatusRecovering EntryStatus = "recovering"
)

// Entry — запись журнала. Хранится как JSON-файл.
type Entry struct {
	// ID — {catalog.database.name}.{tx_id}
	ID string `json:"id"`

	Table         model.TableIdentifier `json:"table"`
	TransactionID model.TransactionID   `json:"transaction_id"`
	Mode          string                `json:"mode"`

	// Status — текущий статус батча
	Status EntryStatus `json:"status"`

	// Files — пути файлов батча (заполняются перед коммитом или abort)
	Files []string `json:"files,omitempty"`

	// StartedAt — время открытия батча (UTC)
	StartedAt time.Time `json:"started_at"`

	// UpdatedAt — последний heartbeat координатора (UTC)
	UpdatedAt time.Time `json:"updated_at"`

	// ClaimedAt — время захвата восстановлением. nil, если не захвачена.
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`

	// CompletedAt — время завершения. nil для pending.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// LastActive возвращает время последней активности батча.
// Записи без heartbeat (старый формат) отсчитываются от StartedAt.
func (e *Entry) LastActive() time.Time {
	if e.UpdatedAt.IsZero() {
		return e.StartedAt
	}
	return e.UpdatedAt
}

// EntryID возвращает идентификатор записи для батча.
func EntryID(table model.TableIdentifier, txID model.TransactionID) string {
	return fmt.Sprintf("%s.%d", table, txID)
}

// entryFileName возвращает имя файла записи.
func entryFileName(id string) string {
	return id + ".wal.json"
}

// lockFileName возвращает имя lock-файла записи.
func lockFileName(id string) string {
	return id + ".wal.lock"
}

// recovery.go — восстановление батчей, брошенных при падении процесса.
//
// Для каждой pending-записи журнала без heartbeat дольше minAge:
//  1. Запись захватывается (recovering): координатор батча больше
//     не может её изменить и не выполнит коммит
//  2. Транзакция зафиксирована в metastore — запись отмечается committed
//  3. Иначе файлы батча удаляются и запись отмечается aborted
//
// Записи таблиц, неизвестных metastore, не обрабатываются: итог их
// коммита проверить нельзя.
//
// Запускается при старте, периодически (KS_RECOVERY_INTERVAL)
// и по запросу maintenance API.
package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/keyed-store/internal/domain/retry"
	"github.com/bigkaa/goartstore/keyed-store/internal/metastore"
	"github.com/bigkaa/goartstore/keyed-store/internal/storage/journal"
)

// Prometheus метрики восстановления
var (
	// recoveryRunsTotal — количество запусков восстановления.
	recoveryRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ks_recovery_runs_total",
		Help: "Общее количество запусков восстановления журнала",
	})

	// recoveryEntriesTotal — обработанные записи журнала по результату.
	recoveryEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ks_recovery_entries_total",
		Help: "Количество обработанных pending-записей журнала",
	}, []string{"result"})
)

// RecoveryResult — результат одного запуска восстановления.
type RecoveryResult struct {
	// Committed — записи, чьи транзакции оказались зафиксированы
	Committed int `json:"committed"`
	// Aborted — записи, файлы которых удалены
	Aborted int `json:"aborted"`
	// Skipped — активные батчи и записи неизвестных таблиц
	Skipped int `json:"skipped"`
	// Failed — записи, которые не удалось обработать
	Failed int `json:"failed"`
	// Cleaned — удалённые завершённые записи старше retention
	Cleaned int `json:"cleaned"`
	// Duration — длительность выполнения
	Duration time.Duration `json:"duration_ns"`
}

// RecoveryService — фоновое восстановление журнала батчей.
type RecoveryService struct {
	journal   *journal.Journal
	reader    metastore.Reader
	tables    metastore.TableLoader
	cleaner   *Cleaner
	interval  time.Duration
	minAge    time.Duration
	retention time.Duration
	logger    *slog.Logger

	mu     sync.Mutex // защита от параллельного запуска RunOnce
	cancel context.CancelFunc
	now    func() time.Time
}

// NewRecoveryService создаёт сервис восстановления.
func NewRecoveryService(
	j *journal.Journal,
	reader metastore.Reader,
	tables metastore.TableLoader,
	cleaner *Cleaner,
	interval, minAge, retention time.Duration,
	logger *slog.Logger,
) *RecoveryService {
	return &RecoveryService{
		journal:   j,
		reader:    reader,
		tables:    tables,
		cleaner:   cleaner,
		interval:  interval,
		minAge:    minAge,
		retention: retention,
		logger:    logger.With(slog.String("component", "recovery")),
		now:       time.Now,
	}
}

// Start запускает фоновую горутину восстановления.
func (s *RecoveryService) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	go s.run(runCtx)

	s.logger.Info("Восстановление журнала запущено",
		slog.String("interval", s.interval.String()),
		slog.String("min_age", s.minAge.String()),
	)
}

// Stop останавливает фоновый процесс.
func (s *RecoveryService) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.logger.Info("Восстановление журнала остановлено")
}

// run — основной цикл фоновой горутины.
func (s *RecoveryService) run(ctx context.Context) {
	// Первый запуск — сразу после старта
	s.RunOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один цикл восстановления.
// Потокобезопасен: параллельные вызовы выполняются последовательно.
func (s *RecoveryService) RunOnce(ctx context.Context) *RecoveryResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := s.now()
	result := &RecoveryResult{}
	recoveryRunsTotal.Inc()

	entries, err := s.journal.RecoverPending()
	if err != nil {
		s.logger.Error("Ошибка чтения журнала", slog.String("error", err.Error()))
		result.Failed++
		result.Duration = time.Since(start)
		return result
	}

	staleBefore := s.now().Add(-s.minAge)
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		if entry.Status == journal.StatusPending && !entry.LastActive().Before(staleBefore) {
			result.Skipped++
			continue
		}
		switch s.recoverEntry(ctx, entry.ID, staleBefore) {
		case outcomeCommitted:
			result.Committed++
			recoveryEntriesTotal.WithLabelValues("committed").Inc()
		case outcomeAborted:
			result.Aborted++
			recoveryEntriesTotal.WithLabelValues("aborted").Inc()
		case outcomeSkipped:
			result.Skipped++
			recoveryEntriesTotal.WithLabelValues("skipped").Inc()
		default:
			result.Failed++
			recoveryEntriesTotal.WithLabelValues("failed").Inc()
		}
	}

	if s.retention > 0 {
		cleaned, err := s.journal.CleanCompleted(s.retention)
		if err != nil {
			s.logger.Warn("Ошибка очистки журнала", slog.String("error", err.Error()))
		}
		result.Cleaned = cleaned
	}

	result.Duration = time.Since(start)
	if len(entries) > 0 || result.Cleaned > 0 {
		s.logger.Info("Восстановление журнала завершено",
			slog.Int("committed", result.Committed),
			slog.Int("aborted", result.Aborted),
			slog.Int("skipped", result.Skipped),
			slog.Int("failed", result.Failed),
			slog.Int("cleaned", result.Cleaned),
			slog.Duration("duration", result.Duration),
		)
	}
	return result
}

// recoveryOutcome — итог обработки одной записи журнала.
type recoveryOutcome int

const (
	outcomeFailed recoveryOutcome = iota
	outcomeCommitted
	outcomeAborted
	outcomeSkipped
)

// recoverEntry захватывает и обрабатывает одну запись.
// При ошибке захват снимается, запись обрабатывается в следующем цикле.
func (s *RecoveryService) recoverEntry(ctx context.Context, id string, staleBefore time.Time) recoveryOutcome {
	log := s.logger.With(slog.String("entry", id))

	entry, err := s.journal.Claim(id, staleBefore)
	switch {
	case errors.Is(err, journal.ErrEntryActive),
		errors.Is(err, journal.ErrClaimed),
		errors.Is(err, journal.ErrNotPending),
		errors.Is(err, journal.ErrEntryNotFound):
		// Батч ожил, завершился или обрабатывается другим процессом
		return outcomeSkipped
	case err != nil:
		log.Warn("Не удалось захватить запись журнала", slog.String("error", err.Error()))
		return outcomeFailed
	}
	log = log.With(slog.Int("files", len(entry.Files)))

	committed, err := s.reader.IsCommitted(ctx, entry.Table, entry.TransactionID)
	switch {
	case errors.Is(err, metastore.ErrTableNotFound):
		log.Warn("Таблица записи журнала неизвестна metastore, запись пропущена",
			slog.String("table", entry.Table.String()),
		)
		s.release(log, id)
		return outcomeSkipped
	case err != nil:
		log.Warn("Не удалось проверить транзакцию", slog.String("error", err.Error()))
		s.release(log, id)
		return outcomeFailed
	}

	if committed {
		if err := s.journal.Resolve(id, journal.StatusCommitted); err != nil {
			log.Warn("Ошибка отметки записи committed", slog.String("error", err.Error()))
			return outcomeFailed
		}
		log.Info("Батч был зафиксирован до сбоя")
		return outcomeCommitted
	}

	if err := s.cleaner.DeleteFiles(ctx, entry.Files, s.policyFor(ctx, entry)); err != nil {
		log.Error("Файлы брошенного батча не удалены", slog.String("error", err.Error()))
		s.release(log, id)
		return outcomeFailed
	}
	if err := s.journal.Resolve(id, journal.StatusAborted); err != nil {
		log.Warn("Ошибка отметки записи aborted", slog.String("error", err.Error()))
		return outcomeFailed
	}
	log.Info("Брошенный батч отменён")
	return outcomeAborted
}

// release снимает захват записи.
func (s *RecoveryService) release(log *slog.Logger, id string) {
	if err := s.journal.Release(id); err != nil {
		log.Warn("Не удалось снять захват записи журнала", slog.String("error", err.Error()))
	}
}

// policyFor возвращает политику повторов таблицы записи
// или политику по умолчанию, если таблица недоступна.
func (s *RecoveryService) policyFor(ctx context.Context, entry *journal.Entry) retry.Policy {
	table, err := s.tables.LoadTable(ctx, entry.Table)
	if err != nil {
		return retry.Default()
	}
	policy, err := retry.FromProperties(table.Properties)
	if err != nil {
		s.logger.Warn("Некорректная политика повторов таблицы, используется по умолчанию",
			slog.String("table", entry.Table.String()),
			slog.String("error", err.Error()),
		)
		return retry.Default()
	}
	return policy
}

package optimizing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/keyed-store/internal/domain/model"
)

// ErrStatusChanged — compare-and-set проиграл гонку: персистентный статус
// таблицы отличается от ожидаемого.
var ErrStatusChanged = errors.New("статус оптимизации изменён конкурентно")

// transitionsTotal — количество применённых переходов статуса.
var transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ks_optimizing_transitions_total",
	Help: "Общее количество переходов статуса оптимизации",
}, []string{"from", "to", "result"})

// StatusStore — персистентный статус оптимизации таблицы
// с атомарным compare-and-set.
type StatusStore interface {
	// OptimizingStatus возвращает текущий статус таблицы.
	OptimizingStatus(ctx context.Context, id model.TableIdentifier) (Status, error)
	// CompareAndSetStatus атомарно меняет expected → next.
	// Возвращает ErrStatusChanged, если текущий статус не равен expected.
	CompareAndSetStatus(ctx context.Context, id model.TableIdentifier, expected, next Status) error
}

// Tracker — применение переходов статуса для планировщика.
// Каждый переход проверяется Lifecycle и выполняется через CAS хранилища,
// поэтому два планировщика не могут одновременно войти в PLANNING.
type Tracker struct {
	store     StatusStore
	lifecycle *Lifecycle
	logger    *slog.Logger
}

// NewTracker создаёт трекер статусов.
func NewTracker(store StatusStore, lifecycle *Lifecycle, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:     store,
		lifecycle: lifecycle,
		logger:    logger.With(slog.String("component", "optimizing_tracker")),
	}
}

// Transition выполняет переход from → to.
func (t *Tracker) Transition(ctx context.Context, id model.TableIdentifier, from, to Status) error {
	if err := t.lifecycle.Validate(from, to); err != nil {
		transitionsTotal.WithLabelValues(from.DisplayValue(), to.DisplayValue(), "invalid").Inc()
		return err
	}
	return t.apply(ctx, id, from, to)
}

// Abandon прерывает фазу планирования или оптимизации.
// Целевой статус определяется конфигурацией Lifecycle.
func (t *Tracker) Abandon(ctx context.Context, id model.TableIdentifier, from Status) (Status, error) {
	to, err := t.lifecycle.Abandon(from)
	if err != nil {
		transitionsTotal.WithLabelValues(from.DisplayValue(), "", "invalid").Inc()
		return 0, err
	}
	if err := t.apply(ctx, id, from, to); err != nil {
		return 0, err
	}
	return to, nil
}

// Current возвращает текущий статус таблицы.
func (t *Tracker) Current(ctx context.Context, id model.TableIdentifier) (Status, error) {
	return t.store.OptimizingStatus(ctx, id)
}

// apply выполняет CAS и учитывает результат в метриках.
func (t *Tracker) apply(ctx context.Context, id model.TableIdentifier, from, to Status) error {
	if err := t.store.CompareAndSetStatus(ctx, id, from, to); err != nil {
		result := "error"
		if errors.Is(err, ErrStatusChanged) {
			result = "conflict"
		}
		transitionsTotal.WithLabelValues(from.DisplayValue(), to.DisplayValue(), result).Inc()
		return fmt.Errorf("таблица %s: переход %s → %s: %w", id, from, to, err)
	}

	transitionsTotal.WithLabelValues(from.DisplayValue(), to.DisplayValue(), "ok").Inc()
	t.logger.Info("Статус оптимизации изменён",
		slog.String("table", id.String()),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
	return nil
}

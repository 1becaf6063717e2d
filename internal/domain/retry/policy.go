// Пакет retry — ограниченный экспоненциальный backoff для удаления файлов.
//
// Policy — чистое значение: расчёт задержки (Wait) отделён от цикла повторов,
// который выполняет github.com/cenkalti/backoff/v4 через адаптер NewBackOff.
//
// Соглашение о счёте попыток: MaxRetries — число повторов ПОСЛЕ первой
// попытки. Всего попыток: MaxRetries + 1. Для MaxRetries=3, MinWait=10ms,
// MaxWait=80ms задержки между попытками: 10, 20, 40 мс (4 попытки).
//
// TotalBudget действует всегда, включая 0, и проверяется начиная со второй
// неудачной попытки: первый повтор выполняется при любом бюджете. При
// total-timeout-ms=0 выполняется ровно две попытки.
package retry

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Ключи свойств таблицы. Имена и значения по умолчанию совместимы
// с существующими конфигурациями таблиц.
const (
	PropNumRetries     = "commit.retry.num-retries"
	PropMinWaitMs      = "commit.retry.min-wait-ms"
	PropMaxWaitMs      = "commit.retry.max-wait-ms"
	PropTotalTimeoutMs = "commit.retry.total-timeout-ms"
)

// Значения по умолчанию.
const (
	DefaultNumRetries     = 4
	DefaultMinWaitMs      = 100
	DefaultMaxWaitMs      = 60_000    // 1 минута
	DefaultTotalTimeoutMs = 1_800_000 // 30 минут
	DefaultBackoffFactor  = 2.0
)

// Policy — параметры повторов.
type Policy struct {
	// MaxRetries — число повторов после первой попытки
	MaxRetries int
	// MinWait — задержка перед первым повтором
	MinWait time.Duration
	// MaxWait — верхняя граница одной задержки
	MaxWait time.Duration
	// TotalBudget — суммарное время на все попытки одного файла.
	// Повторы прекращаются, когда прошедшее время превысило бюджет.
	TotalBudget time.Duration
	// BackoffFactor — множитель задержки (2.0)
	BackoffFactor float64
}

// Default возвращает политику со значениями по умолчанию.
func Default() Policy {
	return Policy{
		MaxRetries:    DefaultNumRetries,
		MinWait:       DefaultMinWaitMs * time.Millisecond,
		MaxWait:       DefaultMaxWaitMs * time.Millisecond,
		TotalBudget:   DefaultTotalTimeoutMs * time.Millisecond,
		BackoffFactor: DefaultBackoffFactor,
	}
}

// FromProperties строит политику из свойств таблицы.
// Отсутствующие ключи получают значения по умолчанию; нечисловые
// и отрицательные значения — ошибка конфигурации.
func FromProperties(props map[string]string) (Policy, error) {
	p := Default()

	numRetries, err := intProperty(props, PropNumRetries, DefaultNumRetries)
	if err != nil {
		return Policy{}, err
	}
	minWait, err := intProperty(props, PropMinWaitMs, DefaultMinWaitMs)
	if err != nil {
		return Policy{}, err
	}
	maxWait, err := intProperty(props, PropMaxWaitMs, DefaultMaxWaitMs)
	if err != nil {
		return Policy{}, err
	}
	total, err := intProperty(props, PropTotalTimeoutMs, DefaultTotalTimeoutMs)
	if err != nil {
		return Policy{}, err
	}

	p.MaxRetries = int(numRetries)
	p.MinWait = time.Duration(minWait) * time.Millisecond
	p.MaxWait = time.Duration(maxWait) * time.Millisecond
	p.TotalBudget = time.Duration(total) * time.Millisecond

	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// intProperty читает неотрицательное целое свойство.
func intProperty(props map[string]string, key string, defaultVal int64) (int64, error) {
	raw, ok := props[key]
	if !ok || raw == "" {
		return defaultVal, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("свойство %s: некорректное целое число %q: %w", key, raw, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("свойство %s: значение не может быть отрицательным: %d", key, v)
	}
	return v, nil
}

// Validate проверяет согласованность параметров.
func (p Policy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("число повторов не может быть отрицательным: %d", p.MaxRetries)
	}
	if p.MinWait > p.MaxWait {
		return fmt.Errorf("min-wait (%s) больше max-wait (%s)", p.MinWait, p.MaxWait)
	}
	if p.BackoffFactor < 1 {
		return fmt.Errorf("множитель backoff должен быть >= 1, получено %v", p.BackoffFactor)
	}
	return nil
}

// Attempts возвращает общее число попыток (первая + повторы).
func (p Policy) Attempts() int {
	return p.MaxRetries + 1
}

// Wait возвращает задержку перед повтором с индексом attempt (с нуля):
// min(MinWait * factor^attempt, MaxWait). Без jitter.
func (p Policy) Wait(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	factor := p.BackoffFactor
	if factor == 0 {
		factor = DefaultBackoffFactor
	}
	wait := float64(p.MinWait) * math.Pow(factor, float64(attempt))
	if wait > float64(p.MaxWait) || math.IsInf(wait, 1) {
		return p.MaxWait
	}
	return time.Duration(wait)
}

// NewBackOff адаптирует политику к backoff.BackOff.
// После исчерпания повторов или бюджета времени возвращает backoff.Stop.
func (p Policy) NewBackOff() backoff.BackOff {
	return &policyBackOff{policy: p, now: time.Now}
}

// policyBackOff — состояние одного цикла повторов.
type policyBackOff struct {
	policy  Policy
	now     func() time.Time
	attempt int
	start   time.Time
}

// NextBackOff возвращает следующую задержку или backoff.Stop.
func (b *policyBackOff) NextBackOff() time.Duration {
	if b.start.IsZero() {
		b.start = b.now()
	}
	if b.attempt >= b.policy.MaxRetries {
		return backoff.Stop
	}
	if b.attempt > 0 && b.now().Sub(b.start) > b.policy.TotalBudget {
		return backoff.Stop
	}
	wait := b.policy.Wait(b.attempt)
	b.attempt++
	return wait
}

// Reset начинает новый цикл повторов.
func (b *policyBackOff) Reset() {
	b.attempt = 0
	b.start = b.now()
}

package optimizing

import (
	"fmt"
)

// Коды ошибок переходов.
const (
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeInvalidStatus     = "INVALID_STATUS"
)

// validTransitions — матрица штатных переходов.
// Ключ — текущий статус, значение — набор допустимых целевых статусов.
// Переходы прерывания добавляются Lifecycle в зависимости от конфигурации.
var validTransitions = map[Status]map[Status]bool{
	Idle:            {Pending: true},
	Pending:         {Planning: true},
	Planning:        {MinorOptimizing: true, MajorOptimizing: true, FullOptimizing: true},
	MinorOptimizing: {Committing: true},
	MajorOptimizing: {Committing: true},
	FullOptimizing:  {Committing: true},
	Committing:      {Idle: true},
}

// Lifecycle — контракт жизненного цикла статуса оптимизации.
// Неизменяем после создания, безопасен для конкурентного использования.
type Lifecycle struct {
	abandonTarget Status
}

// NewLifecycle создаёт контракт с заданным статусом прерывания.
// Допустимые цели: Pending (изменения остаются в очереди) или Idle.
func NewLifecycle(abandonTarget Status) (*Lifecycle, error) {
	if abandonTarget != Pending && abandonTarget != Idle {
		return nil, fmt.Errorf("недопустимый статус прерывания %s, допустимые: pending, idle", abandonTarget)
	}
	return &Lifecycle{abandonTarget: abandonTarget}, nil
}

// ParseAbandonTarget разбирает статус прерывания из конфигурации.
func ParseAbandonTarget(s string) (Status, error) {
	st, err := OfDisplayValue(s)
	if err != nil {
		return 0, err
	}
	if st != Pending && st != Idle {
		return 0, fmt.Errorf("недопустимый статус прерывания %q, допустимые: pending, idle", s)
	}
	return st, nil
}

// AbandonTarget возвращает статус, в который переходит прерванная фаза.
func (l *Lifecycle) AbandonTarget() Status {
	return l.abandonTarget
}

// isAbandonable — фазы, которые можно прервать: планирование и оптимизация.
func isAbandonable(s Status) bool {
	return s == Planning || s.IsOptimizing()
}

// CanTransition проверяет допустимость перехода from → to,
// включая переход прерывания.
func (l *Lifecycle) CanTransition(from, to Status) bool {
	if transitions, ok := validTransitions[from]; ok && transitions[to] {
		return true
	}
	return isAbandonable(from) && to == l.abandonTarget
}

// Validate возвращает *TransitionError для недопустимого перехода.
func (l *Lifecycle) Validate(from, to Status) error {
	if !from.IsValid() || !to.IsValid() {
		return &TransitionError{
			Code:    CodeInvalidStatus,
			Message: fmt.Sprintf("недопустимый статус: %s → %s", from, to),
		}
	}
	if !l.CanTransition(from, to) {
		return &TransitionError{
			Code:    CodeInvalidTransition,
			Message: fmt.Sprintf("переход %s → %s недопустим", from, to),
		}
	}
	return nil
}

// Abandon возвращает целевой статус прерывания для фазы from.
func (l *Lifecycle) Abandon(from Status) (Status, error) {
	if !isAbandonable(from) {
		return 0, &TransitionError{
			Code:    CodeInvalidTransition,
			Message: fmt.Sprintf("статус %s нельзя прервать", from),
		}
	}
	return l.abandonTarget, nil
}

// AllowsWriteCommit проверяет, может ли путь записи фиксировать батч
// при данном статусе. Запрещено только окно COMMITTING оптимизатора.
func AllowsWriteCommit(s Status) bool {
	return s != Committing
}

// TransitionError — ошибка перехода между статусами.
type TransitionError struct {
	Code    string // Машиночитаемый код (INVALID_TRANSITION, INVALID_STATUS)
	Message string // Человекочитаемое описание
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

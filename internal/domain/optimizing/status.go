// Пакет optimizing — статус оптимизации (compaction) keyed-таблицы
// и контракт его жизненного цикла.
//
// Жизненный цикл:
//
//	IDLE → PENDING → PLANNING → {MINOR | MAJOR | FULL}_OPTIMIZING → COMMITTING → IDLE
//
// Прерванное планирование или оптимизация возвращает таблицу в целевой
// статус, заданный конфигурацией (PENDING или IDLE).
package optimizing

import (
	"errors"
	"fmt"
)

// Ошибки разбора кодировок статуса. Никогда не повторяются:
// неизвестный код — ошибка программы или порча данных.
var (
	ErrUnknownStatusCode         = errors.New("неизвестный код статуса оптимизации")
	ErrUnknownStatusDisplayValue = errors.New("неизвестное отображаемое значение статуса оптимизации")
)

// Status — статус оптимизации таблицы.
type Status int

const (
	FullOptimizing  Status = 100
	MajorOptimizing Status = 200
	MinorOptimizing Status = 300
	Committing      Status = 400
	Planning        Status = 500
	Pending         Status = 600
	Idle            Status = 700
)

// statusInfo — имя и отображаемое значение статуса.
type statusInfo struct {
	name    string
	display string
}

// statuses — закрытое множество из 7 статусов.
var statuses = map[Status]statusInfo{
	FullOptimizing:  {"FULL_OPTIMIZING", "full"},
	MajorOptimizing: {"MAJOR_OPTIMIZING", "major"},
	MinorOptimizing: {"MINOR_OPTIMIZING", "minor"},
	Committing:      {"COMMITTING", "committing"},
	Planning:        {"PLANNING", "planning"},
	Pending:         {"PENDING", "pending"},
	Idle:            {"IDLE", "idle"},
}

// byDisplay — обратное отображение display → статус.
var byDisplay = func() map[string]Status {
	m := make(map[string]Status, len(statuses))
	for s, info := range statuses {
		m[info.display] = s
	}
	return m
}()

// Values возвращает все статусы в порядке кодов.
func Values() []Status {
	return []Status{
		FullOptimizing, MajorOptimizing, MinorOptimizing,
		Committing, Planning, Pending, Idle,
	}
}

// OfCode возвращает статус по коду.
func OfCode(code int) (Status, error) {
	s := Status(code)
	if _, ok := statuses[s]; !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownStatusCode, code)
	}
	return s, nil
}

// OfDisplayValue возвращает статус по отображаемому значению.
// Сравнение регистрозависимое: "FULL" — ошибка.
func OfDisplayValue(value string) (Status, error) {
	s, ok := byDisplay[value]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownStatusDisplayValue, value)
	}
	return s, nil
}

// Code возвращает целочисленный код статуса.
func (s Status) Code() int {
	return int(s)
}

// DisplayValue возвращает отображаемое значение (строчными буквами).
func (s Status) DisplayValue() string {
	if info, ok := statuses[s]; ok {
		return info.display
	}
	return ""
}

// IsValid проверяет принадлежность статуса закрытому множеству.
func (s Status) IsValid() bool {
	_, ok := statuses[s]
	return ok
}

// IsOptimizing возвращает true для MINOR/MAJOR/FULL.
func (s Status) IsOptimizing() bool {
	switch s {
	case MinorOptimizing, MajorOptimizing, FullOptimizing:
		return true
	default:
		return false
	}
}

func (s Status) String() string {
	if info, ok := statuses[s]; ok {
		return info.name
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// MarshalText кодирует статус отображаемым значением.
func (s Status) MarshalText() ([]byte, error) {
	if !s.IsValid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStatusCode, int(s))
	}
	return []byte(s.DisplayValue()), nil
}

// UnmarshalText разбирает отображаемое значение.
func (s *Status) UnmarshalText(text []byte) error {
	v, err := OfDisplayValue(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

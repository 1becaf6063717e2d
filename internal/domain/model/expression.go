package model

import (
	"strings"
)

// Expression — предикат overwrite-by-filter. Вычисляется хранилищем
// над значениями партиций файлов, а не координатором коммита.
type Expression interface {
	// Eval возвращает true, если партиция удовлетворяет предикату.
	Eval(p Partition) bool
	String() string
}

type alwaysTrue struct{}

// AlwaysTrue — предикат, которому удовлетворяют все строки.
func AlwaysTrue() Expression { return alwaysTrue{} }

func (alwaysTrue) Eval(Partition) bool { return true }
func (alwaysTrue) String() string      { return "true" }

type equal struct {
	field, value string
}

// Equal — поле партиции равно значению.
func Equal(field, value string) Expression {
	return equal{field: field, value: value}
}

func (e equal) Eval(p Partition) bool {
	v, ok := p.Get(e.field)
	return ok && v == e.value
}

func (e equal) String() string { return e.field + " = " + e.value }

type in struct {
	field  string
	values []string
}

// In — поле партиции входит в список значений.
func In(field string, values ...string) Expression {
	return in{field: field, values: values}
}

func (e in) Eval(p Partition) bool {
	v, ok := p.Get(e.field)
	if !ok {
		return false
	}
	for _, candidate := range e.values {
		if candidate == v {
			return true
		}
	}
	return false
}

func (e in) String() string {
	return e.field + " IN (" + strings.Join(e.values, ", ") + ")"
}

type and struct{ exprs []Expression }

// And — конъюнкция предикатов.
func And(exprs ...Expression) Expression { return and{exprs: exprs} }

func (e and) Eval(p Partition) bool {
	for _, x := range e.exprs {
		if !x.Eval(p) {
			return false
		}
	}
	return true
}

func (e and) String() string { return joinExpr(e.exprs, " AND ") }

type or struct{ exprs []Expression }

// Or — дизъюнкция предикатов.
func Or(exprs ...Expression) Expression { return or{exprs: exprs} }

func (e or) Eval(p Partition) bool {
	for _, x := range e.exprs {
		if x.Eval(p) {
			return true
		}
	}
	return false
}

func (e or) String() string { return joinExpr(e.exprs, " OR ") }

func joinExpr(exprs []Expression, sep string) string {
	parts := make([]string, len(exprs))
	for i, x := range exprs {
		parts[i] = x.String()
	}
	return "(" + strings.Join(parts, sep) + ")"
}

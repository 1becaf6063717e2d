// Пакет model — доменные модели keyed-таблиц: схема, первичный ключ,
// партиционирование, файлы данных и сообщения коммита.
package model

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// Ошибки валидации доменных моделей.
var (
	// ErrInvalidSchema — некорректная схема таблицы.
	ErrInvalidSchema = errors.New("некорректная схема таблицы")
	// ErrUnknownColumn — колонка отсутствует в схеме.
	ErrUnknownColumn = errors.New("колонка отсутствует в схеме")
)

// TableIdentifier — полное имя таблицы в каталоге.
type TableIdentifier struct {
	Catalog  string `json:"catalog"`
	Database string `json:"database"`
	Name     string `json:"name"`
}

// String возвращает имя в формате catalog.database.name.
func (id TableIdentifier) String() string {
	return id.Catalog + "." + id.Database + "." + id.Name
}

// ParseTableIdentifier разбирает строку catalog.database.name.
func ParseTableIdentifier(s string) (TableIdentifier, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return TableIdentifier{}, fmt.Errorf("некорректный идентификатор таблицы %q, ожидается catalog.database.name", s)
	}
	return TableIdentifier{Catalog: parts[0], Database: parts[1], Name: parts[2]}, nil
}

// FieldType — тип колонки.
type FieldType string

const (
	TypeLong      FieldType = "long"
	TypeInt       FieldType = "int"
	TypeString    FieldType = "string"
	TypeBoolean   FieldType = "boolean"
	TypeDouble    FieldType = "double"
	TypeTimestamp FieldType = "timestamp"
)

// Field — колонка схемы.
type Field struct {
	ID       int       `json:"id"`
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required"`
}

// Schema — упорядоченный набор колонок таблицы.
type Schema struct {
	Fields []Field `json:"fields"`
}

// NewSchema создаёт схему из списка колонок.
func NewSchema(fields ...Field) Schema {
	return Schema{Fields: fields}
}

// FindField ищет колонку по имени.
func (s Schema) FindField(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Validate проверяет уникальность имён и ID колонок.
func (s Schema) Validate() error {
	if len(s.Fields) == 0 {
		return fmt.Errorf("%w: нет колонок", ErrInvalidSchema)
	}
	names := make(map[string]bool, len(s.Fields))
	ids := make(map[int]bool, len(s.Fields))
	for _, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("%w: пустое имя колонки (id=%d)", ErrInvalidSchema, f.ID)
		}
		if names[f.Name] {
			return fmt.Errorf("%w: дублирующееся имя колонки %q", ErrInvalidSchema, f.Name)
		}
		if ids[f.ID] {
			return fmt.Errorf("%w: дублирующийся id колонки %d", ErrInvalidSchema, f.ID)
		}
		names[f.Name] = true
		ids[f.ID] = true
	}
	return nil
}

// PrimaryKeySpec — колонки первичного ключа. Пустой набор — таблица без ключа.
type PrimaryKeySpec struct {
	Columns []string `json:"columns"`
}

// NoPrimaryKey возвращает спецификацию таблицы без первичного ключа.
func NoPrimaryKey() PrimaryKeySpec {
	return PrimaryKeySpec{}
}

// IsKeyed возвращает true, если у таблицы есть первичный ключ.
func (pk PrimaryKeySpec) IsKeyed() bool {
	return len(pk.Columns) > 0
}

// Validate проверяет, что все колонки ключа есть в схеме.
func (pk PrimaryKeySpec) Validate(schema Schema) error {
	seen := make(map[string]bool, len(pk.Columns))
	for _, col := range pk.Columns {
		if _, ok := schema.FindField(col); !ok {
			return fmt.Errorf("первичный ключ: %w: %q", ErrUnknownColumn, col)
		}
		if seen[col] {
			return fmt.Errorf("первичный ключ: колонка %q указана дважды", col)
		}
		seen[col] = true
	}
	return nil
}

// StoreKind — хранилище keyed-таблицы.
type StoreKind string

const (
	// StoreBase — base store: компактные файлы, организованные по партициям
	StoreBase StoreKind = "base"
	// StoreChange — change store: append-only лог изменений
	StoreChange StoreKind = "change"
)

// KeyedTable — таблица с разделением на base и change store.
type KeyedTable struct {
	ID            TableIdentifier `json:"id"`
	Schema        Schema          `json:"schema"`
	PrimaryKey    PrimaryKeySpec  `json:"primary_key"`
	PartitionSpec PartitionSpec   `json:"partition_spec"`
	// Location — корневой путь файлов таблицы относительно FileIO
	Location string `json:"location"`
	// Properties — свойства таблицы (в т.ч. commit.retry.*)
	Properties map[string]string `json:"properties,omitempty"`
}

// Validate проверяет согласованность схемы, ключа и партиционирования.
func (t *KeyedTable) Validate() error {
	if t.ID.Name == "" {
		return fmt.Errorf("%w: пустое имя таблицы", ErrInvalidSchema)
	}
	if t.Location == "" {
		return fmt.Errorf("таблица %s: не задан location", t.ID)
	}
	if err := t.Schema.Validate(); err != nil {
		return fmt.Errorf("таблица %s: %w", t.ID, err)
	}
	if err := t.PrimaryKey.Validate(t.Schema); err != nil {
		return fmt.Errorf("таблица %s: %w", t.ID, err)
	}
	if err := t.PartitionSpec.Validate(t.Schema); err != nil {
		return fmt.Errorf("таблица %s: %w", t.ID, err)
	}
	return nil
}

// StoreLocation возвращает корневой путь base или change store.
func (t *KeyedTable) StoreLocation(kind StoreKind) string {
	return path.Join(t.Location, string(kind))
}

// Property возвращает значение свойства таблицы.
func (t *KeyedTable) Property(key string) (string, bool) {
	if t.Properties == nil {
		return "", false
	}
	v, ok := t.Properties[key]
	return v, ok
}

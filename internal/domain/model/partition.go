package model

import (
	"encoding/binary"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/spaolacci/murmur3"
)

// Transform — функция партиционирования колонки.
type Transform string

const (
	// TransformIdentity — значение колонки как есть
	TransformIdentity Transform = "identity"
	// TransformBucket — murmur3-хэш значения по модулю N (bucket[N])
	TransformBucket Transform = "bucket"
	// TransformTruncate — усечение до ширины W (truncate[W])
	TransformTruncate Transform = "truncate"
)

// nullValue — представление NULL в значении и пути партиции.
// Строковое значение, совпадающее с ним, отклоняется.
const nullValue = "__HIVE_DEFAULT_PARTITION__"

// Row — строка данных: имя колонки → значение.
type Row map[string]any

// PartitionField — одно поле спецификации партиционирования.
type PartitionField struct {
	// SourceColumn — колонка схемы, от которой вычисляется значение
	SourceColumn string `json:"source_column"`
	// Transform — функция партиционирования
	Transform Transform `json:"transform"`
	// Param — N для bucket, W для truncate
	Param int `json:"param,omitempty"`
	// Name — имя поля партиции (по умолчанию формируется из колонки и transform)
	Name string `json:"name,omitempty"`
}

// FieldName возвращает имя поля партиции.
func (f PartitionField) FieldName() string {
	if f.Name != "" {
		return f.Name
	}
	switch f.Transform {
	case TransformBucket:
		return f.SourceColumn + "_bucket"
	case TransformTruncate:
		return f.SourceColumn + "_trunc"
	default:
		return f.SourceColumn
	}
}

// PartitionSpec — упорядоченный список полей партиционирования.
// Пустой список — таблица без партиций.
type PartitionSpec struct {
	Fields []PartitionField `json:"fields"`
}

// Unpartitioned возвращает спецификацию таблицы без партиций.
func Unpartitioned() PartitionSpec {
	return PartitionSpec{}
}

// IsUnpartitioned возвращает true для таблицы без партиций.
func (s PartitionSpec) IsUnpartitioned() bool {
	return len(s.Fields) == 0
}

// Validate проверяет колонки и параметры transform-ов.
func (s PartitionSpec) Validate(schema Schema) error {
	names := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		if _, ok := schema.FindField(f.SourceColumn); !ok {
			return fmt.Errorf("партиционирование: %w: %q", ErrUnknownColumn, f.SourceColumn)
		}
		switch f.Transform {
		case TransformIdentity:
		case TransformBucket, TransformTruncate:
			if f.Param <= 0 {
				return fmt.Errorf("партиционирование: %s[%d] для %q — параметр должен быть положительным",
					f.Transform, f.Param, f.SourceColumn)
			}
		default:
			return fmt.Errorf("партиционирование: неизвестный transform %q", f.Transform)
		}
		name := f.FieldName()
		if names[name] {
			return fmt.Errorf("партиционирование: дублирующееся поле %q", name)
		}
		names[name] = true
	}
	return nil
}

// PartitionOf вычисляет партицию строки. Для таблицы без партиций возвращает nil.
func (s PartitionSpec) PartitionOf(row Row) (Partition, error) {
	if s.IsUnpartitioned() {
		return nil, nil
	}
	p := make(Partition, 0, len(s.Fields))
	for _, f := range s.Fields {
		value, err := applyTransform(f, row[f.SourceColumn])
		if err != nil {
			return nil, err
		}
		if value == nullValue && row[f.SourceColumn] != nil {
			return nil, fmt.Errorf("значение %q колонки %q зарезервировано для NULL", value, f.SourceColumn)
		}
		p = append(p, PartitionValue{Name: f.FieldName(), Value: value})
	}
	return p, nil
}

// applyTransform вычисляет строковое значение поля партиции.
func applyTransform(f PartitionField, v any) (string, error) {
	if v == nil {
		return nullValue, nil
	}
	switch f.Transform {
	case TransformIdentity:
		return fmt.Sprint(v), nil
	case TransformBucket:
		return strconv.Itoa(bucketOf(v, f.Param)), nil
	case TransformTruncate:
		if n, ok := toInt64(v); ok {
			w := int64(f.Param)
			return strconv.FormatInt(n-((n%w)+w)%w, 10), nil
		}
		if str, ok := v.(string); ok {
			runes := []rune(str)
			if len(runes) > f.Param {
				runes = runes[:f.Param]
			}
			return string(runes), nil
		}
		return "", fmt.Errorf("truncate[%d]: неподдерживаемый тип значения %T колонки %q", f.Param, v, f.SourceColumn)
	default:
		return "", fmt.Errorf("неизвестный transform %q", f.Transform)
	}
}

// bucketOf — (murmur3_32(value) & MaxInt32) % n.
// Целые хэшируются как 8 байт little-endian, строки — как UTF-8 байты.
func bucketOf(v any, n int) int {
	var data []byte
	if i, ok := toInt64(v); ok {
		data = make([]byte, 8)
		binary.LittleEndian.PutUint64(data, uint64(i))
	} else {
		data = []byte(fmt.Sprint(v))
	}
	h := murmur3.Sum32(data)
	return int(h&0x7fffffff) % n
}

// toInt64 приводит целочисленные значения к int64.
func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case float64:
		// JSON-числа без дробной части
		if n == float64(int64(n)) {
			return int64(n), true
		}
	}
	return 0, false
}

// PartitionValue — значение одного поля партиции.
type PartitionValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Partition — значение партиции файла. nil — таблица без партиций.
type Partition []PartitionValue

// Path возвращает путь партиции вида a=1/b=x. Для nil — пустая строка.
func (p Partition) Path() string {
	if len(p) == 0 {
		return ""
	}
	parts := make([]string, len(p))
	for i, v := range p {
		parts[i] = v.Name + "=" + url.PathEscape(v.Value)
	}
	return strings.Join(parts, "/")
}

// Get возвращает значение поля партиции по имени.
func (p Partition) Get(name string) (string, bool) {
	for _, v := range p {
		if v.Name == name {
			return v.Value, true
		}
	}
	return "", false
}

// ParsePartitionPath разбирает путь партиции, построенный Path.
func ParsePartitionPath(s string) (Partition, error) {
	if s == "" {
		return nil, nil
	}
	segments := strings.Split(s, "/")
	p := make(Partition, 0, len(segments))
	for _, seg := range segments {
		name, raw, ok := strings.Cut(seg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("некорректный сегмент партиции %q", seg)
		}
		value, err := url.PathUnescape(raw)
		if err != nil {
			return nil, fmt.Errorf("некорректное значение партиции %q: %w", seg, err)
		}
		p = append(p, PartitionValue{Name: name, Value: value})
	}
	return p, nil
}

package model

import (
	"errors"
	"testing"
)

// testTable возвращает партиционированную keyed-таблицу для тестов.
func testTable() *KeyedTable {
	return &KeyedTable{
		ID: TableIdentifier{Catalog: "local", Database: "db", Name: "orders"},
		Schema: NewSchema(
			Field{ID: 1, Name: "id", Type: TypeLong, Required: true},
			Field{ID: 2, Name: "region", Type: TypeString},
			Field{ID: 3, Name: "amount", Type: TypeDouble},
		),
		PrimaryKey: PrimaryKeySpec{Columns: []string{"id"}},
		PartitionSpec: PartitionSpec{Fields: []PartitionField{
			{SourceColumn: "region", Transform: TransformIdentity},
		}},
		Location: "warehouse/db/orders",
	}
}

// TestKeyedTable_Validate проверяет согласованность схемы, ключа и партиций.
func TestKeyedTable_Validate(t *testing.T) {
	if err := testTable().Validate(); err != nil {
		t.Fatalf("валидная таблица: неожиданная ошибка: %v", err)
	}

	bad := testTable()
	bad.PrimaryKey = PrimaryKeySpec{Columns: []string{"missing"}}
	if err := bad.Validate(); !errors.Is(err, ErrUnknownColumn) {
		t.Errorf("ключ по несуществующей колонке: ожидалась ErrUnknownColumn, получено %v", err)
	}

	bad = testTable()
	bad.PartitionSpec = PartitionSpec{Fields: []PartitionField{
		{SourceColumn: "id", Transform: TransformBucket},
	}}
	if err := bad.Validate(); err == nil {
		t.Error("bucket без параметра: ожидалась ошибка")
	}

	bad = testTable()
	bad.Schema = NewSchema(Field{ID: 1, Name: "id"}, Field{ID: 1, Name: "other"})
	bad.PrimaryKey = NoPrimaryKey()
	bad.PartitionSpec = Unpartitioned()
	if err := bad.Validate(); !errors.Is(err, ErrInvalidSchema) {
		t.Errorf("дублирующийся id колонки: ожидалась ErrInvalidSchema, получено %v", err)
	}
}

// TestStoreLocation проверяет пути base и change store.
func TestStoreLocation(t *testing.T) {
	tbl := testTable()
	if got := tbl.StoreLocation(StoreBase); got != "warehouse/db/orders/base" {
		t.Errorf("base: получено %q", got)
	}
	if got := tbl.StoreLocation(StoreChange); got != "warehouse/db/orders/change" {
		t.Errorf("change: получено %q", got)
	}
}

// TestParseTableIdentifier проверяет разбор полного имени таблицы.
func TestParseTableIdentifier(t *testing.T) {
	id, err := ParseTableIdentifier("local.db.orders")
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if id.String() != "local.db.orders" {
		t.Errorf("ожидалось local.db.orders, получено %q", id.String())
	}

	for _, s := range []string{"", "db.orders", "a..b", "a.b.c.d"} {
		if _, err := ParseTableIdentifier(s); err == nil {
			t.Errorf("ParseTableIdentifier(%q): ожидалась ошибка", s)
		}
	}
}

// TestPartitionOf проверяет вычисление партиции строки.
func TestPartitionOf(t *testing.T) {
	tests := []struct {
		name  string
		field PartitionField
		value any
		want  string
	}{
		{"identity", PartitionField{SourceColumn: "region", Transform: TransformIdentity}, "eu", "region=eu"},
		{"identity null", PartitionField{SourceColumn: "region", Transform: TransformIdentity}, nil, "region=__HIVE_DEFAULT_PARTITION__"},
		{"identity string null", PartitionField{SourceColumn: "region", Transform: TransformIdentity}, "null", "region=null"},
		{"identity escaped", PartitionField{SourceColumn: "region", Transform: TransformIdentity}, "a/b", "region=a%2Fb"},
		{"truncate int", PartitionField{SourceColumn: "id", Transform: TransformTruncate, Param: 10}, int64(27), "id_trunc=20"},
		{"truncate negative", PartitionField{SourceColumn: "id", Transform: TransformTruncate, Param: 10}, int64(-1), "id_trunc=-10"},
		{"truncate string", PartitionField{SourceColumn: "region", Transform: TransformTruncate, Param: 2}, "europe", "region_trunc=eu"},
		{"custom name", PartitionField{SourceColumn: "region", Transform: TransformIdentity, Name: "r"}, "us", "r=us"},
	}

	for _, tt := range tests {
		spec := PartitionSpec{Fields: []PartitionField{tt.field}}
		p, err := spec.PartitionOf(Row{tt.field.SourceColumn: tt.value})
		if err != nil {
			t.Errorf("%s: неожиданная ошибка: %v", tt.name, err)
			continue
		}
		if p.Path() != tt.want {
			t.Errorf("%s: ожидалось %q, получено %q", tt.name, tt.want, p.Path())
		}
	}
}

// TestPartitionOf_Bucket проверяет стабильность и диапазон bucket-transform.
func TestPartitionOf_Bucket(t *testing.T) {
	spec := PartitionSpec{Fields: []PartitionField{
		{SourceColumn: "id", Transform: TransformBucket, Param: 16},
	}}

	for i := int64(0); i < 100; i++ {
		p1, err := spec.PartitionOf(Row{"id": i})
		if err != nil {
			t.Fatalf("неожиданная ошибка: %v", err)
		}
		// float64 из JSON должен попадать в тот же bucket, что и int64
		p2, _ := spec.PartitionOf(Row{"id": float64(i)})
		if p1.Path() != p2.Path() {
			t.Fatalf("id=%d: разные bucket для int64 и float64: %q / %q", i, p1.Path(), p2.Path())
		}
		v, _ := p1.Get("id_bucket")
		if len(v) == 0 || len(v) > 2 {
			t.Fatalf("id=%d: некорректное значение bucket %q", i, v)
		}
	}
}

// TestPartitionOf_Unpartitioned проверяет nil-партицию.
func TestPartitionOf_Unpartitioned(t *testing.T) {
	p, err := Unpartitioned().PartitionOf(Row{"id": 1})
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if p != nil {
		t.Errorf("ожидалась nil-партиция, получено %v", p)
	}
	if p.Path() != "" {
		t.Errorf("ожидался пустой путь, получено %q", p.Path())
	}
}

// TestPartitionOf_NullDistinct проверяет, что NULL и строка "null"
// попадают в разные партиции, а зарезервированное значение отклоняется.
func TestPartitionOf_NullDistinct(t *testing.T) {
	spec := PartitionSpec{Fields: []PartitionField{{SourceColumn: "region", Transform: TransformIdentity}}}

	nullPart, err := spec.PartitionOf(Row{"region": nil})
	if err != nil {
		t.Fatalf("PartitionOf(nil): %v", err)
	}
	strPart, err := spec.PartitionOf(Row{"region": "null"})
	if err != nil {
		t.Fatalf("PartitionOf(\"null\"): %v", err)
	}
	if nullPart.Path() == strPart.Path() {
		t.Errorf("NULL и строка \"null\" в одной партиции %q", nullPart.Path())
	}
	if v, _ := nullPart.Get("region"); v == "null" {
		t.Errorf("значение NULL-партиции совпадает со строкой: %q", v)
	}

	if _, err := spec.PartitionOf(Row{"region": nullValue}); err == nil {
		t.Error("ожидалась ошибка для зарезервированного значения")
	}

	trunc := PartitionSpec{Fields: []PartitionField{{SourceColumn: "region", Transform: TransformTruncate, Param: len(nullValue)}}}
	if _, err := trunc.PartitionOf(Row{"region": nullValue + "x"}); err == nil {
		t.Error("truncate: ожидалась ошибка для зарезервированного значения")
	}
}

// TestParsePartitionPath проверяет обратимость Path.
func TestParsePartitionPath(t *testing.T) {
	orig := Partition{{Name: "region", Value: "a/b c"}, {Name: "day", Value: "2026-01-01"}}
	parsed, err := ParsePartitionPath(orig.Path())
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if parsed.Path() != orig.Path() {
		t.Errorf("ожидалось %q, получено %q", orig.Path(), parsed.Path())
	}
	if v, _ := parsed.Get("region"); v != "a/b c" {
		t.Errorf("region: ожидалось %q, получено %q", "a/b c", v)
	}

	if _, err := ParsePartitionPath("novalue"); err == nil {
		t.Error("сегмент без '=': ожидалась ошибка")
	}
}

// TestFiles_Union проверяет объединение файлов сообщений.
func TestFiles_Union(t *testing.T) {
	msgs := []CommitMessage{
		{TaskID: 1, Files: []DataFile{{Path: "f1"}, {Path: "f2"}}},
		{TaskID: 2, Files: []DataFile{{Path: "f3"}}},
		{TaskID: 3},
	}
	files, err := Files(msgs)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if len(files) != 3 || files[0].Path != "f1" || files[2].Path != "f3" {
		t.Errorf("ожидались f1,f2,f3, получено %v", files)
	}
}

// TestFiles_Duplicate проверяет, что пересекающиеся сообщения отклоняются.
func TestFiles_Duplicate(t *testing.T) {
	msgs := []CommitMessage{
		{TaskID: 1, Files: []DataFile{{Path: "f1"}}},
		{TaskID: 2, Files: []DataFile{{Path: "f1"}}},
	}
	if _, err := Files(msgs); !errors.Is(err, ErrDuplicateFile) {
		t.Errorf("ожидалась ErrDuplicateFile, получено %v", err)
	}

	paths := Paths(msgs)
	if len(paths) != 1 || paths[0] != "f1" {
		t.Errorf("Paths: ожидалось [f1], получено %v", paths)
	}
}

// TestWriteMode_TargetStore проверяет маршрутизацию режимов по хранилищам.
func TestWriteMode_TargetStore(t *testing.T) {
	tests := []struct {
		mode WriteMode
		want StoreKind
	}{
		{ModeAppend, StoreChange},
		{ModeUpsert, StoreChange},
		{ModeDynamicOverwrite, StoreBase},
		{ModeOverwriteByFilter, StoreBase},
	}
	for _, tt := range tests {
		if got := tt.mode.TargetStore(); got != tt.want {
			t.Errorf("%s: ожидалось %s, получено %s", tt.mode, tt.want, got)
		}
		parsed, err := ParseWriteMode(tt.mode.String())
		if err != nil || parsed != tt.mode {
			t.Errorf("ParseWriteMode(%q): получено %v, %v", tt.mode.String(), parsed, err)
		}
	}
	if _, err := ParseWriteMode("merge"); err == nil {
		t.Error("ParseWriteMode(merge): ожидалась ошибка")
	}
}

// TestExpression_Eval проверяет вычисление предикатов над партициями.
func TestExpression_Eval(t *testing.T) {
	eu := Partition{{Name: "region", Value: "eu"}, {Name: "day", Value: "1"}}
	us := Partition{{Name: "region", Value: "us"}, {Name: "day", Value: "2"}}

	tests := []struct {
		expr   Expression
		eu, us bool
	}{
		{AlwaysTrue(), true, true},
		{Equal("region", "eu"), true, false},
		{Equal("missing", "eu"), false, false},
		{In("region", "eu", "us"), true, true},
		{And(Equal("region", "eu"), Equal("day", "2")), false, false},
		{Or(Equal("region", "eu"), Equal("day", "2")), true, true},
	}
	for _, tt := range tests {
		if got := tt.expr.Eval(eu); got != tt.eu {
			t.Errorf("%s на eu: ожидалось %v", tt.expr, tt.eu)
		}
		if got := tt.expr.Eval(us); got != tt.us {
			t.Errorf("%s на us: ожидалось %v", tt.expr, tt.us)
		}
	}

	if got := And(Equal("a", "1"), In("b", "x", "y")).String(); got != "(a = 1 AND b IN (x, y))" {
		t.Errorf("String(): получено %q", got)
	}
}

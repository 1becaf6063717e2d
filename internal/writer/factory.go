// Пакет writer — фабрика задач записи и TaskWriter.
//
// Фабрика привязана к транзакции, режиму записи и схеме источника.
// Каждая задача пишет строки в собственные файлы JSON Lines,
// разложенные по партициям, и по завершении отдаёт CommitMessage.
package writer

import (
	"fmt"
	"log/slog"

	"github.com/bigkaa/goartstore/keyed-store/internal/domain/model"
	"github.com/bigkaa/goartstore/keyed-store/internal/storage/fileio"
)

// DefaultTargetFileRecords — число строк, после которого файл закрывается
// и открывается следующий.
const DefaultTargetFileRecords = 100_000

// Option — настройка фабрики.
type Option func(*Factory)

// WithTargetFileRecords задаёт размер файла в строках.
func WithTargetFileRecords(n int64) Option {
	return func(f *Factory) {
		if n > 0 {
			f.targetFileRecords = n
		}
	}
}

// WithLogger задаёт логгер задач записи.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Factory) {
		f.logger = logger
	}
}

// Factory — фабрика задач записи одной транзакции.
// После создания только читается, поэтому безопасна для параллельных задач.
type Factory struct {
	table             *model.KeyedTable
	txID              model.TransactionID
	mode              model.WriteMode
	dsSchema          model.Schema
	io                fileio.FileIO
	targetFileRecords int64
	logger            *slog.Logger
}

// NewFactory создаёт фабрику задач записи.
// Проверяет совместимость схемы источника и требование первичного ключа для upsert.
func NewFactory(
	table *model.KeyedTable,
	txID model.TransactionID,
	mode model.WriteMode,
	dsSchema model.Schema,
	fio fileio.FileIO,
	opts ...Option,
) (*Factory, error) {
	if _, err := model.ParseWriteMode(mode.String()); err != nil {
		return nil, err
	}
	if mode == model.ModeUpsert && !table.PrimaryKey.IsKeyed() {
		return nil, fmt.Errorf("%w: %s", ErrNoPrimaryKey, table.ID)
	}
	if err := checkSchema(table, dsSchema); err != nil {
		return nil, err
	}

	f := &Factory{
		table:             table,
		txID:              txID,
		mode:              mode,
		dsSchema:          dsSchema,
		io:                fio,
		targetFileRecords: DefaultTargetFileRecords,
		logger:            slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With(
		slog.String("component", "writer"),
		slog.String("table", table.ID.String()),
		slog.Int64("transaction_id", int64(txID)),
		slog.String("mode", mode.String()),
	)
	return f, nil
}

// checkSchema — каждая колонка источника есть в таблице с тем же типом,
// колонки ключа и партиционирования присутствуют в источнике.
func checkSchema(table *model.KeyedTable, dsSchema model.Schema) error {
	if len(dsSchema.Fields) == 0 {
		return fmt.Errorf("%w: пустая схема источника", ErrSchemaMismatch)
	}
	for _, f := range dsSchema.Fields {
		tf, ok := table.Schema.FindField(f.Name)
		if !ok {
			return fmt.Errorf("%w: колонка %q отсутствует в таблице %s", ErrSchemaMismatch, f.Name, table.ID)
		}
		if tf.Type != f.Type {
			return fmt.Errorf("%w: колонка %q: тип %s, в таблице %s", ErrSchemaMismatch, f.Name, f.Type, tf.Type)
		}
	}
	for _, col := range table.PrimaryKey.Columns {
		if _, ok := dsSchema.FindField(col); !ok {
			return fmt.Errorf("%w: колонка первичного ключа %q отсутствует в источнике", ErrSchemaMismatch, col)
		}
	}
	for _, pf := range table.PartitionSpec.Fields {
		if _, ok := dsSchema.FindField(pf.SourceColumn); !ok {
			return fmt.Errorf("%w: колонка партиционирования %q отсутствует в источнике", ErrSchemaMismatch, pf.SourceColumn)
		}
	}
	return nil
}

// CreateWriter создаёт задачу записи для (partitionID, taskID).
// Задача пишет в store, определяемый режимом фабрики.
func (f *Factory) CreateWriter(partitionID int, taskID int64) *TaskWriter {
	return newTaskWriter(f, partitionID, taskID)
}

// TransactionID возвращает транзакцию фабрики.
func (f *Factory) TransactionID() model.TransactionID {
	return f.txID
}

// Mode возвращает режим записи.
func (f *Factory) Mode() model.WriteMode {
	return f.mode
}

// Table возвращает таблицу.
func (f *Factory) Table() *model.KeyedTable {
	return f.table
}

package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sort"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/keyed-store/internal/domain/model"
	"github.com/bigkaa/goartstore/keyed-store/internal/storage/fileio"
)

var (
	recordsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ks_writer_records_total",
		Help: "Количество записанных строк по содержимому файла",
	}, []string{"content"})

	filesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ks_writer_files_total",
		Help: "Количество закрытых файлов данных по содержимому",
	}, []string{"content"})
)

// fileKind — буква типа файла в имени.
func fileKind(store model.StoreKind, content model.FileContent) string {
	switch {
	case content == model.ContentEqualityDeletes:
		return "D"
	case store == model.StoreBase:
		return "B"
	default:
		return "I"
	}
}

// countingWriter считает записанные байты.
type countingWriter struct {
	out fileio.OutputFile
	n   int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	n, err := w.out.Write(p)
	w.n += int64(n)
	return n, err
}

// openFile — файл задачи, открытый на запись.
type openFile struct {
	path      string
	partition model.Partition
	content   model.FileContent
	cw        *countingWriter
	enc       *json.Encoder
	records   int64
}

// TaskWriter — запись строк одной задачи.
// Не потокобезопасен: принадлежит одному воркеру.
type TaskWriter struct {
	factory     *Factory
	partitionID int
	taskID      int64
	prefix      string
	logger      *slog.Logger

	open      map[string]*openFile
	completed []model.DataFile
	seq       int
	failed    error
	closed    bool
}

func newTaskWriter(f *Factory, partitionID int, taskID int64) *TaskWriter {
	return &TaskWriter{
		factory:     f,
		partitionID: partitionID,
		taskID:      taskID,
		prefix:      uuid.NewString()[:8],
		logger: f.logger.With(
			slog.Int("partition_id", partitionID),
			slog.Int64("task_id", taskID),
		),
		open: make(map[string]*openFile),
	}
}

// Write валидирует строку, определяет её партицию и пишет в файл.
// Для upsert ключ строки дополнительно пишется в файл equality_deletes.
// После первой ошибки задача непригодна: последующие вызовы возвращают её же.
func (w *TaskWriter) Write(ctx context.Context, row model.Row) error {
	if w.closed {
		return w.fail("write", ErrWriterClosed)
	}
	if w.failed != nil {
		return w.failed
	}
	if err := ctx.Err(); err != nil {
		return w.fail("write", err)
	}
	if err := w.validate(row); err != nil {
		return w.fail("validate", err)
	}

	table := w.factory.table
	partition, err := table.PartitionSpec.PartitionOf(row)
	if err != nil {
		return w.fail("partition", err)
	}

	if w.factory.mode == model.ModeUpsert {
		key := make(model.Row, len(table.PrimaryKey.Columns))
		for _, col := range table.PrimaryKey.Columns {
			key[col] = row[col]
		}
		if err := w.append(ctx, partition, model.ContentEqualityDeletes, key); err != nil {
			return err
		}
	}
	return w.append(ctx, partition, model.ContentData, row)
}

// validate проверяет колонки строки по схеме источника.
func (w *TaskWriter) validate(row model.Row) error {
	ds := w.factory.dsSchema
	for name := range row {
		if _, ok := ds.FindField(name); !ok {
			return fmt.Errorf("%w: колонка %q", model.ErrUnknownColumn, name)
		}
	}
	for _, f := range ds.Fields {
		if f.Required && row[f.Name] == nil {
			return fmt.Errorf("обязательная колонка %q не заполнена", f.Name)
		}
	}
	for _, col := range w.factory.table.PrimaryKey.Columns {
		if row[col] == nil {
			return fmt.Errorf("колонка первичного ключа %q не заполнена", col)
		}
	}
	return nil
}

// append пишет строку в текущий файл (партиция, содержимое), открывая его
// при необходимости. Файл, достигший targetFileRecords, закрывается.
func (w *TaskWriter) append(ctx context.Context, partition model.Partition, content model.FileContent, row model.Row) error {
	key := string(content) + "|" + partition.Path()
	f, ok := w.open[key]
	if !ok {
		var err error
		f, err = w.create(ctx, partition, content)
		if err != nil {
			return w.fail("create", err)
		}
		w.open[key] = f
	}

	if err := f.enc.Encode(row); err != nil {
		return w.fail("encode", fmt.Errorf("%s: %w", f.path, err))
	}
	f.records++
	recordsWritten.WithLabelValues(string(content)).Inc()

	if f.records >= w.factory.targetFileRecords {
		delete(w.open, key)
		if err := w.closeFile(f); err != nil {
			return w.fail("close", err)
		}
	}
	return nil
}

// create открывает новый файл задачи:
// {location}/{store}/{partition}/{tx}-{B|I|D}-{partitionID}-{taskID}-{uuid8}-{seq}.jsonl
func (w *TaskWriter) create(ctx context.Context, partition model.Partition, content model.FileContent) (*openFile, error) {
	store := w.factory.mode.TargetStore()
	w.seq++
	name := fmt.Sprintf("%d-%s-%d-%d-%s-%05d.%s",
		w.factory.txID, fileKind(store, content), w.partitionID, w.taskID, w.prefix, w.seq, model.FormatJSONLines)
	p := path.Join(w.factory.table.StoreLocation(store), partition.Path(), name)

	out, err := w.factory.io.Create(ctx, p)
	if err != nil {
		return nil, err
	}
	cw := &countingWriter{out: out}
	return &openFile{
		path:      p,
		partition: partition,
		content:   content,
		cw:        cw,
		enc:       json.NewEncoder(cw),
	}, nil
}

// closeFile публикует файл и добавляет его в список завершённых.
func (w *TaskWriter) closeFile(f *openFile) error {
	if err := f.cw.out.Close(); err != nil {
		return fmt.Errorf("%s: %w", f.path, err)
	}
	w.completed = append(w.completed, model.DataFile{
		Path:          f.path,
		Partition:     f.partition,
		Format:        model.FormatJSONLines,
		Content:       f.content,
		Size:          f.cw.n,
		RecordCount:   f.records,
		TransactionID: w.factory.txID,
	})
	filesWritten.WithLabelValues(string(f.content)).Inc()
	w.logger.Debug("Файл данных закрыт",
		slog.String("path", f.path),
		slog.Int64("records", f.records),
		slog.Int64("size", f.cw.n),
	)
	return nil
}

// fail запоминает первую ошибку задачи и возвращает её как TaskWriteError.
func (w *TaskWriter) fail(op string, err error) error {
	werr := &TaskWriteError{
		TransactionID: w.factory.txID,
		PartitionID:   w.partitionID,
		TaskID:        w.taskID,
		Op:            op,
		Err:           err,
	}
	if w.failed == nil && !w.closed {
		w.failed = werr
	}
	return werr
}

// sortedOpenKeys возвращает ключи открытых файлов в детерминированном порядке.
func (w *TaskWriter) sortedOpenKeys() []string {
	keys := make([]string, 0, len(w.open))
	for k := range w.open {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Complete закрывает все файлы задачи и возвращает CommitMessage.
// При ошибке файлы задачи остаются: их удаляет Abort.
func (w *TaskWriter) Complete(_ context.Context) (model.CommitMessage, error) {
	if w.closed {
		return model.CommitMessage{}, w.fail("complete", ErrWriterClosed)
	}
	if w.failed != nil {
		return model.CommitMessage{}, w.failed
	}

	for _, key := range w.sortedOpenKeys() {
		f := w.open[key]
		delete(w.open, key)
		if err := w.closeFile(f); err != nil {
			return model.CommitMessage{}, w.fail("close", err)
		}
	}
	w.closed = true

	files := make([]model.DataFile, len(w.completed))
	copy(files, w.completed)

	w.logger.Debug("Задача записи завершена", slog.Int("files", len(files)))
	return model.CommitMessage{
		PartitionID: w.partitionID,
		TaskID:      w.taskID,
		Files:       files,
	}, nil
}

// Abort отменяет открытые файлы и удаляет закрытые файлы задачи.
// Повторный вызов удаляет только то, что осталось.
func (w *TaskWriter) Abort(ctx context.Context) error {
	w.closed = true
	var result *multierror.Error

	for _, key := range w.sortedOpenKeys() {
		f := w.open[key]
		delete(w.open, key)
		if err := f.cw.out.Discard(); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", f.path, err))
		}
	}

	remaining := w.completed[:0]
	for _, f := range w.completed {
		if err := w.factory.io.Delete(ctx, f.Path); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", f.Path, err))
			remaining = append(remaining, f)
		}
	}
	w.completed = remaining

	if err := result.ErrorOrNil(); err != nil {
		w.logger.Warn("Не все файлы задачи удалены при отмене", slog.String("error", err.Error()))
		return &TaskWriteError{
			TransactionID: w.factory.txID,
			PartitionID:   w.partitionID,
			TaskID:        w.taskID,
			Op:            "abort",
			Err:           err,
		}
	}
	return nil
}

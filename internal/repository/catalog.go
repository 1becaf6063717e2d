package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bigkaa/goartstore/keyed-store/internal/domain/model"
	"github.com/bigkaa/goartstore/keyed-store/internal/domain/optimizing"
	"github.com/bigkaa/goartstore/keyed-store/internal/metastore"
	"github.com/bigkaa/goartstore/keyed-store/internal/txn"
)

// Операции коммита, сохраняемые в table_commits.
const (
	opAppendChange      = "append_change"
	opReplacePartitions = "replace_partitions"
	opOverwriteByFilter = "overwrite_by_filter"
)

// tableKey — условие выборки по полному имени таблицы ($1, $2, $3).
const tableKey = "catalog_name = $1 AND database_name = $2 AND table_name = $3"

// fileColumns — колонки table_files в порядке insertFiles и scanFile.
var fileColumns = []string{
	"catalog_name", "database_name", "table_name", "store", "path",
	"partition_path", "partition", "format", "content",
	"size_bytes", "record_count", "transaction_id",
}

// Catalog — metastore keyed-таблиц в PostgreSQL.
// Строка keyed_tables блокируется SELECT ... FOR UPDATE на время коммита,
// что сериализует коммиты одной таблицы.
// Реализует metastore.Store и txn.Allocator.
type Catalog struct {
	db DBTX
	tx *TxRunner
}

// NewCatalog создаёт каталог поверх пула подключений.
func NewCatalog(pool *pgxpool.Pool) *Catalog {
	return &Catalog{db: pool, tx: NewTxRunner(pool)}
}

// CreateTable регистрирует таблицу со статусом IDLE.
func (c *Catalog) CreateTable(ctx context.Context, table *model.KeyedTable) error {
	if err := table.Validate(); err != nil {
		return err
	}
	definition, err := json.Marshal(table)
	if err != nil {
		return fmt.Errorf("ошибка сериализации определения таблицы %s: %w", table.ID, err)
	}

	_, err = c.db.Exec(ctx, `
		INSERT INTO keyed_tables (catalog_name, database_name, table_name, definition, optimizing_status)
		VALUES ($1, $2, $3, $4, $5)`,
		table.ID.Catalog, table.ID.Database, table.ID.Name, definition, optimizing.Idle.Code(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", metastore.ErrTableExists, table.ID)
		}
		return fmt.Errorf("ошибка создания таблицы %s: %w", table.ID, err)
	}
	return nil
}

// LoadTable возвращает определение таблицы.
func (c *Catalog) LoadTable(ctx context.Context, id model.TableIdentifier) (*model.KeyedTable, error) {
	var definition []byte
	err := c.db.QueryRow(ctx,
		`SELECT definition FROM keyed_tables WHERE `+tableKey,
		id.Catalog, id.Database, id.Name,
	).Scan(&definition)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", metastore.ErrTableNotFound, id)
		}
		return nil, fmt.Errorf("ошибка загрузки таблицы %s: %w", id, err)
	}

	var table model.KeyedTable
	if err := json.Unmarshal(definition, &table); err != nil {
		return nil, fmt.Errorf("ошибка разбора определения таблицы %s: %w", id, err)
	}
	return &table, nil
}

// Begin выделяет следующий ID транзакции таблицы.
// Счётчик увеличивается атомарно в PostgreSQL и не откатывается при abort.
func (c *Catalog) Begin(ctx context.Context, id model.TableIdentifier) (model.TransactionID, error) {
	var last int64
	err := c.db.QueryRow(ctx, `
		UPDATE keyed_tables
		SET last_transaction_id = last_transaction_id + 1, updated_at = now()
		WHERE `+tableKey+`
		RETURNING last_transaction_id`,
		id.Catalog, id.Database, id.Name,
	).Scan(&last)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%w: %w: %s", txn.ErrAllocation, metastore.ErrTableNotFound, id)
		}
		return 0, fmt.Errorf("%w: таблица %s: %w", txn.ErrAllocation, id, err)
	}
	return model.TransactionID(last), nil
}

// AppendChangeFiles добавляет файлы в change store.
func (c *Catalog) AppendChangeFiles(ctx context.Context, id model.TableIdentifier, txID model.TransactionID, files []model.DataFile) error {
	return c.commit(ctx, id, txID, opAppendChange, model.StoreChange, files, nil)
}

// ReplacePartitions заменяет содержимое затронутых партиций base store.
func (c *Catalog) ReplacePartitions(ctx context.Context, id model.TableIdentifier, txID model.TransactionID, files []model.DataFile) error {
	return c.commit(ctx, id, txID, opReplacePartitions, model.StoreBase, files, func(ctx context.Context, tx pgx.Tx) error {
		touched := make([]string, 0)
		for p := range metastore.TouchedPartitions(files) {
			touched = append(touched, p)
		}

		var conflictPath string
		var conflictTx int64
		err := tx.QueryRow(ctx, `
			SELECT partition_path, transaction_id FROM table_files
			WHERE `+tableKey+` AND store = 'base'
			  AND partition_path = ANY($4) AND transaction_id >= $5
			LIMIT 1`,
			id.Catalog, id.Database, id.Name, touched, int64(txID),
		).Scan(&conflictPath, &conflictTx)
		switch {
		case err == nil:
			return fmt.Errorf("%w: партиция %q изменена транзакцией %d",
				metastore.ErrCommitConflict, conflictPath, conflictTx)
		case !errors.Is(err, pgx.ErrNoRows):
			return fmt.Errorf("ошибка проверки партиций: %w", err)
		}

		_, err = tx.Exec(ctx, `
			DELETE FROM table_files
			WHERE `+tableKey+` AND store = 'base' AND partition_path = ANY($4)`,
			id.Catalog, id.Database, id.Name, touched,
		)
		if err != nil {
			return fmt.Errorf("ошибка удаления заменяемых файлов: %w", err)
		}
		return nil
	})
}

// OverwriteByFilter заменяет файлы base store, удовлетворяющие фильтру.
// Фильтр вычисляется по партициям файлов на стороне сервиса.
func (c *Catalog) OverwriteByFilter(ctx context.Context, id model.TableIdentifier, txID model.TransactionID, filter model.Expression, files []model.DataFile) error {
	if err := metastore.CheckFilter(filter, files); err != nil {
		return err
	}
	return c.commit(ctx, id, txID, opOverwriteByFilter, model.StoreBase, files, func(ctx context.Context, tx pgx.Tx) error {
		existing, err := queryFiles(ctx, tx, id, model.StoreBase)
		if err != nil {
			return err
		}

		var replaced []string
		for _, f := range existing {
			if !filter.Eval(f.Partition) {
				continue
			}
			if f.TransactionID >= txID {
				return fmt.Errorf("%w: файл %s под фильтром %s изменён транзакцией %d",
					metastore.ErrCommitConflict, f.Path, filter, f.TransactionID)
			}
			replaced = append(replaced, f.Path)
		}
		if len(replaced) == 0 {
			return nil
		}

		_, err = tx.Exec(ctx, `
			DELETE FROM table_files WHERE `+tableKey+` AND path = ANY($4)`,
			id.Catalog, id.Database, id.Name, replaced,
		)
		if err != nil {
			return fmt.Errorf("ошибка удаления заменяемых файлов: %w", err)
		}
		return nil
	})
}

// commit — общий каркас коммита: блокировка таблицы, проверки конфликта,
// операция режима (replace), регистрация файлов и транзакции.
func (c *Catalog) commit(
	ctx context.Context,
	id model.TableIdentifier,
	txID model.TransactionID,
	operation string,
	store model.StoreKind,
	files []model.DataFile,
	replace func(ctx context.Context, tx pgx.Tx) error,
) error {
	if err := metastore.ValidateIncoming(txID, files); err != nil {
		return err
	}

	err := c.tx.RunInTx(ctx, func(tx pgx.Tx) error {
		if err := lockForCommit(ctx, tx, id, txID); err != nil {
			return err
		}
		if err := checkPathsFree(ctx, tx, id, files); err != nil {
			return err
		}
		if replace != nil {
			if err := replace(ctx, tx); err != nil {
				return err
			}
		}
		if err := insertFiles(ctx, tx, id, store, files); err != nil {
			return err
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO table_commits (catalog_name, database_name, table_name, transaction_id, operation, file_count)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			id.Catalog, id.Database, id.Name, int64(txID), operation, len(files),
		)
		if err != nil {
			return fmt.Errorf("ошибка регистрации транзакции %d: %w", txID, err)
		}
		return nil
	})
	return mapCommitError(err)
}

// lockForCommit блокирует строку таблицы и проверяет статус оптимизации
// и повторный коммит транзакции.
func lockForCommit(ctx context.Context, tx pgx.Tx, id model.TableIdentifier, txID model.TransactionID) error {
	var code int
	err := tx.QueryRow(ctx,
		`SELECT optimizing_status FROM keyed_tables WHERE `+tableKey+` FOR UPDATE`,
		id.Catalog, id.Database, id.Name,
	).Scan(&code)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", metastore.ErrTableNotFound, id)
		}
		return fmt.Errorf("ошибка блокировки таблицы %s: %w", id, err)
	}

	status, err := optimizing.OfCode(code)
	if err != nil {
		return fmt.Errorf("таблица %s: %w", id, err)
	}
	if !optimizing.AllowsWriteCommit(status) {
		return fmt.Errorf("%w: таблица %s в статусе %s", metastore.ErrCommitConflict, id, status)
	}

	var committed bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM table_commits WHERE `+tableKey+` AND transaction_id = $4)`,
		id.Catalog, id.Database, id.Name, int64(txID),
	).Scan(&committed)
	if err != nil {
		return fmt.Errorf("ошибка проверки транзакции %d: %w", txID, err)
	}
	if committed {
		return fmt.Errorf("%w: транзакция %d уже зафиксирована", metastore.ErrCommitConflict, txID)
	}
	return nil
}

// checkPathsFree проверяет, что ни один входящий путь не зарегистрирован.
func checkPathsFree(ctx context.Context, tx pgx.Tx, id model.TableIdentifier, files []model.DataFile) error {
	if len(files) == 0 {
		return nil
	}
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.Path
	}

	var existing string
	err := tx.QueryRow(ctx, `
		SELECT path FROM table_files WHERE `+tableKey+` AND path = ANY($4) LIMIT 1`,
		id.Catalog, id.Database, id.Name, paths,
	).Scan(&existing)
	switch {
	case err == nil:
		return fmt.Errorf("%w: файл %s уже зарегистрирован", metastore.ErrCommitConflict, existing)
	case errors.Is(err, pgx.ErrNoRows):
		return nil
	default:
		return fmt.Errorf("ошибка проверки путей: %w", err)
	}
}

// insertFiles регистрирует файлы через COPY.
func insertFiles(ctx context.Context, tx pgx.Tx, id model.TableIdentifier, store model.StoreKind, files []model.DataFile) error {
	if len(files) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(files))
	for _, f := range files {
		var partition any
		if len(f.Partition) > 0 {
			data, err := json.Marshal(f.Partition)
			if err != nil {
				return fmt.Errorf("ошибка сериализации партиции %s: %w", f.Path, err)
			}
			partition = string(data)
		}
		rows = append(rows, []any{
			id.Catalog, id.Database, id.Name, string(store), f.Path,
			f.Partition.Path(), partition, string(f.Format), string(f.Content),
			f.Size, f.RecordCount, int64(f.TransactionID),
		})
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"table_files"}, fileColumns, pgx.CopyFromRows(rows)); err != nil {
		return fmt.Errorf("ошибка регистрации файлов: %w", err)
	}
	return nil
}

// mapCommitError приводит ошибки PostgreSQL к ошибкам metastore.
func mapCommitError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errCommitFailed):
		return fmt.Errorf("%w: %w", metastore.ErrCommitStateUnknown, err)
	case isUniqueViolation(err), isSerializationFailure(err):
		return fmt.Errorf("%w: %w", metastore.ErrCommitConflict, err)
	default:
		return err
	}
}

// Files возвращает файлы store, отсортированные по пути.
func (c *Catalog) Files(ctx context.Context, id model.TableIdentifier, store model.StoreKind) ([]model.DataFile, error) {
	if _, err := c.OptimizingStatus(ctx, id); err != nil {
		return nil, err
	}
	return queryFiles(ctx, c.db, id, store)
}

// queryFiles читает файлы store таблицы.
func queryFiles(ctx context.Context, db DBTX, id model.TableIdentifier, store model.StoreKind) ([]model.DataFile, error) {
	rows, err := db.Query(ctx, `
		SELECT path, partition, format, content, size_bytes, record_count, transaction_id
		FROM table_files
		WHERE `+tableKey+` AND store = $4
		ORDER BY path`,
		id.Catalog, id.Database, id.Name, string(store),
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения файлов %s/%s: %w", id, store, err)
	}
	defer rows.Close()

	var files []model.DataFile
	for rows.Next() {
		var (
			f         model.DataFile
			partition []byte
			format    string
			content   string
			txID      int64
		)
		if err := rows.Scan(&f.Path, &partition, &format, &content, &f.Size, &f.RecordCount, &txID); err != nil {
			return nil, fmt.Errorf("ошибка чтения файла: %w", err)
		}
		if len(partition) > 0 {
			if err := json.Unmarshal(partition, &f.Partition); err != nil {
				return nil, fmt.Errorf("ошибка разбора партиции %s: %w", f.Path, err)
			}
		}
		f.Format = model.FileFormat(format)
		f.Content = model.FileContent(content)
		f.TransactionID = model.TransactionID(txID)
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка чтения файлов %s/%s: %w", id, store, err)
	}
	return files, nil
}

// IsCommitted сообщает, зафиксирована ли транзакция.
func (c *Catalog) IsCommitted(ctx context.Context, id model.TableIdentifier, txID model.TransactionID) (bool, error) {
	var committed bool
	err := c.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM table_commits WHERE `+tableKey+` AND transaction_id = $4)`,
		id.Catalog, id.Database, id.Name, int64(txID),
	).Scan(&committed)
	if err != nil {
		return false, fmt.Errorf("ошибка проверки транзакции %d: %w", txID, err)
	}
	return committed, nil
}

// OptimizingStatus возвращает статус оптимизации таблицы.
func (c *Catalog) OptimizingStatus(ctx context.Context, id model.TableIdentifier) (optimizing.Status, error) {
	var code int
	err := c.db.QueryRow(ctx,
		`SELECT optimizing_status FROM keyed_tables WHERE `+tableKey,
		id.Catalog, id.Database, id.Name,
	).Scan(&code)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%w: %s", metastore.ErrTableNotFound, id)
		}
		return 0, fmt.Errorf("ошибка чтения статуса %s: %w", id, err)
	}
	return optimizing.OfCode(code)
}

// CompareAndSetStatus атомарно меняет статус expected → next
// одним UPDATE с условием на текущее значение.
func (c *Catalog) CompareAndSetStatus(ctx context.Context, id model.TableIdentifier, expected, next optimizing.Status) error {
	tag, err := c.db.Exec(ctx, `
		UPDATE keyed_tables SET optimizing_status = $5, updated_at = now()
		WHERE `+tableKey+` AND optimizing_status = $4`,
		id.Catalog, id.Database, id.Name, expected.Code(), next.Code(),
	)
	if err != nil {
		return fmt.Errorf("ошибка смены статуса %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	current, err := c.OptimizingStatus(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: ожидался %s, текущий %s", optimizing.ErrStatusChanged, expected, current)
}

// Проверка соответствия интерфейсам.
var (
	_ metastore.Store = (*Catalog)(nil)
	_ txn.Allocator   = (*Catalog)(nil)
)

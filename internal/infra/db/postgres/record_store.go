package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog"

	"command-codes/internal/domain"
	"command-codes/internal/domain/model"
	"command-codes/internal/domain/ports/repository"
	"command-codes/internal/infra/metrics"
)

const (
	backendName = "postgres"

	// DefaultTable holds one row per record.
	DefaultTable = "code_records"

	readPageSize = 256
)

var _ repository.RecordStore = (*recordStore)(nil)

type recordStore struct {
	pool  *pgxpool.Pool
	tm    repository.TransactionManager
	table string // sanitized identifier
	name  string
	log   *zerolog.Logger
}

// NewRecordStore keeps records as (position, body jsonb) rows in table.
// ReplaceAll deletes and re-copies every row inside one transaction.
func NewRecordStore(pool *pgxpool.Pool, tm repository.TransactionManager, table string, logger *zerolog.Logger) repository.RecordStore {
	if table == "" {
		table = DefaultTable
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "PostgresRecordStore").Str("table", table).Logger()
	return &recordStore{
		pool:  pool,
		tm:    tm,
		table: pgx.Identifier{table}.Sanitize(),
		name:  table,
		log:   &l,
	}
}

func (r *recordStore) Backend() string { return backendName }

func (r *recordStore) storageErr(op string, err error) *domain.StorageError {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		err = fmt.Errorf("sqlstate %s: %w", pgErr.Code, err)
	}
	return domain.NewStorageError(backendName, op, r.name, err)
}

func (r *recordStore) Exists(ctx context.Context) (bool, error) {
	const q = `SELECT to_regclass($1) IS NOT NULL;`
	var ok bool
	if err := r.pool.QueryRow(ctx, q, r.table).Scan(&ok); err != nil {
		return false, r.storageErr("stat", err)
	}
	return ok, nil
}

func (r *recordStore) Create(ctx context.Context) error {
	q := `
CREATE TABLE IF NOT EXISTS ` + r.table + ` (
  position BIGINT PRIMARY KEY,
  body     JSONB  NOT NULL
);`
	if _, err := execSQL(ctx, r.pool, nil, q); err != nil {
		return r.storageErr("create", err)
	}
	return nil
}

// ReadAll pages through rows by position so no query stays open while the
// caller handles records.
func (r *recordStore) ReadAll(ctx context.Context) iter.Seq2[model.Record, error] {
	return func(yield func(model.Record, error) bool) {
		result := "ok"
		defer metrics.ObserveStoreOp(backendName, "read_all", time.Now(), &result)

		after := int64(-1)
		for {
			page, last, err := r.readPage(ctx, after)
			if err != nil {
				result = "error"
				yield(model.Record{}, err)
				return
			}
			for _, rec := range page {
				if !yield(rec, nil) {
					return
				}
			}
			if len(page) < readPageSize {
				return
			}
			after = last
		}
	}
}

func (r *recordStore) readPage(ctx context.Context, after int64) ([]model.Record, int64, error) {
	q := `SELECT position, body FROM ` + r.table + ` WHERE position > $1 ORDER BY position LIMIT $2;`
	rows, err := r.pool.Query(ctx, q, after, readPageSize)
	if err != nil {
		return nil, 0, r.storageErr("read", err)
	}
	defer rows.Close()

	var (
		page []model.Record
		last int64
	)
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&last, &body); err != nil {
			return nil, 0, r.storageErr("read", err)
		}
		var rec model.Record
		if err := json.Unmarshal(body, &rec); err != nil {
			return nil, 0, r.storageErr("parse", fmt.Errorf("position %d: %w", last, err))
		}
		page = append(page, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, r.storageErr("read", err)
	}
	return page, last, nil
}

func (r *recordStore) ReplaceAll(ctx context.Context, records []model.Record) error {
	result := "ok"
	defer metrics.ObserveStoreOp(backendName, "replace_all", time.Now(), &result)

	if err := ctx.Err(); err != nil {
		result = "error"
		return r.storageErr("replace", err)
	}
	if err := r.Create(ctx); err != nil {
		result = "error"
		return err
	}

	rows := make([][]interface{}, 0, len(records))
	for i := range records {
		rec := records[i]
		if rec.Redeemers == nil {
			rec.Redeemers = []string{}
		}
		body, err := json.Marshal(&rec)
		if err != nil {
			result = "error"
			return r.storageErr("encode", fmt.Errorf("record %d: %w", i, err))
		}
		rows = append(rows, []interface{}{int64(i), string(body)})
	}

	err := r.tm.WithTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(ctx context.Context, tx repository.Tx) error {
		if _, err := execSQL(ctx, r.pool, tx, `DELETE FROM `+r.table+`;`); err != nil {
			return fmt.Errorf("clear: %w", err)
		}
		ex, err := getExecutor(r.pool, tx)
		if err != nil {
			return err
		}
		n, err := ex.CopyFrom(ctx, pgx.Identifier{r.name}, []string{"position", "body"}, pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("copy: %w", err)
		}
		if n != int64(len(rows)) {
			return fmt.Errorf("copy: wrote %d of %d rows", n, len(rows))
		}
		return nil
	})
	if err != nil {
		result = "rolled_back"
		r.log.Error().Err(err).Int("records", len(records)).Msg("rewrite failed, transaction rolled back")
		return r.storageErr("replace", err)
	}
	r.log.Debug().Int("records", len(records)).Msg("replace committed")
	return nil
}

func execSQL(ctx context.Context, pool *pgxpool.Pool, tx repository.Tx, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	ex, err := getExecutor(pool, tx)
	if err != nil {
		return nil, err
	}
	return ex.Exec(ctx, sql, args...)
}

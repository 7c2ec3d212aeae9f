// Package postgres implements the repository contract on PostgreSQL. This is
// the authoritative multi-user backend the central server runs on.
//
// Concurrency comes from the database: writes run in ordinary transactions,
// row updates take FOR UPDATE locks, and uniqueness is enforced by the same
// partial indexes the local backend uses. Text similarity is pushed into the
// database via pg_trgm instead of being computed in-process.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/lib/pq"

	"github.com/locstore/ldm/internal/storage"
	"github.com/locstore/ldm/internal/types"
)

// Verify Store implements the contract at compile time.
var _ storage.Store = (*Store)(nil)

// Store is the PostgreSQL-backed authoritative store.
type Store struct {
	db     *sql.DB
	closed atomic.Bool
}

// Options tune the connection pool.
type Options struct {
	MaxOpenConns int
	MaxIdleConns int
	ConnLifetime time.Duration
}

// DefaultOptions is sized for a small server deployment.
func DefaultOptions() Options {
	return Options{MaxOpenConns: 25, MaxIdleConns: 5, ConnLifetime: 30 * time.Minute}
}

// Open connects to the database at dsn and ensures the schema exists.
func Open(ctx context.Context, dsn string, opts Options) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, types.Wrap(types.KindTransient, err, "ping postgres")
	}
	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the connection pool. Safe to call twice.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func (s *Store) checkOpen() error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	return nil
}

// querier abstracts *sql.DB and *sql.Tx so the same query logic serves both
// direct reads and transactional writes.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// isConstraintErr reports whether err is a uniqueness violation (class 23505).
func isConstraintErr(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// isSerializationErr reports whether err is a transient serialization or
// deadlock failure worth retrying.
func isSerializationErr(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "40001" || pqErr.Code == "40P01"
}

// RunInTx executes fn inside a transaction, retrying on serialization
// failures. Rollback on error or panic.
func (s *Store) RunInTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	return s.write(ctx, func(q querier) error {
		return fn(&txStore{q: q})
	})
}

func (s *Store) write(ctx context.Context, fn func(q querier) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	var err error
	delay := 20 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		err = s.writeOnce(ctx, fn)
		if err == nil || !isSerializationErr(err) {
			return err
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}

func (s *Store) writeOnce(ctx context.Context, fn func(q querier) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

func nullInt(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func intPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

// txStore adapts a transaction to the storage.Tx interface.
type txStore struct {
	q querier
}

var _ storage.Tx = (*txStore)(nil)

func (t *txStore) CreateProject(ctx context.Context, p *types.Project) error {
	return createProject(ctx, t.q, p)
}

func (t *txStore) CreateFolder(ctx context.Context, f *types.Folder) error {
	return createFolder(ctx, t.q, f)
}

func (t *txStore) CreateFile(ctx context.Context, f *types.File) error {
	return createFile(ctx, t.q, f)
}

func (t *txStore) ListRows(ctx context.Context, fileID int64) ([]*types.Row, error) {
	return listRows(ctx, t.q, fileID)
}

func (t *txStore) BulkUpsertRows(ctx context.Context, fileID int64, rows []*types.Row) error {
	return bulkUpsertRows(ctx, t.q, fileID, rows)
}

func (t *txStore) DeleteRow(ctx context.Context, rowID int64) error {
	return deleteRow(ctx, t.q, rowID)
}

func (t *txStore) SoftDelete(ctx context.Context, kind types.ItemKind, id int64, actor string) (int64, error) {
	return softDelete(ctx, t.q, kind, id, actor)
}

func (t *txStore) Purge(ctx context.Context, trashID int64) error {
	return purge(ctx, t.q, trashID)
}

func (t *txStore) DeleteTM(ctx context.Context, id int64) error {
	return deleteTM(ctx, t.q, id)
}

func (t *txStore) EditRow(ctx context.Context, rowID int64, patch types.RowPatch) error {
	return editRow(ctx, t.q, rowID, patch)
}

func (t *txStore) UpsertEntries(ctx context.Context, tmID int64, entries []*types.TMEntry) (int, error) {
	return upsertEntries(ctx, t.q, tmID, entries)
}

func (t *txStore) SetConfig(ctx context.Context, key, value string) error {
	return setConfig(ctx, t.q, key, value)
}

func (t *txStore) GetConfig(ctx context.Context, key string) (string, error) {
	return getConfig(ctx, t.q, key)
}

// SetConfig stores a key/value pair in the config table.
func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	return s.write(ctx, func(q querier) error {
		return setConfig(ctx, q, key, value)
	})
}

// GetConfig returns the value for key, or "" when unset.
func (s *Store) GetConfig(ctx context.Context, key string) (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}
	return getConfig(ctx, s.db, key)
}

func setConfig(ctx context.Context, q querier, key, value string) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO config (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
	return err
}

func getConfig(ctx context.Context, q querier, key string) (string, error) {
	var v string
	err := q.QueryRowContext(ctx, `SELECT value FROM config WHERE key = $1`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}

// nextVersion returns the next value of the store-wide monotonic version
// counter. Sequence values never roll back, so versions stay monotonic even
// across aborted transactions; delta sync only needs "greater than", not
// "dense".
func nextVersion(ctx context.Context, q querier) (int64, error) {
	var v int64
	err := q.QueryRowContext(ctx, `SELECT nextval('global_version_seq')`).Scan(&v)
	return v, err
}

// currentVersion reads the counter's high-water mark without advancing it.
func currentVersion(ctx context.Context, q querier) (int64, error) {
	var v int64
	err := q.QueryRowContext(ctx, `SELECT last_value FROM global_version_seq`).Scan(&v)
	return v, err
}

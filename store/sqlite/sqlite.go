/*
Package sqlite provides the SQLite-backed stores of the irrigation ledger.

PURPOSE:
  Implements ledger.TxStore (parcels, crop cycles, receipts, settings, audit)
  and ledger.FeeTxStore (fee types, obligations, fee receipts, audit). The two
  live in separate database files and never share a transaction.

KEY TABLES (main ledger):
  settings:    folio_actual, ciclo_actual, fecha_ultimo_cierre
  parcels:     registered land parcels, soft-deleted via active = 0
  crop_cycles: plantings with their irrigation counter
  receipts:    one row per sold irrigation, soft-deleted on reversal
  audit_log:   append-only trail

INDEXES:
  - idx_one_active_cycle: at most one active cycle per parcel
  - idx_receipts_folio_live: folio lookups during reversal

CONCURRENCY:
  Writers are serialized twice: an in-process mutex and BEGIN IMMEDIATE
  (_txlock=immediate), so two Issue calls never read the same folio. A
  transaction that still hits SQLITE_BUSY is retried with exponential backoff
  until the busy ceiling, then fails with ledger.ErrLedgerBusy.

WAL MODE:
  Files are opened in WAL mode. Checkpoint folds the WAL back into the main
  file so a backup can copy a single file.

USAGE:
  store, err := sqlite.New("database/riego.db", sqlite.WithInitialCycle("2025-2026"))
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - ledger/store.go: interface definitions
  - fees.go: fee ledger store
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mattn/go-sqlite3"
	"github.com/warp/irrigation-ledger/ledger"
)

// DefaultBusyTimeout bounds how long a transaction is retried while the
// database is locked.
const DefaultBusyTimeout = 10 * time.Second

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// OPTIONS
// =============================================================================

type options struct {
	busyTimeout  time.Duration
	initialCycle string
}

type Option func(*options)

// WithBusyTimeout sets the retry ceiling for locked databases.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.busyTimeout = d
		}
	}
}

// WithInitialCycle sets the ciclo_actual seeded into a fresh database.
func WithInitialCycle(label string) Option {
	return func(o *options) {
		if label != "" {
			o.initialCycle = label
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{busyTimeout: DefaultBusyTimeout, initialCycle: ledger.DefaultCycleLabel}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// =============================================================================
// STORE
// =============================================================================

var _ ledger.TxStore = (*Store)(nil)

// Store implements ledger.TxStore. The value handed to WithTx callbacks is a
// copy whose q is the open *sql.Tx.
type Store struct {
	db          *sql.DB
	q           queryer
	mu          *sync.Mutex
	busyTimeout time.Duration
}

// New opens (creating if needed) the main ledger database at dbPath.
// Use ":memory:" for an in-memory database.
func New(dbPath string, opts ...Option) (*Store, error) {
	o := buildOptions(opts)

	db, err := open(dbPath, o.busyTimeout)
	if err != nil {
		return nil, err
	}

	store := &Store{db: db, q: db, mu: &sync.Mutex{}, busyTimeout: o.busyTimeout}
	if err := store.migrate(o.initialCycle); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func open(dbPath string, busyTimeout time.Duration) (*sql.DB, error) {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=%d",
		dbPath, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Checkpoint folds the WAL into the main database file. It waits for any
// in-flight write transaction.
func (s *Store) Checkpoint(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return checkpoint(ctx, s.db)
}

func checkpoint(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("failed to checkpoint database: %w", err)
	}
	return nil
}

// migrate creates the database schema and seeds the settings.
func (s *Store) migrate(initialCycle string) error {
	schema := `
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS parcels (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		lot TEXT NOT NULL UNIQUE,
		owner TEXT NOT NULL,
		locality TEXT NOT NULL,
		district TEXT NOT NULL,
		area TEXT NOT NULL CHECK (CAST(area AS REAL) > 0),
		notes TEXT,
		phone TEXT,
		address TEXT,
		active INTEGER NOT NULL DEFAULT 1,
		registered_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_parcels_owner
		ON parcels(owner) WHERE active = 1;

	CREATE TABLE IF NOT EXISTS crop_cycles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		parcel_id INTEGER NOT NULL REFERENCES parcels(id),
		crop TEXT NOT NULL,
		irrigations INTEGER NOT NULL DEFAULT 0 CHECK (irrigations >= 0),
		label TEXT NOT NULL,
		started_on TEXT NOT NULL,
		ended_on TEXT,
		active INTEGER NOT NULL DEFAULT 1
	);

	-- A parcel has at most one active cycle
	CREATE UNIQUE INDEX IF NOT EXISTS idx_one_active_cycle
		ON crop_cycles(parcel_id) WHERE active = 1;
	CREATE INDEX IF NOT EXISTS idx_cycles_parcel
		ON crop_cycles(parcel_id, started_on DESC);

	-- cycle_id has no foreign key: reversing the only receipt of a new
	-- cycle deletes the cycle while the soft-deleted receipt stays
	CREATE TABLE IF NOT EXISTS receipts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		folio INTEGER NOT NULL CHECK (folio >= 1),
		issued_at TEXT NOT NULL,
		parcel_id INTEGER NOT NULL REFERENCES parcels(id),
		cycle_id INTEGER NOT NULL,
		crop TEXT NOT NULL,
		irrigation_number INTEGER NOT NULL,
		action TEXT NOT NULL CHECK (action IN ('NewCycle', 'AdditionalIrrigation')),
		amount TEXT NOT NULL,
		cycle_label TEXT NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0,
		deleted_at TEXT,
		deleted_reason TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_receipts_folio_live
		ON receipts(cycle_label, folio) WHERE deleted = 0;
	CREATE INDEX IF NOT EXISTS idx_receipts_issued_at
		ON receipts(issued_at);
	CREATE INDEX IF NOT EXISTS idx_receipts_parcel
		ON receipts(parcel_id);
	` + auditSchema

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	seed := `INSERT OR IGNORE INTO settings (key, value) VALUES (?, ?), (?, ?)`
	_, err := s.db.Exec(seed, ledger.SettingFolio, "1", ledger.SettingCycle, initialCycle)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction, retrying while the
// database is busy.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return retryBusy(ctx, s.busyTimeout, func() error {
		return runTx(ctx, s.db, func(tx *sql.Tx) error {
			bound := *s
			bound.q = tx
			return fn(&bound)
		})
	})
}

func runTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(sqlTx); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// retryBusy re-runs op while SQLite reports the database busy or locked.
// Any other error stops immediately.
func retryBusy(ctx context.Context, ceiling time.Duration, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := op()
		if err != nil && !isBusyError(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(ceiling))

	if err != nil && isBusyError(err) {
		return fmt.Errorf("%w: %v", ledger.ErrLedgerBusy, err)
	}
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullDate(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(ledger.DateLayout), Valid: true}
}

func nullTimestamp(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(ledger.TimestampLayout), Valid: true}
}

func formatTimestamp(t time.Time) string {
	return t.Format(ledger.TimestampLayout)
}

func parseTimestamp(s string) time.Time {
	t, _ := time.ParseInLocation(ledger.TimestampLayout, s, time.Local)
	return t
}

func parseDate(s string) time.Time {
	t, _ := time.ParseInLocation(ledger.DateLayout, s, time.Local)
	return t
}

func parseNullDate(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseDate(ns.String)
	return &t
}

func parseNullTimestamp(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseTimestamp(ns.String)
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isBusyError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/irrigation-ledger/ledger"
)

var _ ledger.FeeTxStore = (*FeeStore)(nil)

// FeeStore implements ledger.FeeTxStore on its own database file.
//
// KEY TABLES:
//
//	fee_types:       fee definitions, each carrying its next_folio
//	fee_obligations: one row per (parcel, fee type), with a parcel snapshot
//	fee_receipts:    payments, unique per (fee_type_id, folio)
//	audit_log:       fee-ledger audit trail
type FeeStore struct {
	db          *sql.DB
	q           queryer
	mu          *sync.Mutex
	busyTimeout time.Duration
}

// NewFeeStore opens (creating if needed) the fee ledger database at dbPath.
func NewFeeStore(dbPath string, opts ...Option) (*FeeStore, error) {
	o := buildOptions(opts)

	db, err := open(dbPath, o.busyTimeout)
	if err != nil {
		return nil, err
	}

	store := &FeeStore{db: db, q: db, mu: &sync.Mutex{}, busyTimeout: o.busyTimeout}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate fee database: %w", err)
	}

	return store, nil
}

func (s *FeeStore) Close() error {
	return s.db.Close()
}

func (s *FeeStore) Checkpoint(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return checkpoint(ctx, s.db)
}

func (s *FeeStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS fee_types (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		rate TEXT NOT NULL CHECK (CAST(rate AS REAL) > 0),
		description TEXT,
		active INTEGER NOT NULL DEFAULT 1,
		next_folio INTEGER NOT NULL DEFAULT 1 CHECK (next_folio >= 1),
		created_at TEXT NOT NULL
	);

	-- parcel_id, lot, owner and district are a snapshot of the main ledger
	CREATE TABLE IF NOT EXISTS fee_obligations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		fee_type_id INTEGER NOT NULL REFERENCES fee_types(id),
		parcel_id INTEGER NOT NULL,
		lot TEXT NOT NULL,
		owner TEXT NOT NULL,
		district TEXT NOT NULL,
		rate TEXT NOT NULL,
		amount TEXT NOT NULL,
		assigned_at TEXT NOT NULL,
		paid INTEGER NOT NULL DEFAULT 0,
		paid_on TEXT,
		receipt_folio INTEGER,
		UNIQUE (parcel_id, fee_type_id)
	);

	CREATE INDEX IF NOT EXISTS idx_obligations_parcel
		ON fee_obligations(parcel_id);
	CREATE INDEX IF NOT EXISTS idx_obligations_paid
		ON fee_obligations(fee_type_id, paid);

	CREATE TABLE IF NOT EXISTS fee_receipts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		folio INTEGER NOT NULL,
		fee_type_id INTEGER NOT NULL REFERENCES fee_types(id),
		fee_name TEXT NOT NULL,
		issued_at TEXT NOT NULL,
		obligation_id INTEGER NOT NULL REFERENCES fee_obligations(id),
		parcel_id INTEGER NOT NULL,
		lot TEXT NOT NULL,
		owner TEXT NOT NULL,
		district TEXT NOT NULL,
		amount TEXT NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0,
		UNIQUE (fee_type_id, folio)
	);

	CREATE INDEX IF NOT EXISTS idx_fee_receipts_issued_at
		ON fee_receipts(issued_at);
	` + auditSchema

	_, err := s.db.Exec(schema)
	return err
}

// WithTx executes fn within a database transaction, retrying while the
// database is busy.
func (s *FeeStore) WithTx(ctx context.Context, fn func(ledger.FeeStore) error) error {
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

// =============================================================================
// FEE TYPES
// =============================================================================

const feeTypeColumns = `id, name, rate, description, active, next_folio, created_at`

func (s *FeeStore) CreateFeeType(ctx context.Context, ft ledger.FeeType) (ledger.FeeTypeID, error) {
	nextFolio := ft.NextFolio
	if nextFolio < 1 {
		nextFolio = 1
	}

	res, err := s.q.ExecContext(ctx, `
		INSERT INTO fee_types (name, rate, description, active, next_folio, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		ft.Name,
		ft.Rate.String(),
		nullString(ft.Description),
		boolToInt(ft.Active),
		nextFolio,
		formatTimestamp(ft.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return 0, fmt.Errorf("fee type %q: %w", ft.Name, ledger.ErrDuplicateFeeType)
		}
		return 0, fmt.Errorf("failed to create fee type: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to create fee type: %w", err)
	}
	return ledger.FeeTypeID(id), nil
}

func (s *FeeStore) GetFeeType(ctx context.Context, id ledger.FeeTypeID) (*ledger.FeeType, error) {
	row := s.q.QueryRowContext(ctx, "SELECT "+feeTypeColumns+" FROM fee_types WHERE id = ?", id)
	ft, err := scanFeeType(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ft, nil
}

func (s *FeeStore) ListFeeTypes(ctx context.Context, activeOnly bool) ([]ledger.FeeType, error) {
	query := "SELECT " + feeTypeColumns + " FROM fee_types"
	if activeOnly {
		query += " WHERE active = 1"
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := s.q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query fee types: %w", err)
	}
	defer rows.Close()

	var types []ledger.FeeType
	for rows.Next() {
		ft, err := scanFeeType(rows)
		if err != nil {
			return nil, err
		}
		types = append(types, ft)
	}
	return types, rows.Err()
}

// UpdateFeeType writes name, rate, description and active. next_folio is
// only moved through FeeFolios.
func (s *FeeStore) UpdateFeeType(ctx context.Context, ft ledger.FeeType) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE fee_types SET name = ?, rate = ?, description = ?, active = ?
		WHERE id = ?
	`, ft.Name, ft.Rate.String(), nullString(ft.Description), boolToInt(ft.Active), ft.ID)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("fee type %q: %w", ft.Name, ledger.ErrDuplicateFeeType)
		}
		return fmt.Errorf("failed to update fee type: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrFeeTypeNotFound
	}
	return nil
}

func (s *FeeStore) FeeFolios(id ledger.FeeTypeID) ledger.Sequence {
	return &sequence{q: s.q, stmts: feeSequenceSQL, key: id}
}

func scanFeeType(row rowScanner) (ledger.FeeType, error) {
	var ft ledger.FeeType
	var description sql.NullString
	var active int
	var createdAt string

	err := row.Scan(&ft.ID, &ft.Name, &ft.Rate, &description, &active, &ft.NextFolio, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ft, err
		}
		return ft, fmt.Errorf("failed to scan fee type: %w", err)
	}

	ft.Description = description.String
	ft.Active = active == 1
	ft.CreatedAt = parseTimestamp(createdAt)
	return ft, nil
}

// =============================================================================
// OBLIGATIONS
// =============================================================================

const obligationColumns = `id, fee_type_id, parcel_id, lot, owner, district, rate, amount, assigned_at,
	paid, paid_on, receipt_folio`

func (s *FeeStore) CreateObligation(ctx context.Context, o ledger.FeeObligation) (ledger.ObligationID, error) {
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO fee_obligations (fee_type_id, parcel_id, lot, owner, district, rate, amount, assigned_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		o.FeeTypeID,
		o.ParcelID,
		o.Lot,
		o.Owner,
		o.District,
		o.Rate.String(),
		o.Amount.String(),
		formatTimestamp(o.AssignedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return 0, fmt.Errorf("lot %s: %w", o.Lot, ledger.ErrDuplicateObligation)
		}
		return 0, fmt.Errorf("failed to create obligation: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to create obligation: %w", err)
	}
	return ledger.ObligationID(id), nil
}

func (s *FeeStore) GetObligation(ctx context.Context, id ledger.ObligationID) (*ledger.FeeObligation, error) {
	row := s.q.QueryRowContext(ctx, "SELECT "+obligationColumns+" FROM fee_obligations WHERE id = ?", id)
	o, err := scanObligation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *FeeStore) ObligationsByParcel(ctx context.Context, parcelID ledger.ParcelID) ([]ledger.FeeObligation, error) {
	return s.queryObligations(ctx,
		"SELECT "+obligationColumns+" FROM fee_obligations WHERE parcel_id = ? ORDER BY assigned_at DESC, id DESC",
		parcelID)
}

func (s *FeeStore) ObligationsByFeeType(ctx context.Context, id ledger.FeeTypeID) ([]ledger.FeeObligation, error) {
	return s.queryObligations(ctx,
		"SELECT "+obligationColumns+" FROM fee_obligations WHERE fee_type_id = ? ORDER BY lot",
		id)
}

func (s *FeeStore) MarkObligationPaid(ctx context.Context, id ledger.ObligationID, paidOn time.Time, folio int64) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE fee_obligations SET paid = 1, paid_on = ?, receipt_folio = ?
		WHERE id = ? AND paid = 0
	`, formatTimestamp(paidOn), folio, id)
	if err != nil {
		return fmt.Errorf("failed to mark obligation paid: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrAlreadyPaid
	}
	return nil
}

func (s *FeeStore) SetObligationAmount(ctx context.Context, id ledger.ObligationID, amount decimal.Decimal) error {
	_, err := s.q.ExecContext(ctx,
		"UPDATE fee_obligations SET amount = ? WHERE id = ? AND paid = 0", amount.String(), id)
	if err != nil {
		return fmt.Errorf("failed to re-price obligation: %w", err)
	}
	return nil
}

func (s *FeeStore) UpdateParcelSnapshot(ctx context.Context, snap ledger.ParcelSnapshot) (int, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE fee_obligations SET lot = ?, owner = ?, district = ?
		WHERE parcel_id = ?
	`, snap.Lot, snap.Owner, snap.District, snap.ParcelID)
	if err != nil {
		return 0, fmt.Errorf("failed to update parcel snapshot: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *FeeStore) queryObligations(ctx context.Context, query string, args ...any) ([]ledger.FeeObligation, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query obligations: %w", err)
	}
	defer rows.Close()

	var obligations []ledger.FeeObligation
	for rows.Next() {
		o, err := scanObligation(rows)
		if err != nil {
			return nil, err
		}
		obligations = append(obligations, o)
	}
	return obligations, rows.Err()
}

func scanObligation(row rowScanner) (ledger.FeeObligation, error) {
	var o ledger.FeeObligation
	var assignedAt string
	var paid int
	var paidOn sql.NullString
	var folio sql.NullInt64

	err := row.Scan(&o.ID, &o.FeeTypeID, &o.ParcelID, &o.Lot, &o.Owner, &o.District, &o.Rate,
		&o.Amount, &assignedAt, &paid, &paidOn, &folio)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return o, err
		}
		return o, fmt.Errorf("failed to scan obligation: %w", err)
	}

	o.AssignedAt = parseTimestamp(assignedAt)
	o.Paid = paid == 1
	o.PaidOn = parseNullTimestamp(paidOn)
	if folio.Valid {
		o.ReceiptFolio = &folio.Int64
	}
	return o, nil
}

// =============================================================================
// FEE RECEIPTS
// =============================================================================

const feeReceiptColumns = `id, folio, fee_type_id, fee_name, issued_at, obligation_id, parcel_id,
	lot, owner, district, amount, deleted`

func (s *FeeStore) InsertFeeReceipt(ctx context.Context, r ledger.FeeReceipt) (int64, error) {
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO fee_receipts
		(folio, fee_type_id, fee_name, issued_at, obligation_id, parcel_id, lot, owner, district, amount)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.Folio,
		r.FeeTypeID,
		r.FeeName,
		formatTimestamp(r.IssuedAt),
		r.ObligationID,
		r.ParcelID,
		r.Lot,
		r.Owner,
		r.District,
		r.Amount.String(),
	)
	if err != nil {
		// (fee_type_id, folio) clash means the sequence was moved by hand
		return 0, fmt.Errorf("failed to insert fee receipt: %w", err)
	}
	return res.LastInsertId()
}

func (s *FeeStore) GetFeeReceipt(ctx context.Context, id int64) (*ledger.FeeReceipt, error) {
	row := s.q.QueryRowContext(ctx, "SELECT "+feeReceiptColumns+" FROM fee_receipts WHERE id = ?", id)
	r, err := scanFeeReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *FeeStore) FeeReceiptsBetween(ctx context.Context, from, to time.Time) ([]ledger.FeeReceipt, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+feeReceiptColumns+` FROM fee_receipts
		WHERE deleted = 0 AND issued_at >= ? AND issued_at < ?
		ORDER BY issued_at, id
	`, formatTimestamp(from), formatTimestamp(to))
	if err != nil {
		return nil, fmt.Errorf("failed to query fee receipts: %w", err)
	}
	defer rows.Close()

	var receipts []ledger.FeeReceipt
	for rows.Next() {
		r, err := scanFeeReceipt(rows)
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}

func scanFeeReceipt(row rowScanner) (ledger.FeeReceipt, error) {
	var r ledger.FeeReceipt
	var issuedAt string
	var deleted int

	err := row.Scan(&r.ID, &r.Folio, &r.FeeTypeID, &r.FeeName, &issuedAt, &r.ObligationID, &r.ParcelID,
		&r.Lot, &r.Owner, &r.District, &r.Amount, &deleted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("failed to scan fee receipt: %w", err)
	}

	r.IssuedAt = parseTimestamp(issuedAt)
	r.Deleted = deleted == 1
	return r, nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (s *FeeStore) AppendAudit(ctx context.Context, entry ledger.AuditEntry) error {
	return appendAudit(ctx, s.q, entry)
}

func (s *FeeStore) Audit(ctx context.Context, filter ledger.AuditFilter) ([]ledger.AuditEntry, error) {
	return queryAudit(ctx, s.q, filter)
}

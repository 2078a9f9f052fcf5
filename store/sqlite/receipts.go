package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/warp/irrigation-ledger/ledger"
)

// =============================================================================
// RECEIPT STORE (ledger.ReceiptStore interface)
// =============================================================================

const receiptColumns = `id, folio, issued_at, parcel_id, cycle_id, crop, irrigation_number, action,
	amount, cycle_label, deleted, deleted_at, deleted_reason`

func (s *Store) InsertReceipt(ctx context.Context, r ledger.Receipt) (ledger.ReceiptID, error) {
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO receipts
		(folio, issued_at, parcel_id, cycle_id, crop, irrigation_number, action, amount, cycle_label)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.Folio,
		formatTimestamp(r.IssuedAt),
		r.ParcelID,
		r.CycleID,
		r.Crop,
		r.IrrigationNumber,
		string(r.Action),
		r.Amount.String(),
		r.CycleLabel,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert receipt: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to insert receipt: %w", err)
	}
	return ledger.ReceiptID(id), nil
}

func (s *Store) GetReceipt(ctx context.Context, id ledger.ReceiptID) (*ledger.Receipt, error) {
	row := s.q.QueryRowContext(ctx, "SELECT "+receiptColumns+" FROM receipts WHERE id = ?", id)
	r, err := scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) ReceiptsByFolio(ctx context.Context, folio int64, label string) ([]ledger.Receipt, error) {
	return s.queryReceipts(ctx, `
		SELECT `+receiptColumns+` FROM receipts
		WHERE deleted = 0 AND folio = ? AND cycle_label = ?
		ORDER BY id
	`, folio, label)
}

// ReceiptsBetween returns live receipts issued in [from, to).
func (s *Store) ReceiptsBetween(ctx context.Context, from, to time.Time) ([]ledger.Receipt, error) {
	return s.queryReceipts(ctx, `
		SELECT `+receiptColumns+` FROM receipts
		WHERE deleted = 0 AND issued_at >= ? AND issued_at < ?
		ORDER BY folio, id
	`, formatTimestamp(from), formatTimestamp(to))
}

func (s *Store) ReceiptsByParcel(ctx context.Context, parcelID ledger.ParcelID) ([]ledger.Receipt, error) {
	return s.queryReceipts(ctx, `
		SELECT `+receiptColumns+` FROM receipts
		WHERE deleted = 0 AND parcel_id = ?
		ORDER BY issued_at DESC, id DESC
	`, parcelID)
}

func (s *Store) CountLiveByFolio(ctx context.Context, folio int64, label string) (int, error) {
	var count int
	err := s.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM receipts WHERE deleted = 0 AND folio = ? AND cycle_label = ?",
		folio, label,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count receipts: %w", err)
	}
	return count, nil
}

func (s *Store) MaxLiveFolio(ctx context.Context, label string) (int64, error) {
	var folio int64
	err := s.q.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(folio), 0) FROM receipts WHERE deleted = 0 AND cycle_label = ?",
		label,
	).Scan(&folio)
	if err != nil {
		return 0, fmt.Errorf("failed to read highest folio: %w", err)
	}
	return folio, nil
}

func (s *Store) MarkReceiptDeleted(ctx context.Context, id ledger.ReceiptID, at time.Time, reason string) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE receipts SET deleted = 1, deleted_at = ?, deleted_reason = ?
		WHERE id = ? AND deleted = 0
	`, formatTimestamp(at), nullString(reason), id)
	if err != nil {
		return fmt.Errorf("failed to reverse receipt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrAlreadyDeleted
	}
	return nil
}

func (s *Store) queryReceipts(ctx context.Context, query string, args ...any) ([]ledger.Receipt, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query receipts: %w", err)
	}
	defer rows.Close()

	var receipts []ledger.Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}

func scanReceipt(row rowScanner) (ledger.Receipt, error) {
	var r ledger.Receipt
	var issuedAt, action string
	var deleted int
	var deletedAt, reason sql.NullString

	err := row.Scan(&r.ID, &r.Folio, &issuedAt, &r.ParcelID, &r.CycleID, &r.Crop, &r.IrrigationNumber,
		&action, &r.Amount, &r.CycleLabel, &deleted, &deletedAt, &reason)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("failed to scan receipt: %w", err)
	}

	r.IssuedAt = parseTimestamp(issuedAt)
	r.Action = ledger.ActionKind(action)
	r.Deleted = deleted == 1
	r.DeletedAt = parseNullTimestamp(deletedAt)
	r.DeletedReason = reason.String
	return r, nil
}

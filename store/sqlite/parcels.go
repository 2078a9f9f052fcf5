package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/warp/irrigation-ledger/ledger"
)

// =============================================================================
// PARCEL STORE (ledger.ParcelStore interface)
// =============================================================================

const parcelColumns = `id, lot, owner, locality, district, area, notes, phone, address, active, registered_at`

func (s *Store) CreateParcel(ctx context.Context, p ledger.Parcel) (ledger.ParcelID, error) {
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO parcels (lot, owner, locality, district, area, notes, phone, address, active, registered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.Lot,
		p.Owner,
		p.Locality,
		p.District,
		p.Area.String(),
		nullString(p.Notes),
		nullString(p.Phone),
		nullString(p.Address),
		boolToInt(p.Active),
		formatTimestamp(p.RegisteredAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return 0, fmt.Errorf("lot %s: %w", p.Lot, ledger.ErrDuplicateLot)
		}
		return 0, fmt.Errorf("failed to create parcel: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to create parcel: %w", err)
	}
	return ledger.ParcelID(id), nil
}

func (s *Store) GetParcel(ctx context.Context, id ledger.ParcelID) (*ledger.Parcel, error) {
	row := s.q.QueryRowContext(ctx, "SELECT "+parcelColumns+" FROM parcels WHERE id = ?", id)
	return scanParcelRow(row)
}

func (s *Store) GetParcelByLot(ctx context.Context, lot string) (*ledger.Parcel, error) {
	row := s.q.QueryRowContext(ctx, "SELECT "+parcelColumns+" FROM parcels WHERE lot = ?", lot)
	return scanParcelRow(row)
}

func (s *Store) UpdateParcel(ctx context.Context, p ledger.Parcel) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE parcels
		SET owner = ?, locality = ?, district = ?, area = ?, notes = ?, phone = ?, address = ?, active = ?
		WHERE id = ?
	`,
		p.Owner,
		p.Locality,
		p.District,
		p.Area.String(),
		nullString(p.Notes),
		nullString(p.Phone),
		nullString(p.Address),
		boolToInt(p.Active),
		p.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update parcel: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrParcelNotFound
	}
	return nil
}

func (s *Store) ListParcels(ctx context.Context) ([]ledger.Parcel, error) {
	return s.queryParcels(ctx,
		"SELECT "+parcelColumns+" FROM parcels WHERE active = 1 ORDER BY owner, lot")
}

func (s *Store) SearchParcels(ctx context.Context, term string) ([]ledger.Parcel, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return s.ListParcels(ctx)
	}

	if isDigits(term) {
		return s.queryParcels(ctx,
			"SELECT "+parcelColumns+" FROM parcels WHERE active = 1 AND lot = ? ORDER BY owner", term)
	}

	like := "%" + term + "%"
	return s.queryParcels(ctx, `
		SELECT `+parcelColumns+` FROM parcels
		WHERE active = 1 AND (owner LIKE ? OR lot LIKE ?)
		ORDER BY owner, lot
	`, like, like)
}

func (s *Store) CountActiveParcels(ctx context.Context) (int, error) {
	var count int
	err := s.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM parcels WHERE active = 1").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count parcels: %w", err)
	}
	return count, nil
}

func (s *Store) queryParcels(ctx context.Context, query string, args ...any) ([]ledger.Parcel, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query parcels: %w", err)
	}
	defer rows.Close()

	var parcels []ledger.Parcel
	for rows.Next() {
		p, err := scanParcel(rows)
		if err != nil {
			return nil, err
		}
		parcels = append(parcels, p)
	}
	return parcels, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanParcelRow(row *sql.Row) (*ledger.Parcel, error) {
	p, err := scanParcel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func scanParcel(row rowScanner) (ledger.Parcel, error) {
	var p ledger.Parcel
	var notes, phone, address sql.NullString
	var active int
	var registeredAt string

	err := row.Scan(&p.ID, &p.Lot, &p.Owner, &p.Locality, &p.District, &p.Area,
		&notes, &phone, &address, &active, &registeredAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, err
		}
		return p, fmt.Errorf("failed to scan parcel: %w", err)
	}

	p.Notes = notes.String
	p.Phone = phone.String
	p.Address = address.String
	p.Active = active == 1
	p.RegisteredAt = parseTimestamp(registeredAt)
	return p, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return s != ""
}

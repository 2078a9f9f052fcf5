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
// CYCLE STORE (ledger.CycleStore interface)
// =============================================================================

const cycleColumns = `id, parcel_id, crop, irrigations, label, started_on, ended_on, active`

func (s *Store) CreateCycle(ctx context.Context, c ledger.CropCycle) (ledger.CycleID, error) {
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO crop_cycles (parcel_id, crop, irrigations, label, started_on, ended_on, active)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		c.ParcelID,
		c.Crop,
		c.Irrigations,
		c.Label,
		c.StartedOn.Format(ledger.DateLayout),
		nullDate(c.EndedOn),
		boolToInt(c.Active),
	)
	if err != nil {
		// idx_one_active_cycle is the only unique constraint on the table
		if isUniqueConstraintError(err) {
			return 0, fmt.Errorf("parcel %d: %w", c.ParcelID, ledger.ErrActiveCycleConflict)
		}
		return 0, fmt.Errorf("failed to create crop cycle: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to create crop cycle: %w", err)
	}
	return ledger.CycleID(id), nil
}

func (s *Store) GetCycle(ctx context.Context, id ledger.CycleID) (*ledger.CropCycle, error) {
	row := s.q.QueryRowContext(ctx, "SELECT "+cycleColumns+" FROM crop_cycles WHERE id = ?", id)
	return scanCycleRow(row)
}

func (s *Store) ActiveCycle(ctx context.Context, parcelID ledger.ParcelID) (*ledger.CropCycle, error) {
	row := s.q.QueryRowContext(ctx,
		"SELECT "+cycleColumns+" FROM crop_cycles WHERE parcel_id = ? AND active = 1", parcelID)
	return scanCycleRow(row)
}

func (s *Store) CycleHistory(ctx context.Context, parcelID ledger.ParcelID) ([]ledger.CropCycle, error) {
	return s.queryCycles(ctx,
		"SELECT "+cycleColumns+" FROM crop_cycles WHERE parcel_id = ? ORDER BY started_on DESC, id DESC",
		parcelID)
}

func (s *Store) ActiveCycles(ctx context.Context) ([]ledger.CropCycle, error) {
	return s.queryCycles(ctx, `
		SELECT c.id, c.parcel_id, c.crop, c.irrigations, c.label, c.started_on, c.ended_on, c.active
		FROM crop_cycles c
		JOIN parcels p ON p.id = c.parcel_id
		WHERE c.active = 1 AND p.active = 1
		ORDER BY c.crop, c.parcel_id
	`)
}

func (s *Store) AddIrrigations(ctx context.Context, id ledger.CycleID, delta int) (int, error) {
	var count int
	err := s.q.QueryRowContext(ctx, `
		UPDATE crop_cycles SET irrigations = MAX(0, irrigations + ?)
		WHERE id = ? RETURNING irrigations
	`, delta, id).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ledger.ErrCycleNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to update irrigations: %w", err)
	}
	return count, nil
}

func (s *Store) CloseCycle(ctx context.Context, id ledger.CycleID, endedOn time.Time) error {
	res, err := s.q.ExecContext(ctx,
		"UPDATE crop_cycles SET active = 0, ended_on = ? WHERE id = ?",
		endedOn.Format(ledger.DateLayout), id)
	if err != nil {
		return fmt.Errorf("failed to close crop cycle: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrCycleNotFound
	}
	return nil
}

func (s *Store) DeleteCycle(ctx context.Context, id ledger.CycleID) error {
	res, err := s.q.ExecContext(ctx, "DELETE FROM crop_cycles WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete crop cycle: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrCycleNotFound
	}
	return nil
}

func (s *Store) queryCycles(ctx context.Context, query string, args ...any) ([]ledger.CropCycle, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query crop cycles: %w", err)
	}
	defer rows.Close()

	var cycles []ledger.CropCycle
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, err
		}
		cycles = append(cycles, c)
	}
	return cycles, rows.Err()
}

func scanCycleRow(row *sql.Row) (*ledger.CropCycle, error) {
	c, err := scanCycle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func scanCycle(row rowScanner) (ledger.CropCycle, error) {
	var c ledger.CropCycle
	var startedOn string
	var endedOn sql.NullString
	var active int

	err := row.Scan(&c.ID, &c.ParcelID, &c.Crop, &c.Irrigations, &c.Label, &startedOn, &endedOn, &active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c, err
		}
		return c, fmt.Errorf("failed to scan crop cycle: %w", err)
	}

	c.StartedOn = parseDate(startedOn)
	c.EndedOn = parseNullDate(endedOn)
	c.Active = active == 1
	return c, nil
}

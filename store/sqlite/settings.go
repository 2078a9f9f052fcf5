package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/warp/irrigation-ledger/ledger"
)

// =============================================================================
// SETTINGS (ledger.Settings interface)
// =============================================================================

func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.q.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return value, true, nil
}

func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write setting %s: %w", key, err)
	}
	return nil
}

// Folios returns folio_actual as a sequence bound to the same connection or
// transaction as s.
func (s *Store) Folios() ledger.Sequence {
	return &sequence{q: s.q, stmts: settingSequenceSQL, key: ledger.SettingFolio}
}

// =============================================================================
// SEQUENCES (ledger.Sequence interface)
// =============================================================================

// Each statement reads or moves the counter in one round trip. Reset takes
// the new value first and the key second.
type sequenceSQL struct {
	current string
	next    string
	rewind  string
	reset   string
}

var settingSequenceSQL = sequenceSQL{
	current: `SELECT CAST(value AS INTEGER) FROM settings WHERE key = ?`,
	next: `UPDATE settings SET value = CAST(CAST(value AS INTEGER) + 1 AS TEXT)
		WHERE key = ? RETURNING CAST(value AS INTEGER) - 1`,
	rewind: `UPDATE settings SET value = CAST(MAX(1, CAST(value AS INTEGER) - 1) AS TEXT)
		WHERE key = ? RETURNING CAST(value AS INTEGER)`,
	reset: `UPDATE settings SET value = CAST(? AS TEXT) WHERE key = ?`,
}

var feeSequenceSQL = sequenceSQL{
	current: `SELECT next_folio FROM fee_types WHERE id = ?`,
	next:    `UPDATE fee_types SET next_folio = next_folio + 1 WHERE id = ? RETURNING next_folio - 1`,
	rewind:  `UPDATE fee_types SET next_folio = MAX(1, next_folio - 1) WHERE id = ? RETURNING next_folio`,
	reset:   `UPDATE fee_types SET next_folio = ? WHERE id = ?`,
}

type sequence struct {
	q     queryer
	stmts sequenceSQL
	key   any
}

func (seq *sequence) Current(ctx context.Context) (int64, error) {
	return seq.scan(ctx, seq.stmts.current)
}

func (seq *sequence) Next(ctx context.Context) (int64, error) {
	return seq.scan(ctx, seq.stmts.next)
}

func (seq *sequence) Rewind(ctx context.Context) (int64, error) {
	return seq.scan(ctx, seq.stmts.rewind)
}

func (seq *sequence) Reset(ctx context.Context, value int64) error {
	res, err := seq.q.ExecContext(ctx, seq.stmts.reset, value, seq.key)
	if err != nil {
		return fmt.Errorf("failed to reset sequence %v: %w", seq.key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sequence %v: %w", seq.key, ledger.ErrSequenceMissing)
	}
	return nil
}

func (seq *sequence) scan(ctx context.Context, query string) (int64, error) {
	var value int64
	err := seq.q.QueryRowContext(ctx, query, seq.key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("sequence %v: %w", seq.key, ledger.ErrSequenceMissing)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read sequence %v: %w", seq.key, err)
	}
	return value, nil
}

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/warp/irrigation-ledger/ledger"
)

// =============================================================================
// AUDIT LOG (ledger.AuditLog interface)
// =============================================================================

// auditSchema is shared by both databases. There is no UPDATE or DELETE on
// this table anywhere in the package.
const auditSchema = `
	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		at TEXT NOT NULL,
		kind TEXT NOT NULL,
		actor TEXT NOT NULL,
		description TEXT NOT NULL,
		snapshot TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_at
		ON audit_log(at);
	CREATE INDEX IF NOT EXISTS idx_audit_kind
		ON audit_log(kind);
`

func (s *Store) AppendAudit(ctx context.Context, entry ledger.AuditEntry) error {
	return appendAudit(ctx, s.q, entry)
}

func (s *Store) Audit(ctx context.Context, filter ledger.AuditFilter) ([]ledger.AuditEntry, error) {
	return queryAudit(ctx, s.q, filter)
}

func appendAudit(ctx context.Context, q queryer, entry ledger.AuditEntry) error {
	actor := entry.Actor
	if actor == "" {
		actor = ledger.SystemActor
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO audit_log (at, kind, actor, description, snapshot)
		VALUES (?, ?, ?, ?, ?)
	`,
		formatTimestamp(entry.At),
		string(entry.Kind),
		actor,
		entry.Description,
		nullString(entry.Snapshot),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func queryAudit(ctx context.Context, q queryer, filter ledger.AuditFilter) ([]ledger.AuditEntry, error) {
	var where []string
	var args []any

	if len(filter.Kinds) > 0 {
		placeholders := make([]string, len(filter.Kinds))
		for i, kind := range filter.Kinds {
			placeholders[i] = "?"
			args = append(args, string(kind))
		}
		where = append(where, "kind IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.From != nil {
		where = append(where, "at >= ?")
		args = append(args, formatTimestamp(*filter.From))
	}
	if filter.To != nil {
		where = append(where, "at < ?")
		args = append(args, formatTimestamp(*filter.To))
	}

	query := "SELECT id, at, kind, actor, description, snapshot FROM audit_log"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []ledger.AuditEntry
	for rows.Next() {
		var e ledger.AuditEntry
		var at, kind string
		var snapshot sql.NullString
		if err := rows.Scan(&e.ID, &at, &kind, &e.Actor, &e.Description, &snapshot); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.At = parseTimestamp(at)
		e.Kind = ledger.AuditKind(kind)
		e.Snapshot = snapshot.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

package ledger

import (
	"encoding/json"
	"fmt"
	"time"
)

// NewAuditEntry builds an entry attributed to the system actor. prior, when
// non-nil, is stored as the JSON snapshot of the state before the change.
func NewAuditEntry(at time.Time, kind AuditKind, prior any, format string, args ...any) AuditEntry {
	return AuditEntry{
		At:          at,
		Kind:        kind,
		Actor:       SystemActor,
		Description: fmt.Sprintf(format, args...),
		Snapshot:    snapshotJSON(prior),
	}
}

func snapshotJSON(v any) string {
	if v == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return ""
	}
	return string(data)
}

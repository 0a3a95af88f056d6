package audit

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore persists audit entries in the webhook_events table.
type PGStore struct {
	Pool *pgxpool.Pool
}

const upsertEvent = `INSERT INTO webhook_events
	(provider, event_id, event_type, invoice_name, outcome, error_kind, payload, received_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (provider, event_id) DO UPDATE SET
	invoice_name = EXCLUDED.invoice_name,
	outcome = EXCLUDED.outcome,
	error_kind = EXCLUDED.error_kind,
	received_at = EXCLUDED.received_at`

// UpsertEvent implements Store.
func (s PGStore) UpsertEvent(ctx context.Context, e Entry) error {
	var payload []byte
	if len(e.Payload) > 0 {
		payload = e.Payload
	}
	_, err := s.Pool.Exec(ctx, upsertEvent, e.Provider, e.EventID, e.EventType, e.Invoice, e.Outcome, e.ErrorKind, payload, e.ReceivedAt)
	return err
}

const listEvents = `SELECT provider, event_id, event_type, invoice_name, outcome, error_kind, received_at
FROM webhook_events
WHERE ($1 = '' OR invoice_name = $1)
  AND ($2 = '' OR outcome = $2)
ORDER BY received_at DESC
LIMIT $3 OFFSET $4`

// ListEvents implements Store.
func (s PGStore) ListEvents(ctx context.Context, f Filter) ([]Entry, error) {
	rows, err := s.Pool.Query(ctx, listEvents, f.Invoice, f.Outcome, f.Limit, f.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Provider, &e.EventID, &e.EventType, &e.Invoice, &e.Outcome, &e.ErrorKind, &e.ReceivedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Package audit keeps a durable trail of every verified webhook event and
// the outcome the bridge reached for it.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Entry is one audited webhook event.
type Entry struct {
	Provider   string          `json:"provider"`
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	Invoice    string          `json:"invoice,omitempty"`
	Outcome    string          `json:"outcome"`
	ErrorKind  string          `json:"error_kind,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Filter narrows ListEvents results.
type Filter struct {
	Invoice string
	Outcome string
	Limit   int
	Offset  int
}

// Store defines the persistence required for auditing.
type Store interface {
	UpsertEvent(ctx context.Context, e Entry) error
	ListEvents(ctx context.Context, f Filter) ([]Entry, error)
}

// Service persists audit entries when auditing is enabled. Failures are
// logged and never affect the audited operation.
type Service struct {
	Store         Store
	Enabled       bool
	StorePayloads bool
	Logger        zerolog.Logger
}

// Record stores e. Redelivered events overwrite the outcome of earlier attempts.
func (s Service) Record(ctx context.Context, e Entry) {
	if !s.Enabled {
		return
	}
	if err := s.record(ctx, e); err != nil {
		s.Logger.Warn().Err(err).Str("event_id", e.EventID).Msg("audit_record_failed")
	}
}

func (s Service) record(ctx context.Context, e Entry) error {
	if s.Store == nil {
		return errors.New("audit: store not configured")
	}
	e.Provider = normalizeLabel(e.Provider, "stripe")
	e.EventID = strings.TrimSpace(e.EventID)
	if e.EventID == "" {
		return errors.New("audit: event id is required")
	}
	e.Outcome = normalizeLabel(e.Outcome, "unknown")
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}
	if !s.StorePayloads || !json.Valid(e.Payload) {
		e.Payload = nil
	}
	return s.Store.UpsertEvent(ctx, e)
}

func normalizeLabel(v, fallback string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return fallback
	}
	return v
}

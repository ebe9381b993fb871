package storage

import (
	"context"

	"github.com/Shugur-Network/relaypool/internal/domain"
	"github.com/Shugur-Network/relaypool/internal/metrics"
	"github.com/jackc/pgx/v5"
	nostr "github.com/nbd-wtf/go-nostr"
)

const (
	insertEventSQL = `INSERT INTO events (id, pubkey, created_at, kind, tags, content, sig)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`

	insertSightingSQL = `INSERT INTO event_relays (event_id, relay)
		VALUES ($1, $2)
		ON CONFLICT (event_id, relay) DO NOTHING`

	sightingsSQL = `SELECT relay FROM event_relays WHERE event_id = $1 ORDER BY seen_at, relay`
)

// sinkRetries bounds attempts on transient pg errors. Callers do not retry.
const sinkRetries = 3

// Sink records delivered events and the relays they were seen on.
type Sink struct {
	db *DB
}

var _ domain.EventSink = (*Sink)(nil)

// NewSink returns an EventSink writing to db.
func NewSink(db *DB) *Sink {
	return &Sink{db: db}
}

func eventArgs(evt *nostr.Event) []any {
	tags := evt.Tags
	if tags == nil {
		tags = nostr.Tags{}
	}
	return []any{evt.ID, evt.PubKey, int64(evt.CreatedAt), evt.Kind, tags, evt.Content, evt.Sig}
}

// StoreEvent inserts evt and its first sighting in one transaction.
func (s *Sink) StoreEvent(ctx context.Context, evt *nostr.Event, relay string) error {
	err := executeWithRetry(ctx, sinkRetries, func(ctx context.Context) error {
		batch := &pgx.Batch{}
		batch.Queue(insertEventSQL, eventArgs(evt)...)
		batch.Queue(insertSightingSQL, evt.ID, relay)
		return s.db.ExecuteBatch(ctx, batch)
	})
	record("store", err)
	return err
}

// MarkSeen records that eventID was also seen on relay.
func (s *Sink) MarkSeen(ctx context.Context, eventID, relay string) error {
	err := executeWithRetry(ctx, sinkRetries, func(ctx context.Context) error {
		return s.db.ExecuteCommand(ctx, insertSightingSQL, eventID, relay)
	})
	record("mark_seen", err)
	return err
}

// SeenOn returns the relays eventID was recorded on, oldest first.
func (s *Sink) SeenOn(ctx context.Context, eventID string) ([]string, error) {
	if !s.db.isConnected() {
		return nil, errNotConnected
	}
	rows, err := s.db.Pool.Query(ctx, sightingsSQL, eventID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func record(op string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	metrics.DBOperations.WithLabelValues(op, result).Inc()
}

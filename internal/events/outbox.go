package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wolfman30/comchat-platform/pkg/logging"
)

// OutboxEntry is one pending webhook delivery.
type OutboxEntry struct {
	ID        uuid.UUID
	TenantID  string
	WebhookID string
	Type      string
	Payload   json.RawMessage
	Attempts  int
	CreatedAt time.Time
}

// DeliveryHandler emits entries to their destination.
type DeliveryHandler interface {
	Handle(ctx context.Context, entry OutboxEntry) error
}

// Outbox is the persistence the recorder and deliverer share.
type Outbox interface {
	Insert(ctx context.Context, tenantID, webhookID, eventType string, payload any) (uuid.UUID, error)
	FetchPending(ctx context.Context, limit int32) ([]OutboxEntry, error)
	MarkDelivered(ctx context.Context, id uuid.UUID) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, attempts int, next time.Time, lastErr string, dead bool) error
}

type outboxConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// OutboxStore persists webhook deliveries in PostgreSQL.
type OutboxStore struct {
	pool outboxConn
}

func NewOutboxStore(pool *pgxpool.Pool) *OutboxStore {
	if pool == nil {
		panic("events: pgx pool required")
	}
	return &OutboxStore{pool: pool}
}

func newOutboxStoreWithExec(exec outboxConn) *OutboxStore {
	if exec == nil {
		panic("events: exec required")
	}
	return &OutboxStore{pool: exec}
}

func (s *OutboxStore) Insert(ctx context.Context, tenantID, webhookID, eventType string, payload any) (uuid.UUID, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("events: marshal payload: %w", err)
	}
	id := uuid.New()
	query := `
		INSERT INTO outbox (id, tenant_id, webhook_id, event_type, payload)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := s.pool.Exec(ctx, query, id, tenantID, webhookID, eventType, data); err != nil {
		return uuid.Nil, fmt.Errorf("events: insert outbox: %w", err)
	}
	return id, nil
}

func (s *OutboxStore) FetchPending(ctx context.Context, limit int32) ([]OutboxEntry, error) {
	query := `
		SELECT id, tenant_id, webhook_id, event_type, payload, attempts, created_at
		FROM outbox
		WHERE delivered_at IS NULL AND dead_at IS NULL AND next_attempt_at <= now()
		ORDER BY created_at
		LIMIT $1
	`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("events: fetch pending: %w", err)
	}
	defer rows.Close()

	var entries []OutboxEntry
	for rows.Next() {
		var entry OutboxEntry
		var payload []byte
		if err := rows.Scan(&entry.ID, &entry.TenantID, &entry.WebhookID, &entry.Type, &payload, &entry.Attempts, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("events: scan outbox: %w", err)
		}
		entry.Payload = append([]byte(nil), payload...)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *OutboxStore) MarkDelivered(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE outbox
		SET delivered_at = now()
		WHERE id = $1 AND delivered_at IS NULL
	`
	ct, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("events: mark delivered: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// MarkFailed records a failed attempt. Dead entries are never fetched again.
func (s *OutboxStore) MarkFailed(ctx context.Context, id uuid.UUID, attempts int, next time.Time, lastErr string, dead bool) error {
	query := `
		UPDATE outbox
		SET attempts = $2, next_attempt_at = $3, last_error = $4,
			dead_at = CASE WHEN $5 THEN now() ELSE NULL END
		WHERE id = $1
	`
	if _, err := s.pool.Exec(ctx, query, id, attempts, next, lastErr, dead); err != nil {
		return fmt.Errorf("events: mark failed: %w", err)
	}
	return nil
}

// Deliverer polls the outbox and invokes the handler, backing off failed
// entries exponentially until MaxAttempts.
type Deliverer struct {
	store       Outbox
	handler     DeliveryHandler
	logger      *logging.Logger
	batchSize   int32
	interval    time.Duration
	baseBackoff time.Duration
	maxBackoff  time.Duration
	maxAttempts int
	now         func() time.Time
}

func NewDeliverer(store Outbox, handler DeliveryHandler, logger *logging.Logger) *Deliverer {
	if logger == nil {
		logger = logging.Default()
	}
	return &Deliverer{
		store:       store,
		handler:     handler,
		logger:      logger,
		batchSize:   25,
		interval:    2 * time.Second,
		baseBackoff: 30 * time.Second,
		maxBackoff:  time.Hour,
		maxAttempts: 8,
		now:         time.Now,
	}
}

func (d *Deliverer) WithBatchSize(size int32) *Deliverer {
	if size > 0 {
		d.batchSize = size
	}
	return d
}

func (d *Deliverer) WithInterval(interval time.Duration) *Deliverer {
	if interval > 0 {
		d.interval = interval
	}
	return d
}

func (d *Deliverer) WithMaxAttempts(n int) *Deliverer {
	if n > 0 {
		d.maxAttempts = n
	}
	return d
}

func (d *Deliverer) Start(ctx context.Context) {
	if d.store == nil || d.handler == nil {
		return
	}
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.drain(ctx)
		}
	}
}

// backoff returns the delay before retry number attempts (1-based).
func (d *Deliverer) backoff(attempts int) time.Duration {
	delay := d.baseBackoff
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= d.maxBackoff {
			return d.maxBackoff
		}
	}
	return delay
}

func (d *Deliverer) drain(ctx context.Context) {
	entries, err := d.store.FetchPending(ctx, d.batchSize)
	if err != nil {
		d.logger.Error("outbox fetch failed", "error", err)
		return
	}
	for _, entry := range entries {
		if err := d.handler.Handle(ctx, entry); err != nil {
			attempts := entry.Attempts + 1
			dead := attempts >= d.maxAttempts
			next := d.now().Add(d.backoff(attempts))
			d.logger.Warn("outbox delivery failed", "error", err, "event_id", entry.ID, "type", entry.Type, "attempts", attempts, "dead", dead)
			if merr := d.store.MarkFailed(ctx, entry.ID, attempts, next, err.Error(), dead); merr != nil {
				d.logger.Error("failed to record outbox failure", "error", merr, "event_id", entry.ID)
			}
			continue
		}
		if ok, err := d.store.MarkDelivered(ctx, entry.ID); err != nil {
			d.logger.Error("failed to mark outbox delivered", "error", err, "event_id", entry.ID)
		} else if ok {
			d.logger.Debug("outbox delivered", "event_id", entry.ID, "type", entry.Type)
		}
	}
}

package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wolfman30/comchat-platform/internal/tenancy"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var storeTracer = otel.Tracer("comchat.internal.conversation")

type pgxConn interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists conversations in PostgreSQL. Sequence numbers come
// from conversations.next_seq, read under a row lock in the same transaction
// as the message insert.
type PostgresStore struct {
	pool pgxConn
	now  func() time.Time
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	if pool == nil {
		panic("conversation: pgx pool required")
	}
	return &PostgresStore{pool: pool, now: time.Now}
}

func newPostgresStoreWithConn(conn pgxConn) *PostgresStore {
	if conn == nil {
		panic("conversation: conn required")
	}
	return &PostgresStore{pool: conn, now: time.Now}
}

const conversationColumns = `id, tenant_id, channel, external_user_id, status, created_at, last_activity_at, closed_at`

func scanConversation(row pgx.Row) (*Conversation, error) {
	var c Conversation
	var channel, status string
	if err := row.Scan(&c.ID, &c.TenantID, &channel, &c.ExternalUserID, &status, &c.CreatedAt, &c.LastActivityAt, &c.ClosedAt); err != nil {
		return nil, err
	}
	c.Channel = Channel(channel)
	c.Status = Status(status)
	return &c, nil
}

// ResolveOrCreate implements Store.
func (s *PostgresStore) ResolveOrCreate(ctx context.Context, key Key, mode tenancy.ReopenMode) (*Conversation, bool, error) {
	ctx, span := storeTracer.Start(ctx, "conversation.resolve", trace.WithAttributes(
		attribute.String("comchat.tenant_id", key.TenantID),
		attribute.String("comchat.channel", string(key.Channel)),
	))
	defer span.End()

	conv, err := s.activeByKey(ctx, key)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("conversation: select active: %w", err)
	}

	now := s.now().UTC()
	if mode == tenancy.ReopenSame {
		query := `
			UPDATE conversations
			SET status = 'active', closed_at = NULL, last_activity_at = $4
			WHERE id = (
				SELECT id FROM conversations
				WHERE tenant_id = $1 AND channel = $2 AND external_user_id = $3
				ORDER BY created_at DESC
				LIMIT 1
			) AND status = 'closed'
			RETURNING ` + conversationColumns
		conv, err := scanConversation(s.pool.QueryRow(ctx, query, key.TenantID, string(key.Channel), key.ExternalUserID, now))
		switch {
		case err == nil:
			return conv, false, nil
		case errors.Is(err, pgx.ErrNoRows):
		case isUniqueViolation(err):
			return s.reselect(ctx, key)
		default:
			return nil, false, fmt.Errorf("conversation: reopen: %w", err)
		}
	}

	query := `
		INSERT INTO conversations (id, tenant_id, channel, external_user_id, status, next_seq, created_at, last_activity_at)
		VALUES ($1, $2, $3, $4, 'active', 1, $5, $5)
		ON CONFLICT DO NOTHING
		RETURNING ` + conversationColumns
	conv, err = scanConversation(s.pool.QueryRow(ctx, query, uuid.NewString(), key.TenantID, string(key.Channel), key.ExternalUserID, now))
	if err == nil {
		return conv, true, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		// Another process created it between our select and insert.
		return s.reselect(ctx, key)
	}
	return nil, false, fmt.Errorf("conversation: insert: %w", err)
}

func (s *PostgresStore) reselect(ctx context.Context, key Key) (*Conversation, bool, error) {
	conv, err := s.activeByKey(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("conversation: reselect active: %w", err)
	}
	return conv, false, nil
}

func (s *PostgresStore) activeByKey(ctx context.Context, key Key) (*Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE tenant_id = $1 AND channel = $2 AND external_user_id = $3 AND status = 'active'
	`
	return scanConversation(s.pool.QueryRow(ctx, query, key.TenantID, string(key.Channel), key.ExternalUserID))
}

// Append implements Store.
func (s *PostgresStore) Append(ctx context.Context, conversationID string, msg Message) (Message, error) {
	ctx, span := storeTracer.Start(ctx, "conversation.append", trace.WithAttributes(
		attribute.String("comchat.conversation_id", conversationID),
		attribute.String("comchat.role", string(msg.Role)),
	))
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Message{}, fmt.Errorf("conversation: begin append: %w", err)
	}
	defer tx.Rollback(ctx)

	var seq int64
	var status string
	err = tx.QueryRow(ctx, `SELECT next_seq, status FROM conversations WHERE id = $1 FOR UPDATE`, conversationID).Scan(&seq, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrConversationNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("conversation: lock conversation: %w", err)
	}
	if Status(status) != StatusActive {
		return Message{}, ErrConversationClosed
	}

	now := s.now().UTC()
	msg.ID = uuid.NewString()
	msg.ConversationID = conversationID
	msg.Seq = seq
	msg.CreatedAt = now
	var mediaURL, mediaType string
	if msg.Media != nil {
		mediaURL, mediaType = msg.Media.URL, msg.Media.MIMEType
	}

	insert := `
		INSERT INTO messages (id, conversation_id, seq, role, text, media_url, media_type, backend,
			latency_ms, fallback, input_tokens, output_tokens, channel_message_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	if _, err := tx.Exec(ctx, insert, msg.ID, conversationID, seq, string(msg.Role), msg.Text, mediaURL, mediaType,
		msg.Backend, msg.LatencyMs, msg.Fallback, msg.InputTokens, msg.OutputTokens, msg.ChannelMessageID, now); err != nil {
		if isUniqueViolation(err) {
			return Message{}, ErrDuplicateMessage
		}
		return Message{}, fmt.Errorf("conversation: insert message: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE conversations SET next_seq = next_seq + 1, last_activity_at = $2 WHERE id = $1`, conversationID, now); err != nil {
		return Message{}, fmt.Errorf("conversation: advance seq: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Message{}, fmt.Errorf("conversation: commit append: %w", err)
	}
	span.SetAttributes(attribute.Int64("comchat.seq", seq))
	return msg, nil
}

const messageColumns = `id, conversation_id, seq, role, text, media_url, media_type, backend,
	latency_ms, fallback, input_tokens, output_tokens, channel_message_id, created_at`

func scanMessage(row pgx.Row) (Message, error) {
	var m Message
	var role, mediaURL, mediaType string
	if err := row.Scan(&m.ID, &m.ConversationID, &m.Seq, &role, &m.Text, &mediaURL, &mediaType, &m.Backend,
		&m.LatencyMs, &m.Fallback, &m.InputTokens, &m.OutputTokens, &m.ChannelMessageID, &m.CreatedAt); err != nil {
		return Message{}, err
	}
	m.Role = Role(role)
	if mediaURL != "" {
		m.Media = &Media{URL: mediaURL, MIMEType: mediaType}
	}
	return m, nil
}

// History implements Store.
func (s *PostgresStore) History(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	ctx, span := storeTracer.Start(ctx, "conversation.history")
	defer span.End()

	if limit <= 0 {
		limit = -1
	}
	// Trailing window, re-ordered oldest first.
	query := `
		SELECT ` + messageColumns + `
		FROM (
			SELECT * FROM messages
			WHERE conversation_id = $1
			ORDER BY seq DESC
			LIMIT NULLIF($2, -1)
		) tail
		ORDER BY seq ASC
	`
	rows, err := s.pool.Query(ctx, query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("conversation: query history: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("conversation: scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversation: iterate history: %w", err)
	}
	return out, nil
}

// FindInbound implements Store.
func (s *PostgresStore) FindInbound(ctx context.Context, conversationID, channelMessageID string) (Message, *Message, error) {
	ctx, span := storeTracer.Start(ctx, "conversation.find_inbound", trace.WithAttributes(
		attribute.String("comchat.conversation_id", conversationID),
	))
	defer span.End()

	if channelMessageID == "" {
		return Message{}, nil, ErrMessageNotFound
	}
	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE conversation_id = $1 AND channel_message_id = $2 AND role = 'user'`
	msg, err := scanMessage(s.pool.QueryRow(ctx, query, conversationID, channelMessageID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, nil, ErrMessageNotFound
	}
	if err != nil {
		return Message{}, nil, fmt.Errorf("conversation: find inbound: %w", err)
	}

	query = `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = $1 AND seq = $2`
	next, err := scanMessage(s.pool.QueryRow(ctx, query, conversationID, msg.Seq+1))
	if errors.Is(err, pgx.ErrNoRows) {
		return msg, nil, nil
	}
	if err != nil {
		return Message{}, nil, fmt.Errorf("conversation: find reply: %w", err)
	}
	return msg, &next, nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, conversationID string) (*Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = $1`
	conv, err := scanConversation(s.pool.QueryRow(ctx, query, conversationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("conversation: get: %w", err)
	}
	return conv, nil
}

// IdleCandidates implements Store.
func (s *PostgresStore) IdleCandidates(ctx context.Context, cutoff time.Time, limit int) ([]Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE status = 'active' AND last_activity_at < $1
		ORDER BY last_activity_at
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("conversation: query idle: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("conversation: scan idle: %w", err)
		}
		out = append(out, *conv)
	}
	return out, rows.Err()
}

// Close implements Store.
func (s *PostgresStore) Close(ctx context.Context, conversationID string, cutoff time.Time) (bool, error) {
	query := `
		UPDATE conversations
		SET status = 'closed', closed_at = $3
		WHERE id = $1 AND status = 'active' AND last_activity_at < $2
	`
	ct, err := s.pool.Exec(ctx, query, conversationID, cutoff, s.now().UTC())
	if err != nil {
		return false, fmt.Errorf("conversation: close: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

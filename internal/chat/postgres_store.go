package chat

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/livechat/pkg/models"
)

// Constraint names from internal/database/schema.sql
const (
	messagesPrimaryKey  = "messages_pkey"
	conversationPairKey = "conversations_pair_key"
)

const messageColumns = `m.id, m.sender_id, m.receiver_id, m.content, m.conversation_id, m.is_read, m.sent_at, m.created_at, m.updated_at`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages m WHERE m.id = $1`, id)
	return scanMessage(row)
}

func (s *PostgresStore) FindConversation(ctx context.Context, a, b string) (*models.Conversation, error) {
	pair := models.ParticipantPair(a, b)
	row := s.db.QueryRowContext(ctx, `
        SELECT id, participant_low, participant_high, last_message_id, created_at, updated_at
        FROM conversations WHERE participant_low = $1 AND participant_high = $2
    `, pair[0], pair[1])
	return scanConversation(row)
}

func (s *PostgresStore) CreateConversation(ctx context.Context, a, b string) (*models.Conversation, error) {
	pair := models.ParticipantPair(a, b)
	c := &models.Conversation{ID: uuid.NewString(), Participants: pair}
	err := s.db.QueryRowContext(ctx, `
        INSERT INTO conversations (id, participant_low, participant_high)
        VALUES ($1, $2, $3)
        RETURNING created_at, updated_at
    `, c.ID, pair[0], pair[1]).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, conversationPairKey) {
			return nil, ErrConversationExists
		}
		return nil, err
	}
	return c, nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
        INSERT INTO messages (id, conversation_id, sender_id, receiver_id, content, is_read, sent_at, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
    `, msg.ID, msg.ConversationID, msg.SenderID, msg.ReceiverID, msg.Content, msg.IsRead, msg.Timestamp, msg.CreatedAt, msg.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, messagesPrimaryKey) {
			return ErrMessageExists
		}
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		return err
	}

	res, err := tx.ExecContext(ctx, `
        UPDATE conversations SET last_message_id = $1, updated_at = $2 WHERE id = $3
    `, msg.ID, msg.Timestamp, msg.ConversationID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

func (s *PostgresStore) ListMessagesBetween(ctx context.Context, a, b string, limit, offset int) ([]*models.Message, error) {
	pair := models.ParticipantPair(a, b)
	var lim interface{}
	if limit > 0 {
		lim = limit
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT `+messageColumns+`
        FROM messages m
        JOIN conversations c ON c.id = m.conversation_id
        WHERE c.participant_low = $1 AND c.participant_high = $2
        ORDER BY m.sent_at DESC, m.id DESC
        LIMIT $3 OFFSET $4
    `, pair[0], pair[1], lim, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	// Always return a non-nil slice so JSON encodes as [] instead of null
	out := make([]*models.Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *PostgresStore) ListConversations(ctx context.Context, principal string) ([]*models.ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT c.id, c.participant_low, c.participant_high, c.last_message_id, c.created_at, c.updated_at,
            (SELECT count(*) FROM messages u
             WHERE u.conversation_id = c.id AND u.receiver_id = $1 AND NOT u.is_read) AS unread,
            `+messageColumns+`
        FROM conversations c
        LEFT JOIN messages m ON m.id = c.last_message_id
        WHERE c.participant_low = $1 OR c.participant_high = $1
        ORDER BY c.updated_at DESC, c.id
    `, principal)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*models.ConversationSummary, 0)
	for rows.Next() {
		var (
			sum    models.ConversationSummary
			lastID sql.NullString
			m      nullableMessage
		)
		if err := rows.Scan(
			&sum.ID, &sum.Participants[0], &sum.Participants[1], &lastID, &sum.CreatedAt, &sum.UpdatedAt,
			&sum.UnreadCount,
			&m.ID, &m.SenderID, &m.ReceiverID, &m.Content, &m.ConversationID, &m.IsRead, &m.Timestamp, &m.CreatedAt, &m.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if lastID.Valid {
			sum.LastMessageID = &lastID.String
		}
		sum.LastMessage = m.message()
		sum.OtherParticipant = sum.Conversation.OtherParticipant(principal)
		out = append(out, &sum)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkMessagesRead(ctx context.Context, reader string, ids []string) ([]models.ReadReceipt, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.markRead(ctx, `
        UPDATE messages SET is_read = true, updated_at = now()
        WHERE receiver_id = $1 AND NOT is_read AND id = ANY($2)
        RETURNING id, sender_id, conversation_id, sent_at
    `, reader, pq.Array(ids))
}

func (s *PostgresStore) MarkConversationRead(ctx context.Context, reader, conversationID string) ([]models.ReadReceipt, error) {
	return s.markRead(ctx, `
        UPDATE messages SET is_read = true, updated_at = now()
        WHERE receiver_id = $1 AND NOT is_read AND conversation_id = $2
        RETURNING id, sender_id, conversation_id, sent_at
    `, reader, conversationID)
}

func (s *PostgresStore) MarkPairRead(ctx context.Context, reader, peer string) ([]models.ReadReceipt, error) {
	return s.markRead(ctx, `
        UPDATE messages SET is_read = true, updated_at = now()
        WHERE receiver_id = $1 AND sender_id = $2 AND NOT is_read
        RETURNING id, sender_id, conversation_id, sent_at
    `, reader, peer)
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *PostgresStore) markRead(ctx context.Context, query string, args ...interface{}) ([]models.ReadReceipt, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type stamped struct {
		receipt models.ReadReceipt
		sentAt  time.Time
	}
	var marked []stamped
	for rows.Next() {
		var st stamped
		if err := rows.Scan(&st.receipt.MessageID, &st.receipt.SenderID, &st.receipt.ConversationID, &st.sentAt); err != nil {
			return nil, err
		}
		marked = append(marked, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// RETURNING order is unspecified
	sort.Slice(marked, func(i, j int) bool {
		if marked[i].sentAt.Equal(marked[j].sentAt) {
			return marked[i].receipt.MessageID < marked[j].receipt.MessageID
		}
		return marked[i].sentAt.Before(marked[j].sentAt)
	})
	receipts := make([]models.ReadReceipt, 0, len(marked))
	for _, st := range marked {
		receipts = append(receipts, st.receipt)
	}
	return receipts, nil
}

func scanMessage(scanner interface{ Scan(dest ...any) error }) (*models.Message, error) {
	var m models.Message
	if err := scanner.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Content, &m.ConversationID, &m.IsRead, &m.Timestamp, &m.CreatedAt, &m.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

func scanConversation(scanner interface{ Scan(dest ...any) error }) (*models.Conversation, error) {
	var c models.Conversation
	var lastID sql.NullString
	if err := scanner.Scan(&c.ID, &c.Participants[0], &c.Participants[1], &lastID, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if lastID.Valid {
		c.LastMessageID = &lastID.String
	}
	return &c, nil
}

// nullableMessage receives the LEFT JOINed last message of a conversation
type nullableMessage struct {
	ID, SenderID, ReceiverID, Content, ConversationID sql.NullString
	IsRead                                            sql.NullBool
	Timestamp, CreatedAt, UpdatedAt                   sql.NullTime
}

func (n nullableMessage) message() *models.Message {
	if !n.ID.Valid {
		return nil
	}
	return &models.Message{
		ID:             n.ID.String,
		SenderID:       n.SenderID.String,
		ReceiverID:     n.ReceiverID.String,
		Content:        n.Content.String,
		ConversationID: n.ConversationID.String,
		IsRead:         n.IsRead.Bool,
		Timestamp:      n.Timestamp.Time,
		CreatedAt:      n.CreatedAt.Time,
		UpdatedAt:      n.UpdatedAt.Time,
	}
}

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return constraint == "" || pqErr.Constraint == constraint
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}

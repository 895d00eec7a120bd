package pg

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pushpraj-rmx/mba/internal/domain"
	"github.com/pushpraj-rmx/mba/internal/store"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type Store struct {
	DB *pgxpool.Pool
}

var _ store.MessageStore = (*Store)(nil)

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

// Migrate applies the embedded schema files in name order. Every statement is
// idempotent, so running it on each start is safe.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return err
		}
		if _, err := db.Exec(ctx, string(b)); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	s.DB.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return s.DB.Ping(ctx) }

const messageColumns = `
	id, conversation_id, COALESCE(provider_message_id,''), from_id, to_id, type, content,
	COALESCE(media_id,''), COALESCE(template_name,''), COALESCE(template_language,''),
	COALESCE(reply_to_from,''), COALESCE(reply_to_id,''), ts, status, direction`

const conversationColumns = `
	id, participant_id, status, COALESCE(last_message_at, 'epoch'::timestamptz), message_count, created_at, updated_at`

func (s *Store) PutMessage(ctx context.Context, msg domain.Message, now time.Time) (domain.Conversation, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return domain.Conversation{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var replyFrom, replyID string
	if msg.ReplyTo != nil {
		replyFrom, replyID = msg.ReplyTo.From, msg.ReplyTo.ID
	}

	// Lock the conversation row first so count and lastMessageAt move with the
	// insert.
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT true FROM conversations WHERE id=$1 FOR UPDATE`, msg.ConversationID).Scan(&exists); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Conversation{}, domain.ErrNotFound
		}
		return domain.Conversation{}, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, provider_message_id, from_id, to_id, type, content,
		                      media_id, template_name, template_language, reply_to_from, reply_to_id,
		                      ts, status, direction)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, msg.ID, msg.ConversationID, nullIfEmpty(msg.ProviderMessageID), msg.From, msg.To, string(msg.Type), msg.Content,
		nullIfEmpty(msg.MediaID), nullIfEmpty(msg.TemplateName), nullIfEmpty(msg.TemplateLanguage),
		nullIfEmpty(replyFrom), nullIfEmpty(replyID), msg.Timestamp, string(msg.Status), string(msg.Direction))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Conversation{}, domain.ErrDuplicate
		}
		return domain.Conversation{}, err
	}

	row := tx.QueryRow(ctx, `
		UPDATE conversations
		SET message_count = message_count + 1,
		    last_message_at = GREATEST(COALESCE(last_message_at, $2), $2),
		    updated_at = $3
		WHERE id=$1
		RETURNING `+conversationColumns, msg.ConversationID, msg.Timestamp, now)
	conv, err := scanConversation(row)
	if err != nil {
		return domain.Conversation{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Conversation{}, err
	}
	return conv, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (domain.Message, bool, error) {
	m, err := scanMessage(s.DB.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, id))
	return found(m, err)
}

func (s *Store) FindMessageByProviderID(ctx context.Context, providerMsgID string) (domain.Message, bool, error) {
	m, err := scanMessage(s.DB.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE provider_message_id=$1`, providerMsgID))
	return found(m, err)
}

func (s *Store) ListMessagesByConversation(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.Query(ctx, `
		SELECT * FROM (
			SELECT seq, `+messageColumns+`
			FROM messages WHERE conversation_id=$1
			ORDER BY ts DESC, seq DESC
			LIMIT $2
		) tail ORDER BY ts ASC, seq ASC
	`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Message, 0, limit)
	for rows.Next() {
		var seq int64
		m, err := scanMessageWith(rows, &seq)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) UpdateMessageStatus(ctx context.Context, in store.MessageStatusUpdate) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE messages SET status=$3 WHERE id=$1 AND status=$2
	`, in.ID, string(in.From), string(in.To))
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) CreateConversation(ctx context.Context, conv domain.Conversation) (domain.Conversation, bool, error) {
	var lastAt any
	if !conv.LastMessageAt.IsZero() {
		lastAt = conv.LastMessageAt
	}
	row := s.DB.QueryRow(ctx, `
		INSERT INTO conversations (id, participant_id, status, last_message_at, message_count, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (participant_id) DO NOTHING
		RETURNING `+conversationColumns,
		conv.ID, conv.ParticipantID, string(conv.Status), lastAt, conv.MessageCount, conv.CreatedAt, conv.UpdatedAt)
	out, err := scanConversation(row)
	if err == nil {
		return out, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Conversation{}, false, err
	}

	existing, ok, err := s.GetConversationByParticipant(ctx, conv.ParticipantID)
	if err != nil {
		return domain.Conversation{}, false, err
	}
	if !ok {
		return domain.Conversation{}, false, fmt.Errorf("pg: conversation for %s vanished after conflict", conv.ParticipantID)
	}
	return existing, false, nil
}

func (s *Store) UpdateConversationStatus(ctx context.Context, id string, status domain.ConversationStatus, now time.Time) (domain.Conversation, bool, error) {
	c, err := scanConversation(s.DB.QueryRow(ctx, `
		UPDATE conversations SET status=$2, updated_at=$3 WHERE id=$1
		RETURNING `+conversationColumns, id, string(status), now))
	return found(c, err)
}

func (s *Store) GetConversation(ctx context.Context, id string) (domain.Conversation, bool, error) {
	c, err := scanConversation(s.DB.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id=$1`, id))
	return found(c, err)
}

func (s *Store) GetConversationByParticipant(ctx context.Context, participantID string) (domain.Conversation, bool, error) {
	c, err := scanConversation(s.DB.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE participant_id=$1`, participantID))
	return found(c, err)
}

func (s *Store) ListActiveConversations(ctx context.Context, limit int) ([]domain.Conversation, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.Query(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations WHERE status='active'
		ORDER BY last_message_at DESC NULLS LAST, id ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) Stats(ctx context.Context) (domain.Stats, error) {
	var st domain.Stats
	err := s.DB.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM messages),
			(SELECT count(*) FROM conversations),
			(SELECT count(*) FROM conversations WHERE status='active')
	`).Scan(&st.TotalMessages, &st.TotalConversations, &st.ActiveConversations)
	return st, err
}

func scanMessage(row pgx.Row) (domain.Message, error) {
	return scanMessageWith(row)
}

// scanMessageWith scans prefix columns into lead before the message columns.
func scanMessageWith(row pgx.Row, lead ...any) (domain.Message, error) {
	var (
		m                  domain.Message
		typ, status, dir   string
		replyFrom, replyID string
	)
	dest := append(lead, &m.ID, &m.ConversationID, &m.ProviderMessageID, &m.From, &m.To, &typ, &m.Content,
		&m.MediaID, &m.TemplateName, &m.TemplateLanguage, &replyFrom, &replyID, &m.Timestamp, &status, &dir)
	if err := row.Scan(dest...); err != nil {
		return domain.Message{}, err
	}
	m.Type = domain.MessageType(typ)
	m.Status = domain.MessageStatus(status)
	m.Direction = domain.Direction(dir)
	if replyID != "" {
		m.ReplyTo = &domain.ReplyContext{From: replyFrom, ID: replyID}
	}
	m.Timestamp = m.Timestamp.UTC()
	return m, nil
}

func scanConversation(row pgx.Row) (domain.Conversation, error) {
	var (
		c      domain.Conversation
		status string
	)
	if err := row.Scan(&c.ID, &c.ParticipantID, &status, &c.LastMessageAt, &c.MessageCount, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return domain.Conversation{}, err
	}
	c.Status = domain.ConversationStatus(status)
	if c.LastMessageAt.Equal(time.Unix(0, 0)) {
		c.LastMessageAt = time.Time{}
	}
	c.LastMessageAt = c.LastMessageAt.UTC()
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}

func found[T any](v T, err error) (T, bool, error) {
	var zero T
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return zero, false, nil
		}
		return zero, false, err
	}
	return v, true, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

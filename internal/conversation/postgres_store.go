package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

type pgxDB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGStore persists conversations, turns and the reply outbox in Postgres.
type PGStore struct {
	db pgxDB
}

var _ Store = (*PGStore)(nil)

// NewPGStore creates a Postgres-backed Store.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	if pool == nil {
		panic("conversation: pgx pool cannot be nil")
	}
	return &PGStore{db: pool}
}

func newPGStoreWithDB(db pgxDB) *PGStore {
	if db == nil {
		panic("conversation: db cannot be nil")
	}
	return &PGStore{db: db}
}

const conversationColumns = `key, status, closed_reason, quarantine_reason, last_seq, next_seq, turn_count, checkpoint, created_at, updated_at, closed_at, archived_at`

func (s *PGStore) NextSequence(ctx context.Context, key string, at time.Time) (int64, error) {
	if key == "" {
		return 0, ErrInvalidKey
	}
	var seq int64
	err := s.db.QueryRow(ctx, `
		INSERT INTO conversations (key, status, last_seq, next_seq, turn_count, created_at, updated_at)
		VALUES ($1, 'open', 0, 1, 0, $2, $2)
		ON CONFLICT (key) DO UPDATE SET
			next_seq = conversations.next_seq + 1,
			status = CASE WHEN conversations.status = 'closed' THEN 'open' ELSE conversations.status END,
			closed_reason = CASE WHEN conversations.status = 'closed' THEN NULL ELSE conversations.closed_reason END,
			closed_at = CASE WHEN conversations.status = 'closed' THEN NULL ELSE conversations.closed_at END,
			archived_at = CASE WHEN conversations.status = 'closed' THEN NULL ELSE conversations.archived_at END,
			updated_at = $2
		RETURNING next_seq
	`, key, at.UTC()).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("conversation: next sequence for %s: %w", key, err)
	}
	return seq, nil
}

func (s *PGStore) Load(ctx context.Context, key string) (*Conversation, error) {
	row := s.db.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE key = $1`, key)
	c, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("conversation: load %s: %w", key, err)
	}
	return c, nil
}

func (s *PGStore) Turns(ctx context.Context, key string, from, limit int) ([]Turn, error) {
	if from < 0 {
		from = 0
	}
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.db.Query(ctx, `
		SELECT idx, seq, role, content, tool_calls, tool_call_id, tool_name, tool_error, created_at
		FROM conversation_turns
		WHERE conversation_key = $1 AND idx >= $2
		ORDER BY idx
		LIMIT $3
	`, key, from, lim)
	if err != nil {
		return nil, fmt.Errorf("conversation: query turns for %s: %w", key, err)
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var (
			t          Turn
			role       string
			toolCalls  []byte
			toolCallID pgtype.Text
			toolName   pgtype.Text
		)
		if err := rows.Scan(&t.Index, &t.Seq, &role, &t.Content, &toolCalls, &toolCallID, &toolName, &t.ToolError, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("conversation: scan turn: %w", err)
		}
		t.Role = Role(role)
		t.ToolCallID = toolCallID.String
		t.ToolName = toolName.String
		if len(toolCalls) > 0 {
			if err := json.Unmarshal(toolCalls, &t.ToolCalls); err != nil {
				return nil, fmt.Errorf("%w: turn %d of %s has unreadable tool calls: %v", ErrDataCorruption, t.Index, key, err)
			}
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversation: iterate turns: %w", err)
	}
	return out, nil
}

func (s *PGStore) Commit(ctx context.Context, c Commit) error {
	if err := validateCommit(c); err != nil {
		return err
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("conversation: begin commit: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	var (
		lastSeq   int64
		turnCount int
	)
	err = tx.QueryRow(ctx, `SELECT last_seq, turn_count FROM conversations WHERE key = $1 FOR UPDATE`, c.Key).Scan(&lastSeq, &turnCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrConversationNotFound
	}
	if err != nil {
		return fmt.Errorf("conversation: lock %s: %w", c.Key, err)
	}
	if lastSeq != c.ExpectedLastSeq {
		return ErrStaleCheckpoint
	}

	at := c.At.UTC()
	for i, t := range c.Turns {
		seq := t.Seq
		if seq == 0 {
			seq = c.Seq
		}
		var toolCalls []byte
		if len(t.ToolCalls) > 0 {
			if toolCalls, err = json.Marshal(t.ToolCalls); err != nil {
				return fmt.Errorf("conversation: encode tool calls: %w", err)
			}
		}
		created := t.CreatedAt
		if created.IsZero() {
			created = at
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO conversation_turns (conversation_key, idx, seq, role, content, tool_calls, tool_call_id, tool_name, tool_error, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, c.Key, turnCount+i, seq, string(t.Role), t.Content, toolCalls, nullText(t.ToolCallID), nullText(t.ToolName), t.ToolError, created.UTC()); err != nil {
			return fmt.Errorf("conversation: insert turn: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE conversations SET
			last_seq = $2,
			next_seq = GREATEST(next_seq, $2),
			turn_count = $3,
			checkpoint = $4,
			updated_at = $5,
			status = CASE WHEN $6 <> '' THEN 'closed' WHEN status = 'closed' THEN 'open' ELSE status END,
			closed_reason = CASE WHEN $6 <> '' THEN $6 WHEN status = 'closed' THEN NULL ELSE closed_reason END,
			closed_at = CASE WHEN $6 <> '' THEN $5 WHEN status = 'closed' THEN NULL ELSE closed_at END
		WHERE key = $1
	`, c.Key, c.Seq, turnCount+len(c.Turns), c.Checkpoint, at, c.CloseReason); err != nil {
		return fmt.Errorf("conversation: update checkpoint: %w", err)
	}

	if r := c.Reply; r != nil {
		if _, err := tx.Exec(ctx, `
			INSERT INTO outbound_replies (id, conversation_key, seq, text, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, r.ID, r.ConversationKey, r.Seq, r.Text, r.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("conversation: insert reply: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("conversation: commit %s: %w", c.Key, err)
	}
	committed = true
	return nil
}

func (s *PGStore) Quarantine(ctx context.Context, key, reason string, at time.Time) error {
	return s.exec(ctx, "quarantine", `
		UPDATE conversations SET status = 'quarantined', quarantine_reason = $2, updated_at = $3 WHERE key = $1
	`, key, reason, at.UTC())
}

func (s *PGStore) Release(ctx context.Context, key string, at time.Time) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("conversation: begin release: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	var (
		status  string
		lastSeq int64
		turns   int
	)
	err = tx.QueryRow(ctx, `SELECT status, last_seq FROM conversations WHERE key = $1 FOR UPDATE`, key).Scan(&status, &lastSeq)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrConversationNotFound
	}
	if err != nil {
		return fmt.Errorf("conversation: lock %s: %w", key, err)
	}
	if Status(status) != StatusQuarantined {
		return nil
	}
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM conversation_turns WHERE conversation_key = $1`, key).Scan(&turns); err != nil {
		return fmt.Errorf("conversation: count turns: %w", err)
	}
	cp, err := rebuiltCheckpoint(lastSeq, turns)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE conversations SET status = 'open', quarantine_reason = NULL, turn_count = $2, checkpoint = $3, updated_at = $4
		WHERE key = $1
	`, key, turns, cp, at.UTC()); err != nil {
		return fmt.Errorf("conversation: release %s: %w", key, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("conversation: commit release: %w", err)
	}
	committed = true
	return nil
}

func (s *PGStore) Close(ctx context.Context, key, reason string, at time.Time) error {
	return s.exec(ctx, "close", `
		UPDATE conversations SET status = 'closed', closed_reason = $2, closed_at = $3
		WHERE key = $1 AND status = 'open'
	`, key, reason, at.UTC())
}

func (s *PGStore) ListIdle(ctx context.Context, before time.Time, limit int) ([]Conversation, error) {
	return s.list(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE status = 'open' AND last_seq >= next_seq AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2
	`, before.UTC(), limit)
}

func (s *PGStore) ListUnarchived(ctx context.Context, limit int) ([]Conversation, error) {
	return s.list(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE status = 'closed' AND archived_at IS NULL
		ORDER BY updated_at
		LIMIT $1
	`, limit)
}

func (s *PGStore) MarkArchived(ctx context.Context, key string, at time.Time) error {
	return s.exec(ctx, "mark archived", `UPDATE conversations SET archived_at = $2 WHERE key = $1`, key, at.UTC())
}

func (s *PGStore) PendingReplies(ctx context.Context, limit int) ([]Reply, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, conversation_key, seq, text, created_at
		FROM outbound_replies
		WHERE sent_at IS NULL
		ORDER BY created_at, seq
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("conversation: query pending replies: %w", err)
	}
	defer rows.Close()

	var out []Reply
	for rows.Next() {
		var r Reply
		if err := rows.Scan(&r.ID, &r.ConversationKey, &r.Seq, &r.Text, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("conversation: scan reply: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversation: iterate replies: %w", err)
	}
	return out, nil
}

func (s *PGStore) MarkReplySent(ctx context.Context, id string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `UPDATE outbound_replies SET sent_at = COALESCE(sent_at, $2) WHERE id = $1`, id, at.UTC())
	if err != nil {
		return fmt.Errorf("conversation: mark reply sent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversation: reply %s not found", id)
	}
	return nil
}

func (s *PGStore) exec(ctx context.Context, action, sql string, args ...any) error {
	tag, err := s.db.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("conversation: %s: %w", action, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Load(ctx, args[0].(string)); err != nil {
			return err
		}
	}
	return nil
}

func (s *PGStore) list(ctx context.Context, sql string, args ...any) ([]Conversation, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("conversation: list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("conversation: scan conversation: %w", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversation: iterate conversations: %w", err)
	}
	return out, nil
}

func scanConversation(row pgx.Row) (*Conversation, error) {
	var (
		c                Conversation
		status           string
		closedReason     pgtype.Text
		quarantineReason pgtype.Text
		closedAt         pgtype.Timestamptz
		archivedAt       pgtype.Timestamptz
	)
	if err := row.Scan(&c.Key, &status, &closedReason, &quarantineReason, &c.LastSeq, &c.NextSeq, &c.TurnCount,
		&c.Checkpoint, &c.CreatedAt, &c.UpdatedAt, &closedAt, &archivedAt); err != nil {
		return nil, err
	}
	c.Status = Status(status)
	c.ClosedReason = closedReason.String
	c.QuarantineReason = quarantineReason.String
	if closedAt.Valid {
		t := closedAt.Time
		c.ClosedAt = &t
	}
	if archivedAt.Valid {
		t := archivedAt.Time
		c.ArchivedAt = &t
	}
	return &c, nil
}

func nullText(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}

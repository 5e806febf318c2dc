// Package history persists completed conversation exchanges in PostgreSQL.
//
// An exchange is one (question, answer) pair produced by a completed turn.
// The store is the orchestrator's conversation-storage collaborator; it is
// append-only and never participates in turn correctness beyond being
// called exactly once per completed turn.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/toolbridge/toolbridge/pkg/types"
)

// Exchange is one persisted question/answer pair.
type Exchange struct {
	ID             int64
	ConversationID string
	Question       string
	Answer         string
	CreatedAt      time.Time
}

// Store is a PostgreSQL-backed exchange log. It holds a single
// [pgxpool.Pool]; all operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore establishes a connection pool to the database at dsn and runs
// the schema migration.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("history store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history store: ping: %w", err)
	}
	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// migrate ensures the exchanges table exists.
func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS exchanges (
		    id              BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		    conversation_id TEXT        NOT NULL,
		    question        TEXT        NOT NULL,
		    answer          TEXT        NOT NULL,
		    created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS exchanges_conversation_idx
		    ON exchanges (conversation_id, created_at);`

	_, err := pool.Exec(ctx, schema)
	return err
}

// SaveExchange appends one question/answer pair under conversationID and
// returns the persisted identifier. Messages are flattened to their textual
// content; image payloads are not stored.
func (s *Store) SaveExchange(ctx context.Context, conversationID string, question, answer types.Message) (int64, error) {
	const q = `
		INSERT INTO exchanges (conversation_id, question, answer)
		VALUES ($1, $2, $3)
		RETURNING id`

	var id int64
	err := s.pool.QueryRow(ctx, q, conversationID, question.Text(), answer.Text()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("history store: save exchange: %w", err)
	}
	return id, nil
}

// Recent returns the latest limit exchanges of a conversation, in
// chronological order (oldest first). A limit of zero or less defaults
// to 50.
func (s *Store) Recent(ctx context.Context, conversationID string, limit int) ([]Exchange, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
		SELECT id, conversation_id, question, answer, created_at
		FROM  (SELECT id, conversation_id, question, answer, created_at
		       FROM   exchanges
		       WHERE  conversation_id = $1
		       ORDER  BY created_at DESC, id DESC
		       LIMIT  $2) latest
		ORDER BY created_at, id`

	rows, err := s.pool.Query(ctx, q, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("history store: recent: %w", err)
	}
	exchanges, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Exchange, error) {
		var e Exchange
		err := row.Scan(&e.ID, &e.ConversationID, &e.Question, &e.Answer, &e.CreatedAt)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("history store: scan rows: %w", err)
	}
	return exchanges, nil
}

// Messages returns the latest limit exchanges of a conversation rendered
// as alternating user/assistant messages, ready to seed a turn's history.
func (s *Store) Messages(ctx context.Context, conversationID string, limit int) ([]types.Message, error) {
	exchanges, err := s.Recent(ctx, conversationID, limit)
	if err != nil {
		return nil, err
	}
	msgs := make([]types.Message, 0, len(exchanges)*2)
	for _, e := range exchanges {
		msgs = append(msgs,
			types.Message{Role: types.RoleUser, Content: e.Question},
			types.Message{Role: types.RoleAssistant, Content: e.Answer},
		)
	}
	return msgs, nil
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

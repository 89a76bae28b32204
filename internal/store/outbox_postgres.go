package store

import (
	"context"
	"encoding/json"
	"fmt"

	"histeeria-chatsync/internal/models"

	"github.com/jackc/pgx/v5/pgxpool"
)

const outboxSchema = `
CREATE TABLE IF NOT EXISTS outbox_messages (
    seq        BIGSERIAL   NOT NULL,
    temp_id    TEXT        PRIMARY KEY,
    chat_id    TEXT        NOT NULL,
    payload    JSONB       NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// PostgresOutbox implements OutboxStore with PostgreSQL.
type PostgresOutbox struct {
	db *pgxpool.Pool
}

func NewPostgresOutbox(db *pgxpool.Pool) *PostgresOutbox {
	return &PostgresOutbox{
		db: db,
	}
}

// EnsureSchema creates the outbox table when it does not exist yet.
func (o *PostgresOutbox) EnsureSchema(ctx context.Context) error {
	if _, err := o.db.Exec(ctx, outboxSchema); err != nil {
		return fmt.Errorf("failed to create outbox table: %w", err)
	}
	return nil
}

func (o *PostgresOutbox) Save(ctx context.Context, msg models.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode outbox message %s: %w", msg.TempID, err)
	}
	query := `
        INSERT INTO outbox_messages (temp_id, chat_id, payload)
        VALUES ($1, $2, $3)
        ON CONFLICT (temp_id) DO UPDATE SET payload = EXCLUDED.payload
    `
	if _, err := o.db.Exec(ctx, query, msg.TempID, msg.ConversationID, payload); err != nil {
		return fmt.Errorf("failed to save outbox message %s: %w", msg.TempID, err)
	}
	return nil
}

func (o *PostgresOutbox) Delete(ctx context.Context, tempID string) error {
	if _, err := o.db.Exec(ctx, `DELETE FROM outbox_messages WHERE temp_id = $1`, tempID); err != nil {
		return fmt.Errorf("failed to delete outbox message %s: %w", tempID, err)
	}
	return nil
}

func (o *PostgresOutbox) List(ctx context.Context) ([]models.Message, error) {
	rows, err := o.db.Query(ctx, `SELECT temp_id, payload FROM outbox_messages ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var tempID string
		var payload []byte
		if err := rows.Scan(&tempID, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		var msg models.Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, fmt.Errorf("failed to decode outbox message %s: %w", tempID, err)
		}
		msg.TempID = tempID
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox rows: %w", err)
	}
	return messages, nil
}

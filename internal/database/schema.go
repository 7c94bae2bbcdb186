package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Execer is satisfied by *pgxpool.Pool and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// schema creates the recorder's table. msg_hash identifies a message by
// content so replays after a reconnect are stored once.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS stream_messages (
		msg_hash    BIGINT      NOT NULL,
		exchange_ts BIGINT      NOT NULL,
		received_at BIGINT      NOT NULL,
		topic       TEXT        NOT NULL,
		msg_type    TEXT        NOT NULL,
		asset_id    TEXT,
		market      TEXT,
		symbol      TEXT,
		epoch       BIGINT      NOT NULL,
		payload     JSONB,
		PRIMARY KEY (msg_hash, exchange_ts)
	)`,
	`CREATE INDEX IF NOT EXISTS stream_messages_topic_ts ON stream_messages (topic, exchange_ts DESC)`,
	`CREATE INDEX IF NOT EXISTS stream_messages_asset_ts ON stream_messages (asset_id, exchange_ts DESC) WHERE asset_id IS NOT NULL`,
}

// EnsureSchema creates the tables the recorder writes to.
func EnsureSchema(ctx context.Context, db Execer) error {
	for _, stmt := range schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

package postgres

import "context"

const schemaSQL = `
CREATE TABLE IF NOT EXISTS consult_flows (
	user_id    TEXT PRIMARY KEY,
	flow_id    TEXT NOT NULL,
	record     JSONB NOT NULL,
	version    BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS consult_flows_updated_at_idx ON consult_flows (updated_at);
`

// Migrate creates the flow table when it is missing.
func Migrate(ctx context.Context, db DB) error {
	_, err := db.Exec(ctx, schemaSQL)
	return err
}

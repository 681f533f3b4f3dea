package repository

import (
	"context"
	"fmt"

	"github.com/mailcortex/triage/common/db"
)

// schema is applied on startup. Every statement is idempotent so
// repeated boots against the same database are safe.
const schema = `
CREATE TABLE IF NOT EXISTS triage_config_version (
	version                 BIGSERIAL PRIMARY KEY,
	created_by              TEXT        NOT NULL,
	notes                   TEXT,
	is_active               BOOLEAN     NOT NULL DEFAULT FALSE,
	content_hash            TEXT        NOT NULL,
	label_prefix            TEXT        NOT NULL,
	intents                 JSONB       NOT NULL DEFAULT '{}'::jsonb,
	email_categories        JSONB       NOT NULL DEFAULT '{}'::jsonb,
	prompts                 JSONB       NOT NULL DEFAULT '{}'::jsonb,
	body_extraction_prompts JSONB       NOT NULL DEFAULT '{}'::jsonb,
	created_at              TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS triage_config_version_active_idx
	ON triage_config_version (is_active) WHERE is_active;

CREATE INDEX IF NOT EXISTS triage_config_version_hash_idx
	ON triage_config_version (content_hash);

CREATE TABLE IF NOT EXISTS triage_chain (
	id             BIGSERIAL PRIMARY KEY,
	config_version BIGINT NOT NULL REFERENCES triage_config_version(version) ON DELETE CASCADE,
	chain_name     TEXT   NOT NULL,
	UNIQUE (config_version, chain_name)
);

CREATE TABLE IF NOT EXISTS triage_rule (
	id               BIGSERIAL PRIMARY KEY,
	chain_id         BIGINT  NOT NULL REFERENCES triage_chain(id) ON DELETE CASCADE,
	config_version   BIGINT  NOT NULL REFERENCES triage_config_version(version) ON DELETE CASCADE,
	prev_rule_id     BIGINT  REFERENCES triage_rule(id) ON DELETE SET NULL,
	next_rule_id     BIGINT  REFERENCES triage_rule(id) ON DELETE SET NULL,
	match_condition  JSONB   NOT NULL DEFAULT '{}'::jsonb,
	variables        JSONB,
	action           JSONB,
	jump_to_chain    TEXT,
	return_to_parent BOOLEAN NOT NULL DEFAULT FALSE,
	llm_config       JSONB,
	routes           JSONB,
	rule_name        TEXT,
	description      TEXT,
	row_version      INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS triage_rule_chain_idx ON triage_rule (chain_id);

CREATE TABLE IF NOT EXISTS triage_email_mapping (
	id             BIGSERIAL PRIMARY KEY,
	config_version BIGINT NOT NULL REFERENCES triage_config_version(version) ON DELETE CASCADE,
	mapping_type   TEXT   NOT NULL CHECK (mapping_type IN ('priority', 'fallback')),
	email_address  TEXT   NOT NULL,
	label          TEXT   NOT NULL,
	archive        BOOLEAN,
	mark_read      BOOLEAN,
	UNIQUE (config_version, mapping_type, email_address)
);
`

// EnsureSchema creates the tables and indexes if they do not exist.
func EnsureSchema(ctx context.Context, database *db.DB) error {
	if _, err := database.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

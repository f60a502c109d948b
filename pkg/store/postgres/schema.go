// Package postgres provides the PostgreSQL-backed implementation of the
// Donna persistence gateway.
//
// All three collections share a single [pgxpool.Pool] connection pool. The
// pgvector extension must be available in the target database; [Migrate]
// installs it automatically via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	st, err := postgres.NewStore(ctx, dsn, 1024)
//	if err != nil { … }
//	defer st.Close()
//
//	_ = st.UpsertEmail(ctx, email)
//	results, _ := st.VectorSearchEmails(ctx, queryVec, 3)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// DDL — emails (with embedding)
// ─────────────────────────────────────────────────────────────────────────────

// ddlEmails returns the email DDL with the embedding dimension substituted.
// The vector dimension is baked into the column type at schema creation time.
func ddlEmails(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS emails (
    id          TEXT         PRIMARY KEY,
    sender      TEXT         NOT NULL DEFAULT '',
    subject     TEXT         NOT NULL DEFAULT '',
    body        TEXT         NOT NULL DEFAULT '',
    received_at TIMESTAMPTZ  NOT NULL DEFAULT now(),
    embedding   vector(%d)
);

CREATE INDEX IF NOT EXISTS idx_emails_received_at
    ON emails (received_at DESC);

CREATE INDEX IF NOT EXISTS idx_emails_embedding
    ON emails USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// ─────────────────────────────────────────────────────────────────────────────
// DDL — contacts
// ─────────────────────────────────────────────────────────────────────────────

const ddlContacts = `
CREATE TABLE IF NOT EXISTS contacts (
    id      TEXT  PRIMARY KEY,
    name    TEXT  NOT NULL,
    email   TEXT  NOT NULL DEFAULT '',
    phone   TEXT  NOT NULL DEFAULT '',
    company TEXT  NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_contacts_name
    ON contacts (lower(name));
`

// ─────────────────────────────────────────────────────────────────────────────
// DDL — calls
// ─────────────────────────────────────────────────────────────────────────────

const ddlCalls = `
CREATE TABLE IF NOT EXISTS calls (
    call_sid         TEXT         PRIMARY KEY,
    caller_number    TEXT         NOT NULL DEFAULT '',
    started_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    ended_at         TIMESTAMPTZ,
    identified_name  TEXT         NOT NULL DEFAULT '',
    inferred_purpose TEXT         NOT NULL DEFAULT '',
    outcome          TEXT         NOT NULL DEFAULT 'in-progress',
    transcript       JSONB        NOT NULL DEFAULT '[]',
    summary          TEXT         NOT NULL DEFAULT '',
    decision         TEXT         NOT NULL DEFAULT '',
    reasoning        TEXT         NOT NULL DEFAULT '',
    follow_up        TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_calls_started_at
    ON calls (started_at DESC);
`

// Migrate creates or ensures all required database tables and extensions
// exist. It is idempotent (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT
// EXISTS) and safe to call on every application start.
//
// embeddingDimensions must match the embedding provider's output dimension
// (1024 for voyage-2). Changing this value after the first migration requires
// a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlEmails(embeddingDimensions),
		ddlContacts,
		ddlCalls,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}

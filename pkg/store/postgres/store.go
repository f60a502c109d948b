package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/donnalabs/donna/pkg/store"
	"github.com/donnalabs/donna/pkg/types"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// querier is the subset of pgxpool.Pool used by Store. Tests substitute a
// pgxmock pool.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is the PostgreSQL-backed persistence gateway. It holds a single
// [pgxpool.Pool] shared by the call pipeline and the admin surface.
// All operations are safe for concurrent use.
type Store struct {
	db   querier
	pool *pgxpool.Pool
}

// NewStore creates a new Store, establishes a connection pool to the
// PostgreSQL database at dsn, registers pgvector types on every connection,
// and runs [Migrate] to ensure all required tables and extensions exist.
//
// embeddingDimensions must match the output dimension of the configured
// embedding provider (1024 for voyage-2).
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so that vector columns
	// can be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{db: pool, pool: pool}, nil
}

// Ping probes database connectivity. Used by the readiness check.
func (s *Store) Ping(ctx context.Context) error {
	if s.pool == nil {
		return nil
	}
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// wrapErr maps transport-level failures to store.ErrUnavailable while
// preserving pgx detail for logging. Context cancellation passes through
// untouched so callers can distinguish teardown from outage.
func wrapErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("postgres %s: %w", op, err)
	}
	return fmt.Errorf("postgres %s: %w: %w", op, store.ErrUnavailable, err)
}

// ─────────────────────────────────────────────────────────────────────────────
// Emails
// ─────────────────────────────────────────────────────────────────────────────

// UpsertEmail inserts or fully replaces the email with email.ID.
// A nil embedding stores NULL, which excludes the row from vector search.
func (s *Store) UpsertEmail(ctx context.Context, email store.Email) error {
	const q = `
		INSERT INTO emails (id, sender, subject, body, received_at, embedding)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
		    sender      = EXCLUDED.sender,
		    subject     = EXCLUDED.subject,
		    body        = EXCLUDED.body,
		    received_at = EXCLUDED.received_at,
		    embedding   = EXCLUDED.embedding`

	var vec any
	if len(email.Embedding) > 0 {
		vec = pgvector.NewVector(email.Embedding)
	}
	if _, err := s.db.Exec(ctx, q,
		email.ID, email.Sender, email.Subject, email.Body, email.ReceivedAt, vec,
	); err != nil {
		return wrapErr("upsert email", err)
	}
	return nil
}

// DeleteEmail removes the email. Deleting a missing ID is not an error.
func (s *Store) DeleteEmail(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM emails WHERE id = $1`, id); err != nil {
		return wrapErr("delete email", err)
	}
	return nil
}

// FindEmail returns the email with id, or store.ErrNotFound.
func (s *Store) FindEmail(ctx context.Context, id string) (store.Email, error) {
	const q = `
		SELECT id, sender, subject, body, received_at, embedding
		FROM   emails
		WHERE  id = $1`

	var (
		e   store.Email
		vec *pgvector.Vector
	)
	err := s.db.QueryRow(ctx, q, id).Scan(&e.ID, &e.Sender, &e.Subject, &e.Body, &e.ReceivedAt, &vec)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Email{}, store.ErrNotFound
	}
	if err != nil {
		return store.Email{}, wrapErr("find email", err)
	}
	if vec != nil {
		e.Embedding = vec.Slice()
	}
	return e, nil
}

// VectorSearchEmails finds the k emails whose embeddings are closest (cosine
// distance) to the query vector. Scores are 1 - distance clamped at zero, so
// results land in [0, 1] and are strictly descending; ties break by ID.
func (s *Store) VectorSearchEmails(ctx context.Context, query []float32, k int) ([]types.SearchResult, error) {
	const q = `
		SELECT id, sender, subject, body,
		       GREATEST(0, 1 - (embedding <=> $1)) AS score
		FROM   emails
		WHERE  embedding IS NOT NULL
		ORDER  BY embedding <=> $1, id
		LIMIT  $2`

	rows, err := s.db.Query(ctx, q, pgvector.NewVector(query), k)
	if err != nil {
		return nil, wrapErr("vector search", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.SearchResult, error) {
		var (
			r                     types.SearchResult
			sender, subject, body string
		)
		if err := row.Scan(&r.ID, &sender, &subject, &body, &r.Score); err != nil {
			return types.SearchResult{}, err
		}
		r.Source = "email"
		r.Content = fmt.Sprintf("From: %s\nSubject: %s\n%s", sender, subject, snippet(body, 400))
		return r, nil
	})
	if err != nil {
		return nil, wrapErr("vector search scan", err)
	}
	if results == nil {
		results = []types.SearchResult{}
	}
	return results, nil
}

// ListEmails returns all emails ordered by received_at descending.
func (s *Store) ListEmails(ctx context.Context) ([]store.Email, error) {
	const q = `
		SELECT id, sender, subject, body, received_at
		FROM   emails
		ORDER  BY received_at DESC`

	rows, err := s.db.Query(ctx, q)
	if err != nil {
		return nil, wrapErr("list emails", err)
	}
	emails, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Email, error) {
		var e store.Email
		err := row.Scan(&e.ID, &e.Sender, &e.Subject, &e.Body, &e.ReceivedAt)
		return e, err
	})
	if err != nil {
		return nil, wrapErr("list emails scan", err)
	}
	return emails, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Contacts
// ─────────────────────────────────────────────────────────────────────────────

// UpsertContact inserts or fully replaces the contact with contact.ID.
func (s *Store) UpsertContact(ctx context.Context, contact store.Contact) error {
	const q = `
		INSERT INTO contacts (id, name, email, phone, company)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
		    name    = EXCLUDED.name,
		    email   = EXCLUDED.email,
		    phone   = EXCLUDED.phone,
		    company = EXCLUDED.company`

	if _, err := s.db.Exec(ctx, q,
		contact.ID, contact.Name, contact.Email, contact.Phone, contact.Company,
	); err != nil {
		return wrapErr("upsert contact", err)
	}
	return nil
}

// DeleteContact removes the contact. Deleting a missing ID is not an error.
func (s *Store) DeleteContact(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM contacts WHERE id = $1`, id); err != nil {
		return wrapErr("delete contact", err)
	}
	return nil
}

// FindContact returns the contact with id, or store.ErrNotFound.
func (s *Store) FindContact(ctx context.Context, id string) (store.Contact, error) {
	const q = `SELECT id, name, email, phone, company FROM contacts WHERE id = $1`

	var c store.Contact
	err := s.db.QueryRow(ctx, q, id).Scan(&c.ID, &c.Name, &c.Email, &c.Phone, &c.Company)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Contact{}, store.ErrNotFound
	}
	if err != nil {
		return store.Contact{}, wrapErr("find contact", err)
	}
	return c, nil
}

// NameSearchContacts matches display names by case-insensitive substring.
// Results order by name then ID for stability; the retrieval engine re-ranks
// them by similarity before truncation.
func (s *Store) NameSearchContacts(ctx context.Context, name string, k int) ([]store.Contact, error) {
	const q = `
		SELECT id, name, email, phone, company
		FROM   contacts
		WHERE  name ILIKE '%' || $1 || '%'
		ORDER  BY name, id
		LIMIT  $2`

	rows, err := s.db.Query(ctx, q, name, k)
	if err != nil {
		return nil, wrapErr("name search", err)
	}
	contacts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Contact, error) {
		var c store.Contact
		err := row.Scan(&c.ID, &c.Name, &c.Email, &c.Phone, &c.Company)
		return c, err
	})
	if err != nil {
		return nil, wrapErr("name search scan", err)
	}
	return contacts, nil
}

// ListContacts returns all contacts ordered by name.
func (s *Store) ListContacts(ctx context.Context) ([]store.Contact, error) {
	const q = `SELECT id, name, email, phone, company FROM contacts ORDER BY name, id`

	rows, err := s.db.Query(ctx, q)
	if err != nil {
		return nil, wrapErr("list contacts", err)
	}
	contacts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Contact, error) {
		var c store.Contact
		err := row.Scan(&c.ID, &c.Name, &c.Email, &c.Phone, &c.Company)
		return c, err
	})
	if err != nil {
		return nil, wrapErr("list contacts scan", err)
	}
	return contacts, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Calls
// ─────────────────────────────────────────────────────────────────────────────

// PersistCall inserts or fully replaces the call record. The transcript is
// stored as a JSONB array in chronological order.
func (s *Store) PersistCall(ctx context.Context, rec store.CallRecord) error {
	const q = `
		INSERT INTO calls
		    (call_sid, caller_number, started_at, ended_at, identified_name,
		     inferred_purpose, outcome, transcript, summary, decision, reasoning, follow_up)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (call_sid) DO UPDATE SET
		    caller_number    = EXCLUDED.caller_number,
		    started_at       = EXCLUDED.started_at,
		    ended_at         = EXCLUDED.ended_at,
		    identified_name  = EXCLUDED.identified_name,
		    inferred_purpose = EXCLUDED.inferred_purpose,
		    outcome          = EXCLUDED.outcome,
		    transcript       = EXCLUDED.transcript,
		    summary          = EXCLUDED.summary,
		    decision         = EXCLUDED.decision,
		    reasoning        = EXCLUDED.reasoning,
		    follow_up        = EXCLUDED.follow_up`

	transcript, err := json.Marshal(rec.Transcript)
	if err != nil {
		return fmt.Errorf("postgres persist call: marshal transcript: %w", err)
	}

	var endedAt any
	if !rec.EndedAt.IsZero() {
		endedAt = rec.EndedAt
	}
	if _, err := s.db.Exec(ctx, q,
		rec.CallSID, rec.CallerNumber, rec.StartedAt, endedAt,
		rec.IdentifiedName, rec.InferredPurpose, string(rec.Outcome), transcript,
		rec.Summary, rec.Decision, rec.Reasoning, rec.FollowUp,
	); err != nil {
		return wrapErr("persist call", err)
	}
	return nil
}

// FindCall returns the call with the given SID, or store.ErrNotFound.
func (s *Store) FindCall(ctx context.Context, callSID string) (store.CallRecord, error) {
	const q = `
		SELECT call_sid, caller_number, started_at, ended_at, identified_name,
		       inferred_purpose, outcome, transcript, summary, decision, reasoning, follow_up
		FROM   calls
		WHERE  call_sid = $1`

	rec, err := scanCall(s.db.QueryRow(ctx, q, callSID))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.CallRecord{}, store.ErrNotFound
	}
	if err != nil {
		return store.CallRecord{}, wrapErr("find call", err)
	}
	return rec, nil
}

// ListCalls returns up to limit calls ordered by started_at descending.
func (s *Store) ListCalls(ctx context.Context, limit int) ([]store.CallRecord, error) {
	const q = `
		SELECT call_sid, caller_number, started_at, ended_at, identified_name,
		       inferred_purpose, outcome, transcript, summary, decision, reasoning, follow_up
		FROM   calls
		ORDER  BY started_at DESC
		LIMIT  $1`

	rows, err := s.db.Query(ctx, q, limit)
	if err != nil {
		return nil, wrapErr("list calls", err)
	}
	calls, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.CallRecord, error) {
		return scanCall(row)
	})
	if err != nil {
		return nil, wrapErr("list calls scan", err)
	}
	return calls, nil
}

// UpdateCallStatus sets the outcome of an existing call record, creating a
// stub if the call never reached the media stream.
func (s *Store) UpdateCallStatus(ctx context.Context, callSID string, outcome store.Outcome) error {
	const q = `
		INSERT INTO calls (call_sid, outcome)
		VALUES ($1, $2)
		ON CONFLICT (call_sid) DO UPDATE SET outcome = EXCLUDED.outcome`

	if _, err := s.db.Exec(ctx, q, callSID, string(outcome)); err != nil {
		return wrapErr("update call status", err)
	}
	return nil
}

// Stats returns collection counts for the admin surface.
func (s *Store) Stats(ctx context.Context) (store.Stats, error) {
	const q = `
		SELECT (SELECT count(*) FROM contacts),
		       (SELECT count(*) FROM emails),
		       (SELECT count(*) FROM calls)`

	var st store.Stats
	if err := s.db.QueryRow(ctx, q).Scan(&st.Contacts, &st.Emails, &st.Calls); err != nil {
		return store.Stats{}, wrapErr("stats", err)
	}
	return st, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

// row is satisfied by both pgx.Row and pgx.CollectableRow.
type row interface {
	Scan(dest ...any) error
}

func scanCall(r row) (store.CallRecord, error) {
	var (
		rec        store.CallRecord
		endedAt    *time.Time
		outcome    string
		transcript []byte
	)
	if err := r.Scan(
		&rec.CallSID, &rec.CallerNumber, &rec.StartedAt, &endedAt,
		&rec.IdentifiedName, &rec.InferredPurpose, &outcome, &transcript,
		&rec.Summary, &rec.Decision, &rec.Reasoning, &rec.FollowUp,
	); err != nil {
		return store.CallRecord{}, err
	}
	if endedAt != nil {
		rec.EndedAt = *endedAt
	}
	rec.Outcome = store.Outcome(outcome)
	if len(transcript) > 0 {
		if err := json.Unmarshal(transcript, &rec.Transcript); err != nil {
			return store.CallRecord{}, fmt.Errorf("unmarshal transcript: %w", err)
		}
	}
	return rec, nil
}

// snippet truncates s to at most n bytes on a rune boundary.
func snippet(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n] + "…"
}

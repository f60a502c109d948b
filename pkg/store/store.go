// Package store defines the persistence gateway for Donna's three collections:
// emails (with embeddings), contacts, and call records.
//
// Implementations wrap a concrete backing store (see the postgres subpackage)
// and expose typed, identifier-keyed access. Upserts are idempotent: ingesting
// the same identifier twice leaves exactly one record carrying the second
// payload. All operations surface an unreachable backing store as
// [ErrUnavailable]; retrieval callers degrade to empty results, while call
// persistence retries once before giving up.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/donnalabs/donna/pkg/types"
)

// ErrUnavailable indicates the backing store could not be reached or the
// operation failed at the transport level. Wrapped errors carry detail.
var ErrUnavailable = errors.New("store: unavailable")

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Email is an ingested email record. The embedding is computed exactly once
// per ingest; records without a full-length embedding are excluded from
// vector search.
type Email struct {
	// ID is the stable unique identifier.
	ID string `json:"id"`

	// Sender is the originating address.
	Sender string `json:"sender"`

	// Subject is the email subject line.
	Subject string `json:"subject"`

	// Body is the plain-text body.
	Body string `json:"body"`

	// ReceivedAt is the email timestamp.
	ReceivedAt time.Time `json:"received_at"`

	// Embedding is the fixed-dimension vector over subject + body.
	// Nil when the record has not been embedded.
	Embedding []float32 `json:"-"`
}

// Contact is an address-book entry maintained by the administrator. The call
// pipeline reads contacts but never mutates them.
type Contact struct {
	// ID is the stable unique identifier.
	ID string `json:"id"`

	// Name is the display name. Never empty.
	Name string `json:"name"`

	// Email is the contact's address.
	Email string `json:"email"`

	// Phone is optional.
	Phone string `json:"phone,omitempty"`

	// Company is optional.
	Company string `json:"company,omitempty"`
}

// Outcome classifies how a call ended.
type Outcome string

const (
	// OutcomeInProgress marks a call that has not ended yet.
	OutcomeInProgress Outcome = "in-progress"

	// OutcomeConnected marks a completed two-way conversation.
	OutcomeConnected Outcome = "connected"

	// OutcomeVoicemail marks a call answered by a machine.
	OutcomeVoicemail Outcome = "voicemail"

	// OutcomeRejected marks a call the assistant declined to handle.
	OutcomeRejected Outcome = "rejected"

	// OutcomeMissed marks a call with no caller utterances.
	OutcomeMissed Outcome = "missed"
)

// CallRecord is the persisted record of one inbound call.
type CallRecord struct {
	// CallSID is the gateway-assigned call identifier. Unique.
	CallSID string `json:"call_sid"`

	// CallerNumber is the caller's phone number.
	CallerNumber string `json:"caller_number"`

	// StartedAt is when the media stream opened.
	StartedAt time.Time `json:"started_at"`

	// EndedAt is when the call ended. Zero while the call is active.
	EndedAt time.Time `json:"ended_at,omitzero"`

	// IdentifiedName is the caller name inferred during the call, if any.
	IdentifiedName string `json:"identified_name,omitempty"`

	// InferredPurpose is the call purpose inferred during the call, if any.
	InferredPurpose string `json:"inferred_purpose,omitempty"`

	// Outcome classifies the call.
	Outcome Outcome `json:"outcome"`

	// Transcript is the ordered utterance history.
	Transcript []types.TranscriptEntry `json:"transcript"`

	// Summary is the post-call analysis summary, if analysis ran.
	Summary string `json:"summary,omitempty"`

	// Decision is the post-call analysis decision
	// (handled, scheduled, escalated, rejected).
	Decision string `json:"decision,omitempty"`

	// Reasoning explains the decision.
	Reasoning string `json:"reasoning,omitempty"`

	// FollowUp is a suggested follow-up action, if any.
	FollowUp string `json:"follow_up,omitempty"`
}

// Stats summarises collection sizes for the admin surface.
type Stats struct {
	Contacts int `json:"contacts"`
	Emails   int `json:"emails"`
	Calls    int `json:"calls"`
}

// Store is the persistence gateway. Implementations must be safe for
// concurrent use; the call pipeline and the admin HTTP surface share one
// instance.
type Store interface {
	// UpsertEmail inserts or fully replaces the email with record.ID.
	UpsertEmail(ctx context.Context, email Email) error

	// UpsertContact inserts or fully replaces the contact with record.ID.
	UpsertContact(ctx context.Context, contact Contact) error

	// DeleteEmail removes the email. Deleting a missing ID is not an error.
	DeleteEmail(ctx context.Context, id string) error

	// DeleteContact removes the contact. Deleting a missing ID is not an error.
	DeleteContact(ctx context.Context, id string) error

	// FindEmail returns the email with id, or [ErrNotFound].
	FindEmail(ctx context.Context, id string) (Email, error)

	// FindContact returns the contact with id, or [ErrNotFound].
	FindContact(ctx context.Context, id string) (Contact, error)

	// VectorSearchEmails returns up to k emails nearest to query by cosine
	// similarity, strictly descending by score, ties broken by ID. Emails
	// without embeddings never match.
	VectorSearchEmails(ctx context.Context, query []float32, k int) ([]types.SearchResult, error)

	// NameSearchContacts returns up to k contacts whose display name contains
	// name, case-insensitively.
	NameSearchContacts(ctx context.Context, name string, k int) ([]Contact, error)

	// ListEmails returns all emails ordered by ReceivedAt descending.
	ListEmails(ctx context.Context) ([]Email, error)

	// ListContacts returns all contacts ordered by name.
	ListContacts(ctx context.Context) ([]Contact, error)

	// PersistCall inserts or fully replaces the call record.
	PersistCall(ctx context.Context, rec CallRecord) error

	// FindCall returns the call with the given SID, or [ErrNotFound].
	FindCall(ctx context.Context, callSID string) (CallRecord, error)

	// ListCalls returns up to limit calls ordered by StartedAt descending.
	ListCalls(ctx context.Context, limit int) ([]CallRecord, error)

	// UpdateCallStatus sets the outcome of an existing call record, creating
	// a stub record if the call was never connected (e.g. missed before the
	// media stream opened).
	UpdateCallStatus(ctx context.Context, callSID string, outcome Outcome) error

	// Stats returns collection counts.
	Stats(ctx context.Context) (Stats, error)
}

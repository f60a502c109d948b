// Package ingest feeds the retrieval corpus: it embeds and stores emails and
// maintains the contact book. Embeddings are computed exactly once per
// ingest; re-ingesting an ID replaces the record and its vector.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/donnalabs/donna/pkg/provider/embeddings"
	"github.com/donnalabs/donna/pkg/store"
)

// ErrInvalidRecord indicates a record is missing required fields.
var ErrInvalidRecord = errors.New("ingest: invalid record")

// BatchResult reports the outcome of a bulk import.
type BatchResult struct {
	// Ingested is how many records were stored.
	Ingested int `json:"ingested"`

	// Failed maps record IDs to the failure description. Successful records
	// in the same batch are still stored.
	Failed map[string]string `json:"failed,omitempty"`
}

// Ingester writes emails and contacts into the store, embedding email
// content on the way in.
type Ingester struct {
	store    store.Store
	embedder embeddings.Provider
	log      *slog.Logger
}

// New creates an Ingester. embedder may be nil; emails are then stored
// without vectors and stay invisible to semantic search until re-ingested.
func New(st store.Store, embedder embeddings.Provider, log *slog.Logger) *Ingester {
	if log == nil {
		log = slog.Default()
	}
	return &Ingester{store: st, embedder: embedder, log: log}
}

// embeddingText is the exact text an email is embedded over.
func embeddingText(e store.Email) string {
	return e.Subject + "\n" + e.Body
}

// IngestEmail validates, embeds, and stores one email.
func (i *Ingester) IngestEmail(ctx context.Context, email store.Email) error {
	if email.ID == "" {
		return fmt.Errorf("%w: email id is required", ErrInvalidRecord)
	}
	if strings.TrimSpace(email.Subject) == "" && strings.TrimSpace(email.Body) == "" {
		return fmt.Errorf("%w: email %s has neither subject nor body", ErrInvalidRecord, email.ID)
	}

	if i.embedder != nil {
		vec, err := i.embedder.Embed(ctx, embeddingText(email))
		if err != nil {
			return fmt.Errorf("ingest: embed email %s: %w", email.ID, err)
		}
		email.Embedding = vec
	} else {
		i.log.Warn("no embedder configured; email stored without vector", "id", email.ID)
		email.Embedding = nil
	}

	if err := i.store.UpsertEmail(ctx, email); err != nil {
		return fmt.Errorf("ingest: store email %s: %w", email.ID, err)
	}
	return nil
}

// IngestContact validates and stores one contact.
func (i *Ingester) IngestContact(ctx context.Context, contact store.Contact) error {
	if contact.ID == "" {
		return fmt.Errorf("%w: contact id is required", ErrInvalidRecord)
	}
	if strings.TrimSpace(contact.Name) == "" {
		return fmt.Errorf("%w: contact %s has no name", ErrInvalidRecord, contact.ID)
	}

	if err := i.store.UpsertContact(ctx, contact); err != nil {
		return fmt.Errorf("ingest: store contact %s: %w", contact.ID, err)
	}
	return nil
}

// BulkEmails ingests a batch of emails. Failures are per-record: one bad or
// unembeddable email does not abort the batch. Embeddings are requested in
// one batch call when the provider is available.
func (i *Ingester) BulkEmails(ctx context.Context, emails []store.Email) (BatchResult, error) {
	res := BatchResult{Failed: map[string]string{}}
	if len(emails) == 0 {
		return res, nil
	}

	// Validate up front so the embedding batch only carries good records.
	valid := emails[:0:0]
	for _, e := range emails {
		switch {
		case e.ID == "":
			res.Failed["(missing id)"] = "email id is required"
		case strings.TrimSpace(e.Subject) == "" && strings.TrimSpace(e.Body) == "":
			res.Failed[e.ID] = "email has neither subject nor body"
		default:
			valid = append(valid, e)
		}
	}

	var vectors [][]float32
	if i.embedder != nil && len(valid) > 0 {
		texts := make([]string, len(valid))
		for n, e := range valid {
			texts[n] = embeddingText(e)
		}
		var err error
		vectors, err = i.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			// Fall back to per-record embedding; a single poisoned input
			// should not sink the batch.
			i.log.Warn("batch embedding failed; falling back to per-record", "err", err)
			vectors = nil
		} else if len(vectors) != len(valid) {
			// The provider interface does not promise a one-to-one result;
			// a short or padded batch would mispair vectors with emails.
			i.log.Warn("batch embedding count mismatch; falling back to per-record",
				"want", len(valid), "got", len(vectors))
			vectors = nil
		}
	}

	for n, e := range valid {
		if vectors != nil {
			e.Embedding = vectors[n]
			if err := i.store.UpsertEmail(ctx, e); err != nil {
				res.Failed[e.ID] = err.Error()
				continue
			}
			res.Ingested++
			continue
		}
		if err := i.IngestEmail(ctx, e); err != nil {
			res.Failed[e.ID] = err.Error()
			continue
		}
		res.Ingested++
	}

	if len(res.Failed) == 0 {
		res.Failed = nil
	}
	return res, nil
}

// BulkContacts ingests a batch of contacts with per-record failure reporting.
func (i *Ingester) BulkContacts(ctx context.Context, contacts []store.Contact) (BatchResult, error) {
	res := BatchResult{Failed: map[string]string{}}
	for _, c := range contacts {
		id := c.ID
		if id == "" {
			id = "(missing id)"
		}
		if err := i.IngestContact(ctx, c); err != nil {
			res.Failed[id] = err.Error()
			continue
		}
		res.Ingested++
	}
	if len(res.Failed) == 0 {
		res.Failed = nil
	}
	return res, nil
}

// Package retrieval turns caller questions into grounded context: fuzzy
// contact lookup by name and semantic email search over the pgvector corpus.
//
// The engine is deliberately forgiving. A failing axis degrades to empty
// results with a recorded reason instead of failing the caller's turn; the
// reasoning layer tells the caller it could not check rather than hanging up.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/antzucaro/matchr"
	"golang.org/x/sync/errgroup"

	"github.com/donnalabs/donna/pkg/provider/embeddings"
	"github.com/donnalabs/donna/pkg/store"
	"github.com/donnalabs/donna/pkg/types"
)

const (
	// DefaultContactLimit is how many contacts a search returns.
	DefaultContactLimit = 3

	// DefaultEmailLimit is how many emails a search returns.
	DefaultEmailLimit = 3

	// candidateFactor widens the substring candidate set before fuzzy
	// ranking narrows it back down.
	candidateFactor = 8

	// fuzzyFloor is the minimum Jaro-Winkler similarity for a contact to
	// count as a match when substring search found nothing. Below this the
	// name is considered unknown rather than misspelled.
	fuzzyFloor = 0.80
)

// Axis is the outcome of one retrieval dimension (contacts or emails).
type Axis struct {
	// Results is sorted strictly by descending score, ties broken by ID.
	Results []types.SearchResult

	// Degraded is true when this axis failed and Results is empty because
	// of it, not because nothing matched.
	Degraded bool

	// Reason is a short description of the failure when Degraded is set.
	Reason string
}

// Context is the retrieval context assembled for one caller turn.
type Context struct {
	Contacts Axis
	Emails   Axis
}

// Option is a functional option for the Engine.
type Option func(*Engine)

// WithContactLimit overrides the contact result limit.
func WithContactLimit(k int) Option {
	return func(e *Engine) {
		if k > 0 {
			e.kContacts = k
		}
	}
}

// WithEmailLimit overrides the email result limit.
func WithEmailLimit(k int) Option {
	return func(e *Engine) {
		if k > 0 {
			e.kEmails = k
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		e.log = log
	}
}

// Engine performs retrieval over the contact and email collections.
type Engine struct {
	store     store.Store
	embedder  embeddings.Provider
	kContacts int
	kEmails   int
	log       *slog.Logger
}

// NewEngine creates a retrieval engine over st. embedder may be nil, in which
// case email search always degrades.
func NewEngine(st store.Store, embedder embeddings.Provider, opts ...Option) *Engine {
	e := &Engine{
		store:     st,
		embedder:  embedder,
		kContacts: DefaultContactLimit,
		kEmails:   DefaultEmailLimit,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// SearchContacts finds up to the configured number of contacts matching name.
//
// Substring candidates from the store are ranked by Jaro-Winkler similarity
// against the query. When the substring pass finds nothing (a misheard or
// misspelled name), the whole address book is ranked instead and only
// similarities above a floor survive.
func (e *Engine) SearchContacts(ctx context.Context, name string) ([]types.SearchResult, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil
	}

	candidates, err := e.store.NameSearchContacts(ctx, name, e.kContacts*candidateFactor)
	if err != nil {
		return nil, fmt.Errorf("retrieval: contact search: %w", err)
	}

	floor := 0.0
	if len(candidates) == 0 {
		candidates, err = e.store.ListContacts(ctx)
		if err != nil {
			return nil, fmt.Errorf("retrieval: contact fallback: %w", err)
		}
		floor = fuzzyFloor
	}

	results := make([]types.SearchResult, 0, len(candidates))
	query := strings.ToLower(name)
	for _, c := range candidates {
		score := matchr.JaroWinkler(query, strings.ToLower(c.Name), true)
		if score < floor {
			continue
		}
		results = append(results, types.SearchResult{
			ID:      c.ID,
			Content: contactSummary(c),
			Source:  "contact",
			Score:   score,
		})
	}

	sortResults(results)
	if len(results) > e.kContacts {
		results = results[:e.kContacts]
	}
	return results, nil
}

// SearchEmails embeds query and returns the nearest emails by cosine
// similarity.
func (e *Engine) SearchEmails(ctx context.Context, query string) ([]types.SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if e.embedder == nil {
		return nil, fmt.Errorf("retrieval: email search: %w", embeddings.ErrUnavailable)
	}

	vec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("retrieval: embed query: %w", err)
	}

	results, err := e.store.VectorSearchEmails(ctx, vec, e.kEmails)
	if err != nil {
		return nil, fmt.Errorf("retrieval: email search: %w", err)
	}
	return results, nil
}

// BuildContext runs both retrieval axes in parallel for one caller turn.
// Either axis may degrade independently; BuildContext itself only fails on
// context cancellation.
func (e *Engine) BuildContext(ctx context.Context, name, query string) (Context, error) {
	var rc Context

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		results, err := e.SearchContacts(gctx, name)
		if err != nil {
			e.log.Warn("contact axis degraded", "err", err)
			rc.Contacts = Axis{Degraded: true, Reason: axisReason(err)}
			return nil
		}
		rc.Contacts = Axis{Results: results}
		return nil
	})

	g.Go(func() error {
		results, err := e.SearchEmails(gctx, query)
		if err != nil {
			e.log.Warn("email axis degraded", "err", err)
			rc.Emails = Axis{Degraded: true, Reason: axisReason(err)}
			return nil
		}
		rc.Emails = Axis{Results: results}
		return nil
	})

	if err := g.Wait(); err != nil {
		return Context{}, err
	}
	if err := ctx.Err(); err != nil {
		return Context{}, err
	}
	return rc, nil
}

// axisReason maps a retrieval failure to a short stable reason string.
func axisReason(err error) string {
	switch {
	case errors.Is(err, store.ErrUnavailable):
		return "store unavailable"
	case errors.Is(err, embeddings.ErrUnavailable):
		return "embeddings unavailable"
	case errors.Is(err, embeddings.ErrInvalidInput):
		return "invalid query"
	case errors.Is(err, context.DeadlineExceeded):
		return "timed out"
	default:
		return "retrieval failed"
	}
}

// contactSummary renders a contact as the text handed to the model.
func contactSummary(c store.Contact) string {
	var b strings.Builder
	b.WriteString("Name: ")
	b.WriteString(c.Name)
	if c.Company != "" {
		b.WriteString("\nCompany: ")
		b.WriteString(c.Company)
	}
	if c.Email != "" {
		b.WriteString("\nEmail: ")
		b.WriteString(c.Email)
	}
	if c.Phone != "" {
		b.WriteString("\nPhone: ")
		b.WriteString(c.Phone)
	}
	return b.String()
}

// sortResults orders by descending score, ties broken by lexicographic ID.
func sortResults(results []types.SearchResult) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
}

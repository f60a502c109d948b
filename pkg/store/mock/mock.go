// Package mock provides an in-memory test double for the store.Store
// interface.
//
// Store keeps all records in maps guarded by a mutex and implements the same
// ordering and idempotence semantics as the real gateway, so pipeline tests
// can exercise retrieval and persistence without a database. Set FailWith to
// make every operation return that error (typically store.ErrUnavailable) to
// simulate an outage.
package mock

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/donnalabs/donna/pkg/store"
	"github.com/donnalabs/donna/pkg/types"
)

// Store is an in-memory implementation of store.Store.
// The zero value is not usable; call [New].
type Store struct {
	mu       sync.Mutex
	emails   map[string]store.Email
	contacts map[string]store.Contact
	calls    map[string]store.CallRecord

	// FailWith, when non-nil, is returned by every operation. Use it to
	// simulate an unreachable backing store.
	FailWith error

	// PersistCallCalls counts invocations of PersistCall, including failed
	// ones. Read after the test.
	PersistCallCalls int
}

var _ store.Store = (*Store)(nil)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		emails:   make(map[string]store.Email),
		contacts: make(map[string]store.Contact),
		calls:    make(map[string]store.CallRecord),
	}
}

func (s *Store) UpsertEmail(_ context.Context, email store.Email) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}
	s.emails[email.ID] = email
	return nil
}

func (s *Store) UpsertContact(_ context.Context, contact store.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}
	s.contacts[contact.ID] = contact
	return nil
}

func (s *Store) DeleteEmail(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}
	delete(s.emails, id)
	return nil
}

func (s *Store) DeleteContact(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}
	delete(s.contacts, id)
	return nil
}

func (s *Store) FindEmail(_ context.Context, id string) (store.Email, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return store.Email{}, s.FailWith
	}
	e, ok := s.emails[id]
	if !ok {
		return store.Email{}, store.ErrNotFound
	}
	return e, nil
}

func (s *Store) FindContact(_ context.Context, id string) (store.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return store.Contact{}, s.FailWith
	}
	c, ok := s.contacts[id]
	if !ok {
		return store.Contact{}, store.ErrNotFound
	}
	return c, nil
}

// VectorSearchEmails ranks embedded emails by cosine similarity to query.
// Results are strictly descending by score with ties broken by ID, matching
// the real gateway's ordering contract.
func (s *Store) VectorSearchEmails(_ context.Context, query []float32, k int) ([]types.SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return nil, s.FailWith
	}

	var results []types.SearchResult
	for _, e := range s.emails {
		if len(e.Embedding) == 0 || len(e.Embedding) != len(query) {
			continue
		}
		results = append(results, types.SearchResult{
			ID:      e.ID,
			Content: e.Subject + "\n" + e.Body,
			Source:  "email",
			Score:   cosine(query, e.Embedding),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (s *Store) NameSearchContacts(_ context.Context, name string, k int) ([]store.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return nil, s.FailWith
	}

	needle := strings.ToLower(name)
	var hits []store.Contact
	for _, c := range s.contacts {
		if strings.Contains(strings.ToLower(c.Name), needle) {
			hits = append(hits, c)
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].ID < hits[j].ID })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (s *Store) ListEmails(_ context.Context) ([]store.Email, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	out := make([]store.Email, 0, len(s.emails))
	for _, e := range s.emails {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.After(out[j].ReceivedAt) })
	return out, nil
}

func (s *Store) ListContacts(_ context.Context) ([]store.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	out := make([]store.Contact, 0, len(s.contacts))
	for _, c := range s.contacts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) PersistCall(_ context.Context, rec store.CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PersistCallCalls++
	if s.FailWith != nil {
		return s.FailWith
	}
	s.calls[rec.CallSID] = rec
	return nil
}

func (s *Store) FindCall(_ context.Context, callSID string) (store.CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return store.CallRecord{}, s.FailWith
	}
	c, ok := s.calls[callSID]
	if !ok {
		return store.CallRecord{}, store.ErrNotFound
	}
	return c, nil
}

func (s *Store) ListCalls(_ context.Context, limit int) ([]store.CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	out := make([]store.CallRecord, 0, len(s.calls))
	for _, c := range s.calls {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) UpdateCallStatus(_ context.Context, callSID string, outcome store.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}
	rec := s.calls[callSID]
	rec.CallSID = callSID
	rec.Outcome = outcome
	s.calls[callSID] = rec
	return nil
}

func (s *Store) Stats(_ context.Context) (store.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return store.Stats{}, s.FailWith
	}
	return store.Stats{
		Contacts: len(s.contacts),
		Emails:   len(s.emails),
		Calls:    len(s.calls),
	}, nil
}

// Calls returns a snapshot of all persisted call records, for assertions.
func (s *Store) Calls() []store.CallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.CallRecord, 0, len(s.calls))
	for _, c := range s.calls {
		out = append(out, c)
	}
	return out
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	// Negative similarity clamps to zero, matching the gateway's score range.
	return math.Max(0, math.Min(1, sim))
}

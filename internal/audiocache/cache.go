// Package audiocache holds synthesized audio for replayable phrases behind
// short-lived opaque URLs. The cache is a bounded LRU keyed by the hash of
// (reply text, voice); repeated synthesis of canned lines (greeting,
// re-prompts, goodbye) hits the cache instead of the TTS backend.
package audiocache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/donnalabs/donna/internal/observe"
	"github.com/donnalabs/donna/pkg/provider/tts"
)

// DefaultMaxEntries bounds the cache when no limit is configured.
const DefaultMaxEntries = 100

// ErrNotFound is returned by Lookup for unknown or evicted ids.
var ErrNotFound = errors.New("audiocache: not found")

// Entry is one cached synthesis artifact.
type Entry struct {
	// ID is the opaque identifier served in URLs. Unguessable; regenerated
	// when an evicted phrase is re-synthesized.
	ID string

	// Audio is the complete synthesized blob.
	Audio []byte

	// ContentType is the MIME type of Audio.
	ContentType string
}

// Option configures a Cache.
type Option func(*Cache)

// WithMaxEntries overrides the entry limit.
func WithMaxEntries(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.max = n
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(c *Cache) {
		c.log = log
	}
}

// WithMetrics overrides the metrics sink. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Cache) {
		if m != nil {
			c.metrics = m
		}
	}
}

// Cache is a bounded LRU of synthesized audio. Safe for concurrent use; the
// lock is never held across synthesis.
type Cache struct {
	provider tts.Provider
	max      int
	log      *slog.Logger
	metrics  *observe.Metrics

	// flight collapses concurrent misses for the same phrase into one
	// synthesis call.
	flight singleflight.Group

	mu    sync.Mutex
	order *list.List               // front = most recent; values are *record
	byKey map[string]*list.Element // phrase hash → element
	byID  map[string]*list.Element // opaque URL id → element
}

type record struct {
	key   string
	entry Entry
}

// New creates a Cache that synthesizes misses through provider.
func New(provider tts.Provider, opts ...Option) *Cache {
	c := &Cache{
		provider: provider,
		max:      DefaultMaxEntries,
		log:      slog.Default(),
		metrics:  observe.DefaultMetrics(),
		order:    list.New(),
		byKey:    make(map[string]*list.Element),
		byID:     make(map[string]*list.Element),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// cacheKey hashes the phrase and voice into the lookup key.
func cacheKey(text string, voice tts.Voice) string {
	sum := sha256.Sum256([]byte(text + "|" + voice.ID))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached entry for text under voice, synthesizing it on a
// miss. Concurrent misses for the same phrase share one synthesis.
func (c *Cache) Get(ctx context.Context, text string, voice tts.Voice) (Entry, error) {
	key := cacheKey(text, voice)

	c.mu.Lock()
	if el, ok := c.byKey[key]; ok {
		c.order.MoveToFront(el)
		entry := el.Value.(*record).entry
		c.mu.Unlock()
		c.metrics.CacheHits.Add(ctx, 1)
		return entry, nil
	}
	c.mu.Unlock()

	v, err, _ := c.flight.Do(key, func() (any, error) {
		// Re-check: another flight may have filled the key between the miss
		// and this call winning the flight.
		c.mu.Lock()
		if el, ok := c.byKey[key]; ok {
			entry := el.Value.(*record).entry
			c.mu.Unlock()
			c.metrics.CacheHits.Add(ctx, 1)
			return entry, nil
		}
		c.mu.Unlock()

		c.metrics.CacheMisses.Add(ctx, 1)
		start := time.Now()
		audio, err := c.provider.Synthesize(ctx, text, voice)
		if err != nil {
			return Entry{}, fmt.Errorf("audiocache: synthesize: %w", err)
		}
		c.metrics.RecordTTSDuration(ctx, time.Since(start))
		entry := Entry{
			ID:          uuid.NewString(),
			Audio:       audio,
			ContentType: c.provider.ContentType(),
		}
		c.insert(key, entry)
		return entry, nil
	})
	if err != nil {
		return Entry{}, err
	}
	return v.(Entry), nil
}

// Lookup resolves an opaque URL id. Evicted ids return ErrNotFound.
func (c *Cache) Lookup(id string) (Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.byID[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	c.order.MoveToFront(el)
	return el.Value.(*record).entry, nil
}

// Len reports the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Cache) insert(key string, entry Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.byKey[key]; ok {
		// Lost a race; keep the existing entry current.
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&record{key: key, entry: entry})
	c.byKey[key] = el
	c.byID[entry.ID] = el

	for c.order.Len() > c.max {
		oldest := c.order.Back()
		rec := oldest.Value.(*record)
		c.order.Remove(oldest)
		delete(c.byKey, rec.key)
		delete(c.byID, rec.entry.ID)
		c.log.Debug("evicted audio entry", "id", rec.entry.ID)
	}
}

// Handler serves GET /audio/{id}. Unknown and evicted ids answer 404.
func (c *Cache) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		entry, err := c.Lookup(id)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", entry.ContentType)
		w.Header().Set("Cache-Control", "no-store")
		if _, err := w.Write(entry.Audio); err != nil {
			c.log.Debug("audio response aborted", "id", id, "err", err)
		}
	}
}

package lexicon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/curalog/vocalis/internal/store"
)

// TermSource provides the active terms of a lexicon. Implemented by
// [store.TermStore].
type TermSource interface {
	ListActive(ctx context.Context, lexiconID string) ([]store.Term, error)
}

// Cache serves compiled lexicons with a TTL so the pipeline does not hit the
// database on every job. Snapshots are immutable; a refresh swaps the whole
// entry. When a refresh fails and a stale snapshot exists, the stale
// snapshot is served and the failure is logged.
//
// Safe for concurrent use.
type Cache struct {
	source TermSource
	ttl    time.Duration
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	compiled *Compiled
	expires  time.Time
}

// NewCache creates a Cache over source with the given TTL. A nil logger
// falls back to slog.Default.
func NewCache(source TermSource, ttl time.Duration, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		source:  source,
		ttl:     ttl,
		logger:  logger,
		entries: make(map[string]cacheEntry),
	}
}

// Get returns the compiled lexicon for lexiconID, refreshing from the source
// when the cached snapshot is missing or expired.
func (c *Cache) Get(ctx context.Context, lexiconID string) (*Compiled, error) {
	c.mu.RLock()
	entry, ok := c.entries[lexiconID]
	c.mu.RUnlock()

	if ok && time.Now().Before(entry.expires) {
		return entry.compiled, nil
	}

	compiled, err := c.refresh(ctx, lexiconID)
	if err != nil {
		if ok {
			c.logger.Warn("lexicon refresh failed, serving stale snapshot",
				"lexicon_id", lexiconID,
				"rules", entry.compiled.Len(),
				"error", err)
			return entry.compiled, nil
		}
		return nil, err
	}
	return compiled, nil
}

// Invalidate drops the cached snapshot for lexiconID so the next Get
// recompiles. Called by the lexicon admin API after every term mutation.
func (c *Cache) Invalidate(lexiconID string) {
	c.mu.Lock()
	delete(c.entries, lexiconID)
	c.mu.Unlock()
}

func (c *Cache) refresh(ctx context.Context, lexiconID string) (*Compiled, error) {
	terms, err := c.source.ListActive(ctx, lexiconID)
	if err != nil {
		return nil, fmt.Errorf("lexicon: load %s: %w", lexiconID, err)
	}

	compiled := Compile(lexiconID, terms)
	c.mu.Lock()
	c.entries[lexiconID] = cacheEntry{
		compiled: compiled,
		expires:  time.Now().Add(c.ttl),
	}
	c.mu.Unlock()

	c.logger.Debug("lexicon compiled",
		"lexicon_id", lexiconID,
		"rules", compiled.Len(),
		"max_words", compiled.MaxWords)
	return compiled, nil
}

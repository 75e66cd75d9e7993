// Package affinity implements the Affinity Store: a sharded, process-local
// sticky-session map from a session key to the upstream it was last routed
// to, with a sliding TTL and an absolute TTL, cleaned up by a background
// janitor, using a fixed shard count so lock contention scales with traffic
// instead of sitting behind one mutex.
package affinity

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/model"
)

const shardCount = 16

// Config holds the Affinity Store's TTL policy.
type Config struct {
	SlidingTTL   time.Duration // refreshed on every access
	AbsoluteTTL  time.Duration // hard cap from creation regardless of access
	JanitorEvery time.Duration
}

// DefaultConfig holds the out-of-the-box TTLs: 5 minutes sliding, 30 minutes
// absolute, swept every 60 seconds.
func DefaultConfig() Config {
	return Config{
		SlidingTTL:   5 * time.Minute,
		AbsoluteTTL:  30 * time.Minute,
		JanitorEvery: 60 * time.Second,
	}
}

type shard struct {
	mu      sync.Mutex
	entries map[string]model.AffinityEntry
}

// Store is process-local only — it must never be persisted or shared across
// replicas; a replica restart simply loses affinity and every session falls
// back to a fresh candidate selection.
type Store struct {
	shards [shardCount]*shard
	cfg    Config

	done chan struct{}
	wg   sync.WaitGroup
}

// New builds a Store and starts its background janitor.
func New(cfg Config) *Store {
	if cfg.JanitorEvery <= 0 {
		cfg = DefaultConfig()
	}
	s := &Store{cfg: cfg, done: make(chan struct{})}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string]model.AffinityEntry)}
	}
	s.wg.Add(1)
	go s.janitor()
	return s
}

func (s *Store) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%shardCount]
}

// Lookup returns the live entry for key, if any, and refreshes its sliding
// TTL as a side effect of the access (the entry is still subject to the
// absolute TTL regardless of how often it is accessed).
func (s *Store) Lookup(key string) (model.AffinityEntry, bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !ok {
		return model.AffinityEntry{}, false
	}
	now := time.Now()
	if s.expired(e, now) {
		delete(sh.entries, key)
		return model.AffinityEntry{}, false
	}
	e.LastAccessedAt = now
	sh.entries[key] = e
	return e, true
}

func (s *Store) expired(e model.AffinityEntry, now time.Time) bool {
	if now.Sub(e.LastAccessedAt) > s.cfg.SlidingTTL {
		return true
	}
	if now.Sub(e.CreatedAt) > s.cfg.AbsoluteTTL {
		return true
	}
	return false
}

// Set creates or replaces the affinity entry for key, used on first selection
// and on migration to a different upstream.
func (s *Store) Set(key string, upstreamID string, contentLength, cumulativeInputTokens int64) {
	sh := s.shardFor(key)
	now := time.Now()
	sh.mu.Lock()
	defer sh.mu.Unlock()

	existing, ok := sh.entries[key]
	createdAt := now
	if ok && !s.expired(existing, now) {
		createdAt = existing.CreatedAt
	}

	sh.entries[key] = model.AffinityEntry{
		UpstreamID:            upstreamID,
		ContentLength:         contentLength,
		CumulativeInputTokens: cumulativeInputTokens,
		CreatedAt:             createdAt,
		LastAccessedAt:        now,
	}
}

// AddCumulativeInputTokens increments the running input-token count for an
// existing session after a successfully delivered (possibly partial) stream
// — only tokens actually delivered to the client count.
func (s *Store) AddCumulativeInputTokens(key string, delta int64) {
	if delta == 0 {
		return
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[key]
	if !ok {
		return
	}
	e.CumulativeInputTokens += delta
	sh.entries[key] = e
}

// Len returns the total number of live entries across all shards (test/metrics use).
func (s *Store) Len() int {
	total := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		total += len(sh.entries)
		sh.mu.Unlock()
	}
	return total
}

func (s *Store) janitor() {
	defer s.wg.Done()
	t := time.NewTicker(s.cfg.JanitorEvery)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.sweep()
		case <-s.done:
			return
		}
	}
}

func (s *Store) sweep() {
	now := time.Now()
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, e := range sh.entries {
			if s.expired(e, now) {
				delete(sh.entries, k)
			}
		}
		sh.mu.Unlock()
	}
}

// Close stops the background janitor.
func (s *Store) Close() {
	close(s.done)
	s.wg.Wait()
}

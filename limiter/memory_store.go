package limiter

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"
)

const memoryShardCount = 32

type memoryEntry struct {
	rec Record
	idx int // position in memoryShard.keys
}

// memoryShard keeps its keys in a slice beside the map so the sweep can walk
// them by index, taking the lock for one key at a time.
type memoryShard struct {
	mu      sync.Mutex
	records map[string]*memoryEntry
	keys    []string
}

func (sh *memoryShard) put(key string, rec Record) {
	if e, ok := sh.records[key]; ok {
		e.rec = rec
		return
	}
	sh.records[key] = &memoryEntry{rec: rec, idx: len(sh.keys)}
	sh.keys = append(sh.keys, key)
}

// remove swaps the last key into the removed slot.
func (sh *memoryShard) remove(key string) {
	e, ok := sh.records[key]
	if !ok {
		return
	}
	last := len(sh.keys) - 1
	if e.idx != last {
		moved := sh.keys[last]
		sh.keys[e.idx] = moved
		sh.records[moved].idx = e.idx
	}
	sh.keys[last] = ""
	sh.keys = sh.keys[:last]
	delete(sh.records, key)
}

// MemoryStore implements the Store interface using sharded in-memory maps.
// Each shard has its own mutex so unrelated keys rarely contend.
type MemoryStore struct {
	shards [memoryShardCount]*memoryShard
}

// NewMemoryStore creates a new in-memory rate record store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i] = &memoryShard{records: make(map[string]*memoryEntry)}
	}
	return s
}

func (s *MemoryStore) shard(key string) *memoryShard {
	return s.shards[xxhash.Sum64String(key)%memoryShardCount]
}

// Increment implements the Store interface for memory storage.
func (s *MemoryStore) Increment(_ context.Context, key string, window time.Duration, now time.Time) (Record, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	var (
		current Record
		exists  bool
	)
	if e, ok := sh.records[key]; ok {
		current, exists = e.rec, true
	}
	next := advance(current, exists, window, now)
	sh.put(key, next)

	if next.Count == 1 {
		log.Debug().Str("key", key).Dur("window", window).Msg("new window started")
	}
	return next, nil
}

// Get implements the Store interface for memory storage.
func (s *MemoryStore) Get(_ context.Context, key string) (Record, bool, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.records[key]
	if !ok {
		return Record{}, false, nil
	}
	return e.rec, true, nil
}

// Delete implements the Store interface for memory storage.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	sh := s.shard(key)
	sh.mu.Lock()
	sh.remove(key)
	sh.mu.Unlock()
	return nil
}

// DeleteExpired implements the Store interface for memory storage.
// The shard lock is taken per key: one expiry check and at most one deletion.
// Keys moved or added while the lock is released may be missed; the next
// sweep picks them up.
func (s *MemoryStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		budget := len(sh.keys)
		sh.mu.Unlock()

		for i := 0; budget > 0; budget-- {
			if err := ctx.Err(); err != nil {
				return removed, err
			}

			sh.mu.Lock()
			if i >= len(sh.keys) {
				sh.mu.Unlock()
				break
			}
			key := sh.keys[i]
			if sh.records[key].rec.Expired(now) {
				// slot i now holds another key
				sh.remove(key)
				removed++
			} else {
				i++
			}
			sh.mu.Unlock()
		}
	}
	return removed, nil
}

// Len returns the number of records currently held.
func (s *MemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.records)
		sh.mu.Unlock()
	}
	return n
}

var _ Store = (*MemoryStore)(nil)

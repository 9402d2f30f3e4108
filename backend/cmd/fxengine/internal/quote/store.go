// Package quote implements the Quote Store: the sharded in-memory book
// of last-known bid/ask per symbol that the rest of the engine reads
// from. Grounded on the teacher's internal/state.Manager (in-memory map
// + sync.RWMutex + DB-seed skeleton) and pkg/cache.ShardedPriceCache
// (fnv-sharded buckets), generalized from a single-field price cache
// into a two-sided {bid, ask, ts_ms} record mirrored to Redis.
package quote

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"fxengine/internal/domain"
	"fxengine/pkg/redisx"
)

const numShards = 32

// Record is the per-symbol quote snapshot (spec.md §4.1).
type Record struct {
	Symbol string
	Bid    float64
	Ask    float64
	TsMs   int64
}

func (r Record) stale(nowMs, stalenessMs int64) bool {
	return nowMs-r.TsMs > stalenessMs
}

type shard struct {
	mu   sync.RWMutex
	data map[string]Record
}

// Store is the sharded quote book. Writes are last-write-wins by
// arrival order within a single producer (the market listener is the
// only writer); reads never block writes because each symbol only ever
// contends with other symbols hashing to the same shard.
type Store struct {
	shards      [numShards]*shard
	redis       *redisx.Client
	stalenessMs int64

	mirrorMu sync.Mutex
}

// New builds an empty Store. redis may be nil, in which case writes are
// kept in-memory only (used by tests and by callers that mirror
// separately).
func New(redis *redisx.Client, stalenessMs int64) *Store {
	s := &Store{redis: redis, stalenessMs: stalenessMs}
	for i := range s.shards {
		s.shards[i] = &shard{data: make(map[string]Record)}
	}
	return s
}

func (s *Store) shardFor(symbol string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	return s.shards[h.Sum32()%numShards]
}

// PutPartial merges a bid and/or ask update into the existing record,
// preserving the untouched side (spec.md §4.1).
func (s *Store) PutPartial(symbol string, bid, ask *float64, tsMs int64) Record {
	sh := s.shardFor(symbol)
	sh.mu.Lock()
	rec := sh.data[symbol]
	rec.Symbol = symbol
	if bid != nil {
		rec.Bid = *bid
	}
	if ask != nil {
		rec.Ask = *ask
	}
	rec.TsMs = tsMs
	sh.data[symbol] = rec
	sh.mu.Unlock()
	return rec
}

// Get returns the record and whether it is present and fresh. A record
// older than the staleness window is reported as not-ok, matching
// spec.md's "get(symbol) — returns the record or 'stale'".
func (s *Store) Get(symbol string, nowMs int64) (Record, bool) {
	sh := s.shardFor(symbol)
	sh.mu.RLock()
	rec, found := sh.data[symbol]
	sh.mu.RUnlock()
	if !found || rec.stale(nowMs, s.stalenessMs) {
		return Record{}, false
	}
	return rec, true
}

// MGet batches Get over many symbols; stale or missing entries are
// individually suppressed from the result map rather than failing the
// whole call.
func (s *Store) MGet(symbols []string, nowMs int64) map[string]Record {
	out := make(map[string]Record, len(symbols))
	for _, sym := range symbols {
		if rec, ok := s.Get(sym, nowMs); ok {
			out[sym] = rec
		}
	}
	return out
}

// ScanAll enumerates every known symbol, stale or not, sorted for
// deterministic iteration by callers such as the trigger/pending scan
// loops.
func (s *Store) ScanAll() []string {
	seen := make(map[string]struct{})
	for _, sh := range s.shards {
		sh.mu.RLock()
		for sym := range sh.data {
			seen[sym] = struct{}{}
		}
		sh.mu.RUnlock()
	}
	out := make([]string, 0, len(seen))
	for sym := range seen {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Mirror writes a batch of records to Redis hashes market:{SYMBOL} via
// pkg/redisx. Intended to be called on the market listener's ~20 ms
// batch-write window (spec.md §4.2), so callers pass the whole dirty
// batch in one call rather than one round trip per symbol.
func (s *Store) Mirror(ctx context.Context, records []Record) error {
	if s.redis == nil {
		return nil
	}
	s.mirrorMu.Lock()
	defer s.mirrorMu.Unlock()

	for _, rec := range records {
		fields := map[string]any{
			"bid":   rec.Bid,
			"ask":   rec.Ask,
			"ts_ms": rec.TsMs,
		}
		if err := s.redis.SetHash(ctx, domain.KeyMarket(rec.Symbol), fields); err != nil {
			return err
		}
	}
	return nil
}

// TimeNowMs is the Store's clock, overridable in tests.
var TimeNowMs = func() int64 { return time.Now().UnixMilli() }

// Package wm implements the per-robot working memory: a token-budgeted
// cache of nodes selected for active context, with LFU+LRU eviction and
// several context-assembly strategies.
package wm

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robomem/robomem/pkg/core"
)

// Strategy selects how assembled context is ordered.
type Strategy int

const (
	// StrategyRecent orders by most recently touched first.
	StrategyRecent Strategy = iota

	// StrategyFrequent orders by highest access count first.
	StrategyFrequent

	// StrategyBalanced ranks by log(1+access_count) / (1+age_hours).
	StrategyBalanced
)

// ParseStrategy maps a strategy name to its variant.
func ParseStrategy(name string) (Strategy, error) {
	switch name {
	case "recent":
		return StrategyRecent, nil
	case "frequent":
		return StrategyFrequent, nil
	case "balanced":
		return StrategyBalanced, nil
	}
	return 0, core.E(core.KindValidation, "wm.ParseStrategy", "unknown strategy %q", name)
}

func (s Strategy) String() string {
	switch s {
	case StrategyRecent:
		return "recent"
	case StrategyFrequent:
		return "frequent"
	case StrategyBalanced:
		return "balanced"
	}
	return "unknown"
}

// Record is one resident working-memory entry. Records are transient values
// keyed by node id; they never own the node.
type Record struct {
	Key          core.NodeID
	Content      string
	TokenCount   int
	AccessCount  int64
	LastAccessed time.Time
	AddedAt      time.Time
	FromRecall   bool
	FromSync     bool

	seq   uint64 // insertion order, deterministic tie-break
	touch uint64 // recency order, bumped on add and touch
}

// AddOptions carries the optional fields of Add.
type AddOptions struct {
	AccessCount  int64
	LastAccessed *time.Time
	FromRecall   bool
}

// WorkingMemory is a bounded token-budgeted cache. All public operations are
// serialized by the per-instance lock.
type WorkingMemory struct {
	mu        sync.Mutex
	maxTokens int
	current   int
	records   map[core.NodeID]*Record

	nextSeq uint64
	clock   func() time.Time
}

// New creates a working memory bounded to maxTokens.
func New(maxTokens int) *WorkingMemory {
	return &WorkingMemory{
		maxTokens: maxTokens,
		records:   make(map[core.NodeID]*Record),
		clock:     time.Now,
	}
}

// Add inserts or overwrites a record. It never evicts: callers check
// HasSpace and run EvictToMakeSpace first so that eviction side effects can
// be persisted.
func (w *WorkingMemory) Add(key core.NodeID, content string, tokenCount int, opts AddOptions) {
	w.add(key, content, tokenCount, opts, false)
}

// AddFromSync applies a peer's addition without re-broadcasting; the record
// is marked as having arrived via group sync.
func (w *WorkingMemory) AddFromSync(key core.NodeID, content string, tokenCount int, opts AddOptions) {
	w.add(key, content, tokenCount, opts, true)
}

func (w *WorkingMemory) add(key core.NodeID, content string, tokenCount int, opts AddOptions, fromSync bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock()
	last := now
	if opts.LastAccessed != nil {
		last = *opts.LastAccessed
	}

	if old, ok := w.records[key]; ok {
		w.current -= old.TokenCount
	}

	w.nextSeq++
	w.records[key] = &Record{
		Key:          key,
		Content:      content,
		TokenCount:   tokenCount,
		AccessCount:  opts.AccessCount,
		LastAccessed: last,
		AddedAt:      now,
		FromRecall:   opts.FromRecall,
		FromSync:     fromSync,
		seq:          w.nextSeq,
		touch:        w.nextSeq,
	}
	w.current += tokenCount
}

// Remove drops a record if present; idempotent.
func (w *WorkingMemory) Remove(key core.NodeID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.removeLocked(key)
}

// RemoveFromSync applies a peer's removal without re-broadcasting.
func (w *WorkingMemory) RemoveFromSync(key core.NodeID) bool {
	return w.Remove(key)
}

func (w *WorkingMemory) removeLocked(key core.NodeID) bool {
	rec, ok := w.records[key]
	if !ok {
		return false
	}
	w.current -= rec.TokenCount
	delete(w.records, key)
	return true
}

// Clear empties the working memory.
func (w *WorkingMemory) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.records = make(map[core.NodeID]*Record)
	w.current = 0
}

// ClearFromSync applies a peer's clear without re-broadcasting.
func (w *WorkingMemory) ClearFromSync() { w.Clear() }

// Touch bumps a resident record's access counters; used when a recall hit
// lands on working memory.
func (w *WorkingMemory) Touch(key core.NodeID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	rec, ok := w.records[key]
	if !ok {
		return false
	}
	rec.AccessCount++
	rec.LastAccessed = w.clock()
	w.nextSeq++
	rec.touch = w.nextSeq
	return true
}

// Get returns a copy of the record for key.
func (w *WorkingMemory) Get(key core.NodeID) (Record, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	rec, ok := w.records[key]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Contains reports residency without touching access order.
func (w *WorkingMemory) Contains(key core.NodeID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.records[key]
	return ok
}

// Keys returns the resident node ids in insertion order.
func (w *WorkingMemory) Keys() []core.NodeID {
	w.mu.Lock()
	defer w.mu.Unlock()

	recs := w.sortedLocked(func(a, b *Record) bool { return a.seq < b.seq })
	out := make([]core.NodeID, len(recs))
	for i, r := range recs {
		out[i] = r.Key
	}
	return out
}

// HasSpace reports whether tokens more would still fit the budget.
func (w *WorkingMemory) HasSpace(tokens int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current+tokens <= w.maxTokens
}

// CurrentTokens returns the sum of resident token counts.
func (w *WorkingMemory) CurrentTokens() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// MaxTokens returns the configured budget.
func (w *WorkingMemory) MaxTokens() int { return w.maxTokens }

// Len returns the number of resident records.
func (w *WorkingMemory) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.records)
}

// evictionScore is the LFU+LRU victim score; lower is more evictable.
// Frequently accessed and recently added records survive longest.
func evictionScore(rec *Record, now time.Time) float64 {
	ageHours := now.Sub(rec.AddedAt).Hours()
	if ageHours < 0 {
		ageHours = 0
	}
	return math.Log(1+float64(rec.AccessCount)) + 1/(1+ageHours)
}

// EvictToMakeSpace removes lowest-scored records until at least
// neededTokens have been freed or nothing is left. The evicted records are
// returned so the caller can persist side effects (e.g. clearing
// working_memory flags in storage).
func (w *WorkingMemory) EvictToMakeSpace(neededTokens int) []Record {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock()
	candidates := w.sortedLocked(func(a, b *Record) bool {
		sa, sb := evictionScore(a, now), evictionScore(b, now)
		if sa != sb {
			return sa < sb
		}
		return a.seq < b.seq
	})

	var evicted []Record
	freed := 0
	for _, rec := range candidates {
		if freed >= neededTokens {
			break
		}
		evicted = append(evicted, *rec)
		freed += rec.TokenCount
		w.removeLocked(rec.Key)
	}
	return evicted
}

// AssembleContext concatenates record contents separated by blank lines up
// to a token budget (0 means the full working-memory budget). Items are
// included whole or not at all; one that would overflow the running total
// is skipped and the next candidate is tried.
func (w *WorkingMemory) AssembleContext(strategy Strategy, maxTokens int) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if maxTokens <= 0 {
		maxTokens = w.maxTokens
	}

	now := w.clock()
	var less func(a, b *Record) bool
	switch strategy {
	case StrategyRecent:
		less = func(a, b *Record) bool { return a.touch > b.touch }
	case StrategyFrequent:
		less = func(a, b *Record) bool {
			if a.AccessCount != b.AccessCount {
				return a.AccessCount > b.AccessCount
			}
			return a.touch > b.touch
		}
	case StrategyBalanced:
		rank := func(r *Record) float64 {
			ageHours := now.Sub(r.AddedAt).Hours()
			if ageHours < 0 {
				ageHours = 0
			}
			return math.Log(1+float64(r.AccessCount)) / (1 + ageHours)
		}
		less = func(a, b *Record) bool {
			ra, rb := rank(a), rank(b)
			if ra != rb {
				return ra > rb
			}
			return a.touch > b.touch
		}
	default:
		return "", core.E(core.KindValidation, "wm.AssembleContext", "unknown strategy %d", strategy)
	}

	var parts []string
	total := 0
	for _, rec := range w.sortedLocked(less) {
		if total+rec.TokenCount > maxTokens {
			continue
		}
		parts = append(parts, rec.Content)
		total += rec.TokenCount
	}
	return strings.Join(parts, "\n\n"), nil
}

// sortedLocked snapshots the records sorted by less. Callers hold w.mu.
func (w *WorkingMemory) sortedLocked(less func(a, b *Record) bool) []*Record {
	recs := make([]*Record, 0, len(w.records))
	for _, r := range w.records {
		recs = append(recs, r)
	}
	sort.SliceStable(recs, func(i, j int) bool { return less(recs[i], recs[j]) })
	return recs
}

// Stats reports the usual working-memory counters.
func (w *WorkingMemory) Stats() map[string]any {
	w.mu.Lock()
	defer w.mu.Unlock()
	return map[string]any{
		"records":        len(w.records),
		"current_tokens": w.current,
		"max_tokens":     w.maxTokens,
	}
}

// SetClock replaces the time source; test hook.
func (w *WorkingMemory) SetClock(clock func() time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.clock = clock
}

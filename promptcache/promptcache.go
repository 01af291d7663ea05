package promptcache

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/qrelay/qrelay/common/config"
)

const (
	minTTLSeconds = 60
	maxTTLSeconds = 604800

	minEntries = 100
	maxEntries = 100000
)

// Entry is one content-addressed cache record. Expiry slides on
// last_accessed, not created_at.
type Entry struct {
	Key          string
	TokenCount   int
	CreatedAt    time.Time
	LastAccessed time.Time
}

// Result is the advisory cache outcome surfaced in usage fields.
type Result struct {
	Hit                 bool
	CacheReadTokens     int
	CacheCreationTokens int
}

// Stats is the snapshot served on the cache stats endpoint.
type Stats struct {
	Entries       int     `json:"entries"`
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	Evictions     int64   `json:"evictions"`
	TotalRequests int64   `json:"total_requests"`
	HitRate       float64 `json:"hit_rate"`
	MaxEntries    int     `json:"max_entries"`
	TTLSeconds    int     `json:"ttl_seconds"`
}

// Simulator emulates Claude prompt-cache usage metadata. It never
// touches upstream traffic.
type Simulator struct {
	mu         sync.Mutex
	entries    map[string]*Entry
	ttl        time.Duration
	maxEntries int

	hits      int64
	misses    int64
	evictions int64

	now func() time.Time
}

var (
	instance *Simulator
	initOnce sync.Once
)

// Init builds the process-wide simulator from config. No-op when
// cache simulation is disabled.
func Init() {
	if !config.EnableCacheSimulation {
		return
	}
	initOnce.Do(func() {
		instance = New(config.CacheTTLSeconds, config.MaxCacheEntries)
	})
}

// Get returns the singleton, or nil when simulation is off.
func Get() *Simulator {
	return instance
}

// Shutdown drops the singleton and its entries.
func Shutdown() {
	instance = nil
	initOnce = sync.Once{}
}

func New(ttlSeconds, maxEntryCount int) *Simulator {
	if ttlSeconds < minTTLSeconds {
		ttlSeconds = minTTLSeconds
	} else if ttlSeconds > maxTTLSeconds {
		ttlSeconds = maxTTLSeconds
	}
	if maxEntryCount < minEntries {
		maxEntryCount = minEntries
	} else if maxEntryCount > maxEntries {
		maxEntryCount = maxEntries
	}
	return &Simulator{
		entries:    make(map[string]*Entry),
		ttl:        time.Duration(ttlSeconds) * time.Second,
		maxEntries: maxEntryCount,
		now:        time.Now,
	}
}

// Check records a lookup. Hits refresh last_accessed and report the
// stored token count as cache_read; misses insert and report the new
// token count as cache_creation.
func (s *Simulator) Check(key string, tokenCount int) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.evictExpiredLocked(now)

	if entry, ok := s.entries[key]; ok {
		entry.LastAccessed = now
		s.hits++
		return Result{Hit: true, CacheReadTokens: entry.TokenCount}
	}

	if len(s.entries) >= s.maxEntries {
		s.evictBatchLocked()
	}
	s.entries[key] = &Entry{
		Key:          key,
		TokenCount:   tokenCount,
		CreatedAt:    now,
		LastAccessed: now,
	}
	s.misses++
	return Result{CacheCreationTokens: tokenCount}
}

// Prewarm inserts entries without counting hits or misses.
func (s *Simulator) Prewarm(contents []string, tokenCounts []int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for i, content := range contents {
		key := KeyOf(content)
		if _, ok := s.entries[key]; ok {
			continue
		}
		if len(s.entries) >= s.maxEntries {
			s.evictBatchLocked()
		}
		tokens := 0
		if i < len(tokenCounts) {
			tokens = tokenCounts[i]
		}
		s.entries[key] = &Entry{
			Key:          key,
			TokenCount:   tokens,
			CreatedAt:    now,
			LastAccessed: now,
		}
	}
}

func (s *Simulator) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := s.hits + s.misses
	rate := 0.0
	if total > 0 {
		rate = float64(s.hits) / float64(total)
	}
	return Stats{
		Entries:       len(s.entries),
		Hits:          s.hits,
		Misses:        s.misses,
		Evictions:     s.evictions,
		TotalRequests: total,
		HitRate:       rate,
		MaxEntries:    s.maxEntries,
		TTLSeconds:    int(s.ttl.Seconds()),
	}
}

func (s *Simulator) evictExpiredLocked(now time.Time) {
	for key, entry := range s.entries {
		if now.Sub(entry.LastAccessed) > s.ttl {
			delete(s.entries, key)
			s.evictions++
		}
	}
}

// evictBatchLocked drops ceil(max*10%) entries ordered by
// (last_accessed ASC, token_count ASC).
func (s *Simulator) evictBatchLocked() {
	batch := int(math.Ceil(float64(s.maxEntries) * 0.10))
	if batch > len(s.entries) {
		batch = len(s.entries)
	}
	if batch == 0 {
		return
	}

	candidates := make([]*Entry, 0, len(s.entries))
	for _, entry := range s.entries {
		candidates = append(candidates, entry)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].LastAccessed.Equal(candidates[j].LastAccessed) {
			return candidates[i].LastAccessed.Before(candidates[j].LastAccessed)
		}
		return candidates[i].TokenCount < candidates[j].TokenCount
	})
	for _, entry := range candidates[:batch] {
		delete(s.entries, entry.Key)
		s.evictions++
	}
}

package cache

import (
	"context"
	"sync"
	"time"

	"github.com/lysyi3m/tube-comb/app/quota"
)

type IndexKind string

const (
	IndexNone IndexKind = ""
	IndexSet  IndexKind = "set"
	IndexZSet IndexKind = "zset"
)

// Entry is one compare-and-set against a cache hash. Watermark is a
// fixed-width decimal so stores can compare it as a string.
type Entry struct {
	Key       string
	Watermark string
	Fields    []Field

	IndexKind IndexKind
	IndexKey  string
	Member    string
	Score     float64

	// Owner, when set, moves Member out of the index named by the hash's
	// previous owner value.
	Owner *Owner
}

// Owner describes a hash field whose value selects a set index, as in
// userId selecting user:{userId}:channels.
type Owner struct {
	Field     string
	Value     string
	KeyPrefix string
	KeySuffix string
}

func (o *Owner) indexKey(value string) string {
	return o.KeyPrefix + value + o.KeySuffix
}

// QueuedTask is pushed to Queue unless SeenKey already exists. SeenKey
// expires after TTL.
type QueuedTask struct {
	Queue   string
	SeenKey string
	Payload string
	TTL     time.Duration
}

type Field struct {
	Name  string
	Value string
}

// Store applies an Entry only when its watermark is strictly greater than
// the one stored in the hash, together with the optional index update.
type Store interface {
	CompareAndSet(ctx context.Context, e Entry) (bool, error)
	PushOnce(ctx context.Context, t QueuedTask) (bool, error)
}

type QuotaStore interface {
	SaveQuota(ctx context.Context, states []quota.State) error
	LoadQuota(ctx context.Context, credentialIDs []string) ([]quota.State, error)
}

var (
	_ Store      = (*MemoryStore)(nil)
	_ QuotaStore = (*MemoryStore)(nil)
)

// MemoryStore is a process-local Store used when no Redis address is
// configured.
type MemoryStore struct {
	mu     sync.Mutex
	hashes map[string]map[string]string
	sets   map[string]map[string]float64
	lists  map[string][]string
	seen   map[string]bool
	quota  map[string]quota.State
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		hashes: make(map[string]map[string]string),
		sets:   make(map[string]map[string]float64),
		lists:  make(map[string][]string),
		seen:   make(map[string]bool),
		quota:  make(map[string]quota.State),
	}
}

func (m *MemoryStore) CompareAndSet(_ context.Context, e Entry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.hashes[e.Key]
	if ok && h[watermarkField] >= e.Watermark {
		return false, nil
	}
	if !ok {
		h = make(map[string]string)
		m.hashes[e.Key] = h
	}

	if o := e.Owner; o != nil {
		if prev, ok := h[o.Field]; ok && prev != o.Value {
			delete(m.sets[o.indexKey(prev)], e.Member)
		}
	}

	for _, f := range e.Fields {
		h[f.Name] = f.Value
	}
	h[watermarkField] = e.Watermark

	if e.IndexKind != IndexNone && e.IndexKey != "" {
		idx, ok := m.sets[e.IndexKey]
		if !ok {
			idx = make(map[string]float64)
			m.sets[e.IndexKey] = idx
		}
		idx[e.Member] = e.Score
	}

	return true, nil
}

// PushOnce prepends the payload like LPUSH. The seen marker never expires
// in memory.
func (m *MemoryStore) PushOnce(_ context.Context, t QueuedTask) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.seen[t.SeenKey] {
		return false, nil
	}
	m.seen[t.SeenKey] = true
	m.lists[t.Queue] = append([]string{t.Payload}, m.lists[t.Queue]...)

	return true, nil
}

// List returns a copy of a queue, head first.
func (m *MemoryStore) List(key string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]string(nil), m.lists[key]...)
}

// Hash returns a copy of the stored hash, or nil.
func (m *MemoryStore) Hash(key string) map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.hashes[key]
	if !ok {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Members returns the index members with their scores.
func (m *MemoryStore) Members(key string) map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]float64, len(m.sets[key]))
	for k, v := range m.sets[key] {
		out[k] = v
	}
	return out
}

func (m *MemoryStore) SaveQuota(_ context.Context, states []quota.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range states {
		m.quota[s.CredentialID] = s
	}
	return nil
}

func (m *MemoryStore) LoadQuota(_ context.Context, credentialIDs []string) ([]quota.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var states []quota.State
	for _, id := range credentialIDs {
		if s, ok := m.quota[id]; ok {
			states = append(states, s)
		}
	}
	return states, nil
}

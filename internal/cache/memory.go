package cache

import (
	"bytes"
	"io"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// entry is what the memory tier actually stores: metadata plus the full
// body, small enough to be worth keeping hot.
type entry struct {
	meta Meta
	body []byte
}

// MemoryStore is the bounded, in-process front tier of the two-tier
// cache. It is always consulted before the disk tier and is populated as
// a side effect of a disk admission finalizing, so a hot key stays served
// from memory after its first write.
//
// Eviction approximates least-recently-inserted rather than true LRU: the
// underlying hashicorp/golang-lru cache tracks recency on Get, but reads
// here go through Peek, which does not bump an entry's position. A key
// that is read often but inserted once still ages out in admission order,
// matching the policy's intent that memory residency reflects how
// recently something was written, not how often it was read.
type MemoryStore struct {
	mu sync.Mutex
	c  *lru.Cache[string, entry]
}

// NewMemoryStore returns a MemoryStore holding at most capacity entries.
func NewMemoryStore(capacity int) (*MemoryStore, error) {
	c, err := lru.New[string, entry](capacity)
	if err != nil {
		return nil, err
	}
	return &MemoryStore{c: c}, nil
}

// Lookup implements Store.
func (m *MemoryStore) Lookup(fp Fingerprint) (*GetResult, error) {
	m.mu.Lock()
	e, ok := m.c.Peek(fp.String())
	m.mu.Unlock()
	if !ok {
		return nil, ErrMiss
	}
	return &GetResult{
		Body: io.NopCloser(bytes.NewReader(e.body)),
		Meta: e.meta,
	}, nil
}

// Admit implements Store. The body is buffered in memory and published
// atomically on Finalize.
func (m *MemoryStore) Admit(fp Fingerprint, meta Meta) (MissHandle, error) {
	return &memMissHandle{store: m, fp: fp, meta: meta}, nil
}

// UpdateMetadata implements Store.
func (m *MemoryStore) UpdateMetadata(fp Fingerprint, meta Meta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.c.Peek(fp.String())
	if !ok {
		return ErrMiss
	}
	e.meta = meta
	m.c.Add(fp.String(), e)
	return nil
}

// Purge implements Store.
func (m *MemoryStore) Purge(fp Fingerprint) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.c.Remove(fp.String()), nil
}

// Put inserts a complete entry directly, bypassing the write-handle
// protocol. The disk-backed two-tier combinator uses this to promote a
// freshly-finalized disk entry into memory without re-reading it back off
// disk.
func (m *MemoryStore) Put(fp Fingerprint, meta Meta, body []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.c.Add(fp.String(), entry{meta: meta, body: body})
}

type memMissHandle struct {
	store *MemoryStore
	fp    Fingerprint
	meta  Meta
	buf   bytes.Buffer
	done  bool
}

func (h *memMissHandle) Write(p []byte) (int, error) {
	return h.buf.Write(p)
}

func (h *memMissHandle) Finalize() error {
	if h.done {
		return nil
	}
	h.done = true
	h.store.Put(h.fp, h.meta, h.buf.Bytes())
	return nil
}

func (h *memMissHandle) Abort() {
	h.done = true
}

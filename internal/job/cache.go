package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Cache mirrors live job state in memory.
//
// Entries are created lazily: the first touch after a restart loads the
// record from the Store, with concurrent first touches collapsed into one
// load. Each entry has its own lock so unrelated jobs never contend. The
// Cache only ever holds records the Store returned; it is never written
// ahead of the Store.
type Cache struct {
	store   Store
	entries sync.Map // job ID -> *cacheEntry
	loads   singleflight.Group
}

type cacheEntry struct {
	mu       sync.RWMutex
	rec      Record
	personas []Persona // decoded persona artifact, nil until first read
}

// NewCache creates a cache backed by store.
func NewCache(store Store) *Cache {
	return &Cache{store: store}
}

// Get returns a copy of the job's record, loading it from the Store if needed.
func (c *Cache) Get(ctx context.Context, id string) (*Record, error) {
	e, err := c.entry(ctx, id)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec := e.rec
	return &rec, nil
}

// Put mirrors a record the Store has just returned. Older versions than
// the one already held are ignored.
func (c *Cache) Put(rec *Record) {
	if rec == nil {
		return
	}
	v, loaded := c.entries.LoadOrStore(rec.ID, &cacheEntry{rec: *rec})
	if !loaded {
		return
	}
	e := v.(*cacheEntry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if rec.Version < e.rec.Version {
		return
	}
	if rec.PersonasPath != e.rec.PersonasPath {
		e.personas = nil
	}
	e.rec = *rec
}

// Personas returns the decoded persona set of a job, reading the artifact
// once and keeping it for later calls. A job without personas returns nil.
func (c *Cache) Personas(ctx context.Context, id string) ([]Persona, error) {
	e, err := c.entry(ctx, id)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	personas, rec := e.personas, e.rec
	e.mu.RUnlock()
	if personas != nil {
		return personas, nil
	}

	ptr, ok := rec.Pointer(ArtifactPersonas)
	if !ok {
		return nil, nil
	}
	data, err := c.store.ReadArtifact(ctx, ptr)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &personas); err != nil {
		return nil, fmt.Errorf("decode personas: %w", err)
	}

	e.mu.Lock()
	if e.rec.PersonasPath == ptr.Location {
		e.personas = personas
	}
	e.mu.Unlock()
	return personas, nil
}

// Forget drops a job from the cache. The next touch reloads it.
func (c *Cache) Forget(id string) {
	c.entries.Delete(id)
}

// Len returns the number of cached jobs.
func (c *Cache) Len() int {
	n := 0
	c.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (c *Cache) entry(ctx context.Context, id string) (*cacheEntry, error) {
	if v, ok := c.entries.Load(id); ok {
		return v.(*cacheEntry), nil
	}

	v, err, _ := c.loads.Do(id, func() (any, error) {
		if v, ok := c.entries.Load(id); ok {
			return v, nil
		}
		rec, err := c.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		v, _ := c.entries.LoadOrStore(id, &cacheEntry{rec: *rec})
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*cacheEntry), nil
}

package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// CachedScript is a script compiled in one worker generation.
type CachedScript struct {
	Name       string
	Digest     string
	Generation uint64
	ScriptID   int64
	Blob       []byte
	CompiledAt time.Time
}

type cacheKey struct {
	name       string
	digest     string
	generation uint64
}

func (k cacheKey) String() string {
	return fmt.Sprintf("%s@%s#%d", k.name, k.digest, k.generation)
}

type blobKey struct {
	name   string
	digest string
}

// ScriptCache maps (name, digest, generation) to a ScriptID so each script
// is compiled once per worker. Concurrent misses share one compile.
type ScriptCache struct {
	share    bool
	logger   *zap.Logger
	observer Observer

	mu      sync.RWMutex
	entries map[cacheKey]*CachedScript
	digests map[string]string
	// blobs outlive invalidation so a new generation can LoadCompiled them.
	blobs map[blobKey][]byte

	group singleflight.Group
}

// NewScriptCache creates a cache. With shareCompiled set, a blob compiled by
// an earlier generation is loaded into new workers instead of recompiling.
func NewScriptCache(shareCompiled bool, logger *zap.Logger, observer Observer) *ScriptCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &ScriptCache{
		share:    shareCompiled,
		logger:   logger,
		observer: observer,
		entries:  make(map[cacheKey]*CachedScript),
		digests:  make(map[string]string),
		blobs:    make(map[blobKey][]byte),
	}
}

// GetOrCompile returns the ScriptID of name at digest in w, compiling it on a miss.
func (c *ScriptCache) GetOrCompile(ctx context.Context, name, digest, source string, w *Worker) (int64, error) {
	key := cacheKey{name: name, digest: digest, generation: w.Generation()}

	if entry := c.lookup(key); entry != nil {
		c.observer.CacheLookup(true)
		return entry.ScriptID, nil
	}
	c.observer.CacheLookup(false)

	v, err, _ := c.group.Do(key.String(), func() (any, error) {
		if entry := c.lookup(key); entry != nil {
			return entry, nil
		}
		return c.compile(ctx, key, source, w)
	})
	if err != nil {
		return 0, err
	}
	return v.(*CachedScript).ScriptID, nil
}

func (c *ScriptCache) compile(ctx context.Context, key cacheKey, source string, w *Worker) (*CachedScript, error) {
	scriptID := w.NextScriptID()

	var blob []byte
	if c.share {
		c.mu.RLock()
		donor := c.blobs[blobKey{key.name, key.digest}]
		c.mu.RUnlock()

		if donor != nil {
			if err := w.LoadCompiled(ctx, 0, key.name, donor, scriptID); err == nil {
				blob = donor
			} else if IsTransient(err) {
				return nil, err
			} else {
				c.logger.Debug("Shared blob rejected, recompiling", zap.String("script", key.name), zap.Error(err))
			}
		}
	}

	if blob == nil {
		var err error
		blob, err = w.Compile(ctx, 0, key.name, source, scriptID)
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", key.name, err)
		}
	}

	entry := &CachedScript{
		Name:       key.name,
		Digest:     key.digest,
		Generation: key.generation,
		ScriptID:   scriptID,
		Blob:       blob,
		CompiledAt: time.Now(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.digests[key.name]; ok && prev != key.digest {
		c.evictLocked(key.name, prev)
	}
	c.digests[key.name] = key.digest
	c.blobs[blobKey{key.name, key.digest}] = blob

	// A worker that died mid-compile has already been invalidated.
	if w.Err() == nil {
		c.entries[key] = entry
	}
	return entry, nil
}

func (c *ScriptCache) lookup(key cacheKey) *CachedScript {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[key]
}

func (c *ScriptCache) evictLocked(name, digest string) {
	for key := range c.entries {
		if key.name == name && key.digest == digest {
			delete(c.entries, key)
		}
	}
	delete(c.blobs, blobKey{name, digest})
	c.logger.Debug("Evicted stale script", zap.String("script", name), zap.String("digest", digest))
}

// Invalidate drops every entry compiled in generation.
func (c *ScriptCache) Invalidate(generation uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for key := range c.entries {
		if key.generation == generation {
			delete(c.entries, key)
			n++
		}
	}
	if n > 0 {
		c.logger.Debug("Invalidated cached scripts", zap.Uint64("generation", generation), zap.Int("entries", n))
	}
}

// Lookup returns the entry for name at digest in generation, if cached.
func (c *ScriptCache) Lookup(name, digest string, generation uint64) (*CachedScript, bool) {
	entry := c.lookup(cacheKey{name: name, digest: digest, generation: generation})
	return entry, entry != nil
}

// Len returns the number of cached entries across generations.
func (c *ScriptCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

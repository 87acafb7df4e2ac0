package resource

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/swarmguard/modelrt/internal/rterr"
	"github.com/swarmguard/modelrt/internal/types"
)

// cacheMeta is the summary metadata sidecar written alongside a context
// body.
type cacheMeta struct {
	LastAccess   time.Time `json:"last_access"`
	LastUpdated  time.Time `json:"last_updated"`
	Size         int64     `json:"size"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// Cache is the disk-spill cache backing Manager. A test mode
// (constructed with NewMemCache) keeps entries in an in-process map
// instead of the filesystem.
type Cache struct {
	dir     string
	ttl     time.Duration
	memMode bool

	mu       sync.Mutex
	mem      map[string]cacheRecord
	fileLock sync.Map // id -> *int32 advisory lock flag
}

type cacheRecord struct {
	Context types.ModelContext
	Meta    cacheMeta
}

// NewDiskCache constructs a filesystem-backed cache rooted at dir.
func NewDiskCache(dir string, ttl time.Duration) *Cache {
	return &Cache{dir: dir, ttl: ttl}
}

// NewMemCache constructs the in-process test-mode cache.
func NewMemCache(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl, memMode: true, mem: make(map[string]cacheRecord)}
}

// acquireLock spins with small back-off until the per-context advisory
// lock for id is free, returning the release function.
func (c *Cache) acquireLock(id string) func() {
	v, _ := c.fileLock.LoadOrStore(id, new(int32))
	flag := v.(*int32)
	backoff := time.Millisecond
	for !atomic.CompareAndSwapInt32(flag, 0, 1) {
		time.Sleep(backoff)
		if backoff < 50*time.Millisecond {
			backoff *= 2
		}
	}
	return func() { atomic.StoreInt32(flag, 0) }
}

// Save persists ctx under id. Writes are atomic: a temp file is written
// and renamed into place, so a failure never corrupts a prior entry.
func (c *Cache) Save(id string, ctx types.ModelContext, now time.Time) error {
	release := c.acquireLock(id)
	defer release()

	meta := cacheMeta{
		LastAccess:   now,
		LastUpdated:  now,
		MessageCount: len(ctx.Messages),
		CreatedAt:    now,
	}

	if c.memMode {
		c.mu.Lock()
		if prev, ok := c.mem[id]; ok {
			meta.CreatedAt = prev.Meta.CreatedAt
		}
		c.mu.Unlock()

		body, err := json.Marshal(ctx)
		if err != nil {
			return rterr.ErrCacheError.WithModel(id)
		}
		meta.Size = int64(len(body))

		c.mu.Lock()
		c.mem[id] = cacheRecord{Context: ctx, Meta: meta}
		c.mu.Unlock()
		return nil
	}

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return rterr.Wrap(rterr.KindCacheError, "create cache dir", err).WithModel(id)
	}

	bodyPath := filepath.Join(c.dir, id+".json")
	metaPath := filepath.Join(c.dir, id+".meta.json")

	if _, err := os.Stat(bodyPath); err == nil {
		meta.CreatedAt = c.readCreatedAtLocked(metaPath)
	}

	body, err := json.Marshal(ctx)
	if err != nil {
		return rterr.ErrCacheError.WithModel(id)
	}
	meta.Size = int64(len(body))

	metaBody, err := json.Marshal(meta)
	if err != nil {
		return rterr.ErrCacheError.WithModel(id)
	}

	if err := atomicWrite(bodyPath, body); err != nil {
		return rterr.Wrap(rterr.KindCacheError, "write context body", err).WithModel(id)
	}
	if err := atomicWrite(metaPath, metaBody); err != nil {
		return rterr.Wrap(rterr.KindCacheError, "write context metadata", err).WithModel(id)
	}
	return nil
}

func (c *Cache) readCreatedAtLocked(metaPath string) time.Time {
	data, err := os.ReadFile(metaPath)
	if err != nil {
		return time.Time{}
	}
	var prev cacheMeta
	if err := json.Unmarshal(data, &prev); err != nil {
		return time.Time{}
	}
	return prev.CreatedAt
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Load returns the cached context for id, or ok=false if absent,
// unparseable, or expired past ttl. A corrupted entry is logged and
// evicted rather than surfaced as an error.
func (c *Cache) Load(id string, now time.Time) (types.ModelContext, bool) {
	release := c.acquireLock(id)
	defer release()

	if c.memMode {
		c.mu.Lock()
		rec, ok := c.mem[id]
		c.mu.Unlock()
		if !ok {
			return types.ModelContext{}, false
		}
		if c.expired(rec.Meta.CreatedAt, now) {
			c.mu.Lock()
			delete(c.mem, id)
			c.mu.Unlock()
			return types.ModelContext{}, false
		}
		return rec.Context, true
	}

	bodyPath := filepath.Join(c.dir, id+".json")
	metaPath := filepath.Join(c.dir, id+".meta.json")

	body, err := os.ReadFile(bodyPath)
	if err != nil {
		return types.ModelContext{}, false
	}
	var ctx types.ModelContext
	if err := json.Unmarshal(body, &ctx); err != nil {
		slog.Warn("cache entry unparseable, evicting", "id", id, "error", err)
		c.evictLocked(bodyPath, metaPath)
		return types.ModelContext{}, false
	}

	var meta cacheMeta
	if data, err := os.ReadFile(metaPath); err == nil {
		_ = json.Unmarshal(data, &meta)
	}
	if c.expired(meta.CreatedAt, now) {
		c.evictLocked(bodyPath, metaPath)
		return types.ModelContext{}, false
	}

	return ctx, true
}

func (c *Cache) expired(createdAt time.Time, now time.Time) bool {
	if createdAt.IsZero() || c.ttl <= 0 {
		return false
	}
	return now.Sub(createdAt) > c.ttl
}

func (c *Cache) evictLocked(bodyPath, metaPath string) {
	_ = os.Remove(bodyPath)
	_ = os.Remove(metaPath)
}

// Evict removes id from the cache unconditionally.
func (c *Cache) Evict(id string) {
	release := c.acquireLock(id)
	defer release()

	if c.memMode {
		c.mu.Lock()
		delete(c.mem, id)
		c.mu.Unlock()
		return
	}
	c.evictLocked(filepath.Join(c.dir, id+".json"), filepath.Join(c.dir, id+".meta.json"))
}

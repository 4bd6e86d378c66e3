// Package cache provides a loader result cache with PostgreSQL LISTEN/NOTIFY
// invalidation.
package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vmihailenco/msgpack/v5"

	"rowloader/internal/domain/loader"
	"rowloader/internal/domain/schema"
	"rowloader/pkg/logger"
)

// DefaultChannel is the NOTIFY channel Listen subscribes to. The payload is
// the name of the loader whose entries must be dropped; an empty payload
// drops everything.
const DefaultChannel = "rowloader_invalidate"

// Acquirer hands out dedicated connections; *pgxpool.Pool implements it.
type Acquirer interface {
	Acquire(ctx context.Context) (*pgxpool.Conn, error)
}

type entry struct {
	loader  string
	page    *loader.Page
	expires time.Time
}

// ResultCache keeps loader results for a TTL. Entries are keyed by a hash of
// the rendered statements and of every argument that shapes the output.
type ResultCache struct {
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	mu      sync.RWMutex
	entries map[uint64]entry

	hits   atomic.Int64
	misses atomic.Int64

	// Lifecycle
	lifecycleMu sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	started     bool
}

// NewResultCache creates a cache. maxEntries <= 0 means unbounded.
func NewResultCache(ttl time.Duration, maxEntries int) *ResultCache {
	return &ResultCache{
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
		entries:    make(map[uint64]entry),
	}
}

// Plugin returns the loader plugin serving and filling the cache.
func (c *ResultCache) Plugin() loader.Plugin {
	return loader.Plugin{
		Name: "result_cache",
		OnLoad: func(ctx context.Context, call *loader.Call) error {
			key, ok := callKey(call)
			if !ok {
				return nil
			}
			if page, ok := c.get(key); ok {
				c.hits.Add(1)
				logger.Debug(ctx, "result cache hit", "loader", call.Loader, "op", call.Op)
				call.SetResult(page)
				return nil
			}
			c.misses.Add(1)
			return nil
		},
		OnResult: func(ctx context.Context, call *loader.Call) error {
			key, ok := callKey(call)
			if !ok || call.Result() == nil {
				return nil
			}
			c.put(key, call.Loader, call.Result())
			return nil
		},
	}
}

func (c *ResultCache) get(key uint64) (*loader.Page, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !c.now().Before(e.expires) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false
	}
	return clonePage(e.page), true
}

func (c *ResultCache) put(key uint64, name string, page *loader.Page) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		c.evictLocked(now)
	}
	c.entries[key] = entry{loader: name, page: clonePage(page), expires: now.Add(c.ttl)}
}

// evictLocked drops expired entries, or the one closest to expiry when none
// has expired.
func (c *ResultCache) evictLocked(now time.Time) {
	var (
		oldest    uint64
		oldestAt  time.Time
		haveFirst bool
	)
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
			continue
		}
		if !haveFirst || e.expires.Before(oldestAt) {
			oldest, oldestAt, haveFirst = k, e.expires, true
		}
	}
	if len(c.entries) >= c.maxEntries && haveFirst {
		delete(c.entries, oldest)
	}
}

// Invalidate drops the entries of the named loader; an empty name drops all.
func (c *ResultCache) Invalidate(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if name == "" {
		n := len(c.entries)
		c.entries = make(map[uint64]entry)
		return n
	}
	n := 0
	for k, e := range c.entries {
		if e.loader == name {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Stats returns cache statistics.
type Stats struct {
	Entries int
	Hits    int64
	Misses  int64
}

// Stats returns current cache statistics.
func (c *ResultCache) Stats() Stats {
	c.mu.RLock()
	n := len(c.entries)
	c.mu.RUnlock()
	return Stats{Entries: n, Hits: c.hits.Load(), Misses: c.misses.Load()}
}

// Listen subscribes to channel and invalidates entries on NOTIFY until Stop.
func (c *ResultCache) Listen(ctx context.Context, db Acquirer, channel string) {
	if ctx == nil {
		ctx = context.Background()
	}
	if channel == "" {
		channel = DefaultChannel
	}

	c.lifecycleMu.Lock()
	if c.started {
		c.lifecycleMu.Unlock()
		return
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.started = true
	c.lifecycleMu.Unlock()

	c.wg.Add(1)
	go c.listenLoop(db, channel)
	logger.Info(c.ctx, "result cache listening", "channel", channel)
}

// Stop gracefully stops the listener.
func (c *ResultCache) Stop() {
	c.lifecycleMu.Lock()
	if !c.started {
		c.lifecycleMu.Unlock()
		return
	}
	cancel := c.cancel
	c.started = false
	c.cancel = nil
	c.lifecycleMu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	logger.Info(context.Background(), "result cache stopped")
}

func (c *ResultCache) listenLoop(db Acquirer, channel string) {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		conn, err := db.Acquire(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			logger.Error(c.ctx, "failed to acquire connection for LISTEN", "error", err)
			time.Sleep(time.Second)
			continue
		}

		if _, err = conn.Exec(c.ctx, "LISTEN "+quoteChannel(channel)); err != nil {
			logger.Error(c.ctx, "failed to LISTEN", "channel", channel, "error", err)
			conn.Release()
			time.Sleep(time.Second)
			continue
		}

		c.waitForNotifications(conn)
		conn.Release()
	}
}

func (c *ResultCache) waitForNotifications(conn *pgxpool.Conn) {
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		// Timeout keeps shutdown responsive.
		ctx, cancel := context.WithTimeout(c.ctx, 30*time.Second)
		notification, err := conn.Conn().WaitForNotification(ctx)
		cancel()

		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			if conn.Conn().IsClosed() {
				return
			}
			continue
		}
		c.handleNotification(notification.Payload)
	}
}

func (c *ResultCache) handleNotification(payload string) {
	name := strings.TrimSpace(payload)
	n := c.Invalidate(name)
	logger.Debug(context.Background(), "result cache invalidated", "loader", name, "entries", n)
}

func quoteChannel(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// ContextKeyer is implemented by request contexts that carry state a plain
// encoding cannot see. CacheKey must differ whenever the state could change
// a result.
type ContextKeyer interface {
	CacheKey() string
}

// contextMaterial returns what identifies reqCtx in a cache key. Only plain
// data and ContextKeyer values qualify; anything else bypasses the cache.
func contextMaterial(reqCtx any) (any, bool) {
	if k, ok := reqCtx.(ContextKeyer); ok {
		return map[string]string{"key": k.CacheKey()}, true
	}
	if !isPlain(reqCtx) {
		return nil, false
	}
	return reqCtx, true
}

func isPlain(v any) bool {
	switch x := v.(type) {
	case nil, bool, string, json.Number, []byte, time.Time,
		int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	case []string:
		return true
	case map[string]string:
		return true
	case []any:
		for _, e := range x {
			if !isPlain(e) {
				return false
			}
		}
		return true
	case map[string]any:
		for _, e := range x {
			if !isPlain(e) {
				return false
			}
		}
		return true
	}
	return false
}

// callKey hashes everything that determines the result of call. Calls whose
// arguments or context cannot be keyed are not cached.
func callKey(call *loader.Call) (uint64, bool) {
	reqCtx, ok := contextMaterial(call.Args.Context)
	if !ok {
		return 0, false
	}
	material := struct {
		Loader      string
		Op          loader.Op
		SQL         string
		Args        []any
		CountSQL    string
		CountArgs   []any
		Select      []string
		Groups      []string
		Context     any
		TakeCursors bool
	}{
		Loader:      call.Loader,
		Op:          call.Op,
		SQL:         call.Statement.SQL,
		Args:        call.Statement.Args,
		Select:      call.Args.Select,
		Groups:      call.Args.SelectGroups,
		Context:     reqCtx,
		TakeCursors: call.Args.TakeCursors,
	}
	if call.Count != nil {
		material.CountSQL = call.Count.SQL
		material.CountArgs = call.Count.Args
	}

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(material); err != nil {
		return 0, false
	}
	return xxhash.Sum64(buf.Bytes()), true
}

func clonePage(p *loader.Page) *loader.Page {
	out := *p
	out.Nodes = make([]schema.Row, len(p.Nodes))
	for i, n := range p.Nodes {
		out.Nodes[i] = n.Clone()
	}
	if p.Edges != nil {
		out.Edges = make([]loader.Edge, len(p.Edges))
		for i, e := range p.Edges {
			out.Edges[i] = loader.Edge{Node: e.Node.Clone(), Cursor: e.Cursor}
			if i < len(out.Nodes) {
				out.Edges[i].Node = out.Nodes[i]
			}
		}
	}
	if p.Cursors != nil {
		out.Cursors = append([]*string(nil), p.Cursors...)
	}
	if p.PageInfo.Count != nil {
		n := *p.PageInfo.Count
		out.PageInfo.Count = &n
	}
	return &out
}

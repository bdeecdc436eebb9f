package subscription

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"sync"
	"time"

	"x-fleet/internal/model"

	"github.com/maypok86/otter"
	"github.com/zeebo/xxh3"
	"go.uber.org/atomic"
)

const (
	CacheTTL      = 60 * time.Second
	cacheCapacity = 10_000
)

// CacheKey identifies one rendered document. Variant is the stable part
// (user, format, flags); Fingerprint hashes the mutable user fields.
type CacheKey struct {
	Variant     string
	Fingerprint uint64
}

func (k CacheKey) String() string {
	return k.Variant + "#" + strconv.FormatUint(k.Fingerprint, 16)
}

// NewCacheKey builds the key of u rendered as f.
func NewCacheKey(u *model.User, f Format, reverse, asBase64 bool) CacheKey {
	return CacheKey{
		Variant:     fmt.Sprintf("%d:%s:%t:%t", u.ID, f, reverse, asBase64),
		Fingerprint: fingerprint(u),
	}
}

// fingerprint covers every user field that changes the rendered output.
func fingerprint(u *model.User) uint64 {
	h := xxh3.New()
	var buf [8]byte
	putInt := func(v int64) {
		binary.LittleEndian.PutUint64(buf[:], uint64(v))
		h.Write(buf[:])
	}
	putOptional := func(v *int64) {
		if v == nil {
			h.Write([]byte{0})
			return
		}
		h.Write([]byte{1})
		putInt(*v)
	}

	h.WriteString(u.Username)
	h.WriteString(string(u.Status))
	putInt(u.UsedTraffic)
	putOptional(u.DataLimit)
	putOptional(u.Expire)
	putOptional(u.OnHoldExpireDuration)
	for _, p := range u.Proxies {
		s := p.Settings.Data()
		h.WriteString(string(p.Type))
		h.WriteString(s.ID + "|" + s.Password + "|" + s.Flow + "|" + s.Method)
		for _, tag := range p.ExcludedInbounds {
			h.WriteString(tag)
		}
	}
	return h.Sum64()
}

// Cache holds rendered subscriptions for CacheTTL. Only the newest
// fingerprint of each variant is kept.
type Cache struct {
	mu       sync.Mutex
	store    otter.Cache[string, string]
	variants map[string]string

	hits   atomic.Int64
	misses atomic.Int64
}

func NewCache() (*Cache, error) {
	store, err := otter.MustBuilder[string, string](cacheCapacity).
		WithTTL(CacheTTL).
		Build()
	if err != nil {
		return nil, fmt.Errorf("build subscription cache: %w", err)
	}
	return &Cache{store: store, variants: map[string]string{}}, nil
}

// Get returns the cached text of key, if present and fresh.
func (c *Cache) Get(key CacheKey) (string, bool) {
	c.mu.Lock()
	text, ok := c.store.Get(key.String())
	c.mu.Unlock()
	if ok {
		c.hits.Inc()
	} else {
		c.misses.Inc()
	}
	return text, ok
}

// Put stores text under key, evicting the previous fingerprint of the
// same variant.
func (c *Cache) Put(key CacheKey, text string) {
	full := key.String()
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.variants[key.Variant]; ok && old != full {
		c.store.Delete(old)
	}
	c.variants[key.Variant] = full
	c.store.Set(full, text)
}

// Purge drops every entry, used when settings change.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.Clear()
	clear(c.variants)
}

// Stats reports hits and misses since start.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Close releases the cache's background resources.
func (c *Cache) Close() {
	c.store.Close()
}

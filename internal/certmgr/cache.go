package certmgr

import (
	"crypto/tls"
	"sort"
	"sync"

	"github.com/ushineko/netcert/internal/certstore"
)

// cache holds the TLS certificates and metadata of every loaded network.
// It is derived from disk and rebuilt at startup; both maps change under one
// lock so a reader never sees a certificate paired with metadata from a
// different write.
type cache struct {
	mu    sync.RWMutex
	certs map[string]*tls.Certificate
	meta  map[string]*certstore.Metadata
}

func newCache() *cache {
	return &cache{
		certs: make(map[string]*tls.Certificate),
		meta:  make(map[string]*certstore.Metadata),
	}
}

func (c *cache) cert(id string) *tls.Certificate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.certs[id]
}

// metadata returns a copy of the cached metadata, or nil.
func (c *cache) metadata(id string) *certstore.Metadata {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.meta[id].Clone()
}

// put replaces both entries. A nil cert drops the certificate entry.
func (c *cache) put(id string, cert *tls.Certificate, m *certstore.Metadata) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cert != nil {
		c.certs[id] = cert
	} else {
		delete(c.certs, id)
	}
	if m != nil {
		c.meta[id] = m.Clone()
	}
}

func (c *cache) putCert(id string, cert *tls.Certificate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.certs[id] = cert
}

func (c *cache) putMeta(id string, m *certstore.Metadata) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.meta[id] = m.Clone()
}

func (c *cache) dropCert(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.certs, id)
}

func (c *cache) drop(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.certs, id)
	delete(c.meta, id)
}

func (c *cache) has(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.meta[id]
	return ok
}

// ids returns every network with cached metadata, sorted.
func (c *cache) ids() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.meta))
	for id := range c.meta {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// byLastUsed returns copies of all metadata, most recently used first.
func (c *cache) byLastUsed() []*certstore.Metadata {
	c.mu.RLock()
	out := make([]*certstore.Metadata, 0, len(c.meta))
	for _, m := range c.meta {
		out = append(out, m.Clone())
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastUsedAt.Equal(out[j].LastUsedAt) {
			return out[i].LastUsedAt.After(out[j].LastUsedAt)
		}
		return out[i].NetworkID < out[j].NetworkID
	})
	return out
}

func (c *cache) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.certs = make(map[string]*tls.Certificate)
	c.meta = make(map[string]*certstore.Metadata)
}

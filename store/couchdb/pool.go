package couchdb

import (
	"strings"

	"github.com/go-resty/resty/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

// clientPool reuses one *resty.Client per distinct peer base URL and
// header set (see poolKey),
// mirroring the "thread-local HTTP connection, reopened transparently
// on idle-close" model from spec.md §5/§9 with a goroutine-safe LRU
// instead of a thread-local. golang-lru's Cache is already
// internally locked, so clientPool only needs to own the construction
// decision (get-or-create), not a second layer of locking.
type clientPool struct {
	cache *lru.Cache[string, *resty.Client]
	newFn func(Remote) *resty.Client
}

// defaultPoolSize bounds how many distinct peers a single process
// keeps warm connections for; it is generous because each entry is
// just a client, not a live connection (resty/http.Transport manage
// the actual socket pool underneath).
const defaultPoolSize = 64

func newClientPool(newFn func(Remote) *resty.Client) *clientPool {
	cache, err := lru.New[string, *resty.Client](defaultPoolSize)
	if err != nil {
		// Only returns an error for a non-positive size, which
		// defaultPoolSize never is.
		panic(err)
	}
	return &clientPool{cache: cache, newFn: newFn}
}

// get returns the cached client for remote's peer, creating one if
// this is the first database handle opened against that peer.
func (p *clientPool) get(remote Remote) *resty.Client {
	key := poolKey(remote)
	if c, ok := p.cache.Get(key); ok {
		return c
	}
	c := p.newFn(remote)
	p.cache.Add(key, c)
	return c
}

// poolKey identifies a peer by its base URL and header set: two
// Remotes with the same URL but different credentials must not share
// a client.
func poolKey(remote Remote) string {
	var b strings.Builder
	b.WriteString(remote.URL)
	for _, k := range sortedKeys(remote.Headers) {
		b.WriteByte('\x00')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(remote.Headers[k])
	}
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Small maps (HTTP headers): insertion-sort-by-compare is plenty.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}

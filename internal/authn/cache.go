package authn

import (
	"container/list"
	"sync"
	"time"
)

// authCacheEntry is the cached result of a successful token verification.
type authCacheEntry struct {
	identity  Identity
	expiresAt time.Time
}

// cacheNode is the payload stored in the LRU's doubly-linked list.
type cacheNode struct {
	token string
	entry authCacheEntry
}

// authCache is a process-local, TTL-bounded, size-bounded cache from full
// bearer token to verified Identity. It exists so that repeated requests
// using the same API key skip both the database lookup and the argon2
// verification (§4.3: "Cached hits skip both DB and argon2").
//
// There is no LRU/TTL cache library anywhere in the reference corpus, so
// this is a small hand-rolled container/list-backed cache rather than an
// imported dependency.
type authCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	maxSize  int
	items    map[string]*list.Element
	order    *list.List // front = most recently used
}

func newAuthCache(ttl time.Duration, maxSize int) *authCache {
	return &authCache{
		ttl:     ttl,
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		order:   list.New(),
	}
}

func (c *authCache) get(token string) (Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[token]
	if !ok {
		return Identity{}, false
	}
	node := el.Value.(*cacheNode)
	if time.Now().After(node.entry.expiresAt) {
		c.order.Remove(el)
		delete(c.items, token)
		return Identity{}, false
	}
	c.order.MoveToFront(el)
	return node.entry.identity, true
}

func (c *authCache) put(token string, id Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[token]; ok {
		el.Value.(*cacheNode).entry = authCacheEntry{identity: id, expiresAt: time.Now().Add(c.ttl)}
		c.order.MoveToFront(el)
		return
	}

	node := &cacheNode{token: token, entry: authCacheEntry{identity: id, expiresAt: time.Now().Add(c.ttl)}}
	el := c.order.PushFront(node)
	c.items[token] = el

	for len(c.items) > c.maxSize {
		back := c.order.Back()
		if back == nil {
			break
		}
		c.order.Remove(back)
		delete(c.items, back.Value.(*cacheNode).token)
	}
}

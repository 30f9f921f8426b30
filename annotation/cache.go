package annotation

import (
	"container/list"
	"context"
	"sync"

	"github.com/lewtec/dentamark/internal/domain"
	"github.com/lewtec/dentamark/internal/store"
)

// openSession is a session whose store is loaded in memory.
type openSession struct {
	meta        *domain.Session
	store       *store.Store
	unsubscribe func()

	// handlers holding the session; guarded by the cache mutex
	refs int

	// serialises history writes so the last save always wins
	persistMu sync.Mutex
	saveErr   error
}

func (s *openSession) close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

// saveError is the result of the latest history write.
func (s *openSession) saveError() error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	return s.saveErr
}

// SessionCache keeps the most recently used session stores in memory.
// Evicted sessions are reloaded from the repository on demand. Sessions
// returned by Get and Add are pinned until Release; pinned sessions are
// never evicted, so the cache may run over capacity while they are in use.
type SessionCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	items    map[string]*list.Element
}

func NewSessionCache(capacity int) *SessionCache {
	if capacity <= 0 {
		capacity = DefaultOpenSessions
	}
	return &SessionCache{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element),
	}
}

func (c *SessionCache) Get(id string) (*openSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[id]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	s := el.Value.(*openSession)
	s.refs++
	return s, true
}

// Add stores and pins s unless another goroutine opened the same session
// first, in which case that one is pinned and returned and s is closed.
func (c *SessionCache) Add(s *openSession) *openSession {
	c.mu.Lock()
	if el, ok := c.items[s.meta.ID]; ok {
		c.order.MoveToFront(el)
		existing := el.Value.(*openSession)
		existing.refs++
		c.mu.Unlock()
		s.close()
		return existing
	}
	s.refs++
	c.items[s.meta.ID] = c.order.PushFront(s)
	evicted := c.evictLocked()
	c.mu.Unlock()

	closeAll(evicted)
	return s
}

// Release unpins a session obtained from Get or Add.
func (c *SessionCache) Release(s *openSession) {
	c.mu.Lock()
	if s.refs > 0 {
		s.refs--
	}
	evicted := c.evictLocked()
	c.mu.Unlock()

	closeAll(evicted)
}

// evictLocked drops unpinned sessions, least recently used first, until
// the cache fits its capacity.
func (c *SessionCache) evictLocked() []*openSession {
	var evicted []*openSession
	for el := c.order.Back(); el != nil && c.order.Len() > c.capacity; {
		prev := el.Prev()
		if old := el.Value.(*openSession); old.refs == 0 {
			c.order.Remove(el)
			delete(c.items, old.meta.ID)
			evicted = append(evicted, old)
		}
		el = prev
	}
	return evicted
}

func closeAll(sessions []*openSession) {
	for _, s := range sessions {
		s.close()
	}
}

func (c *SessionCache) Remove(id string) {
	c.mu.Lock()
	el, ok := c.items[id]
	if ok {
		c.order.Remove(el)
		delete(c.items, id)
	}
	c.mu.Unlock()
	if ok {
		el.Value.(*openSession).close()
	}
}

func (c *SessionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

type contextKey string

const sessionContextKey contextKey = "session"

func withSession(ctx context.Context, s *openSession) context.Context {
	return context.WithValue(ctx, sessionContextKey, s)
}

func sessionFromContext(ctx context.Context) *openSession {
	if s, ok := ctx.Value(sessionContextKey).(*openSession); ok {
		return s
	}
	return nil
}

package negotiator

import (
	"sort"
	"sync"
)

// Registry 按对端标识管理Connection
type Registry struct {
	mu      sync.Mutex
	conns   map[string]*Connection
	factory func(peerID string) *Connection
	closed  bool
}

// NewRegistry 创建注册表，factory在Acquire遇到新对端时调用
func NewRegistry(factory func(peerID string) *Connection) *Registry {
	return &Registry{
		conns:   make(map[string]*Connection),
		factory: factory,
	}
}

// Acquire 返回对端的Connection，不存在时创建；注册表关闭后返回nil
func (r *Registry) Acquire(peerID string) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	if c, ok := r.conns[peerID]; ok {
		return c
	}
	c := r.factory(peerID)
	r.conns[peerID] = c
	return c
}

// Lookup 返回对端的Connection，不存在时返回nil
func (r *Registry) Lookup(peerID string) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[peerID]
}

// Destroy 移除并关闭对端的Connection
func (r *Registry) Destroy(peerID string, cause error) bool {
	r.mu.Lock()
	c, ok := r.conns[peerID]
	delete(r.conns, peerID)
	r.mu.Unlock()
	if !ok {
		return false
	}
	c.shutdown(cause)
	return true
}

// Len 返回Connection数量
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Peers 返回所有对端标识，按字典序
func (r *Registry) Peers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	peers := make([]string, 0, len(r.conns))
	for id := range r.conns {
		peers = append(peers, id)
	}
	sort.Strings(peers)
	return peers
}

// Close 关闭所有Connection，之后Acquire返回nil
func (r *Registry) Close(cause error) {
	r.mu.Lock()
	r.closed = true
	conns := r.conns
	r.conns = make(map[string]*Connection)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			c.shutdown(cause)
		}(c)
	}
	wg.Wait()
}

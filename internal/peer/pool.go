package peer

import (
	"sync"
)

// Pool queues tracker-supplied candidates for dialing. An address is queued
// at most once until it is forgotten.
type Pool struct {
	mu   sync.Mutex
	q    []Peer
	seen map[string]struct{}
}

func NewPool(cap int) *Pool {
	return &Pool{q: make([]Peer, 0, cap), seen: make(map[string]struct{})}
}

func (p *Pool) PushMany(list []Peer) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	added := 0
	for _, pr := range list {
		key := pr.Addr
		if _, ok := p.seen[key]; ok {
			continue
		}
		p.seen[key] = struct{}{}
		p.q = append(p.q, pr)
		added++
	}

	return added
}

func (p *Pool) Pop() (Peer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.q) == 0 {
		return Peer{}, false
	}
	pr := p.q[0]
	p.q = p.q[1:]
	return pr, true
}

// Forget lets addr be queued again by a later announce.
func (p *Pool) Forget(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.seen, addr)
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.q)
}

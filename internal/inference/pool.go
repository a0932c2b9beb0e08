package inference

import "sync"

// Pool caches idle sessions keyed by fingerprint, capped with LRU eviction.
// Checkout transfers exclusive ownership to the caller; Return hands it
// back keyed by whatever the session's fingerprint has become.
type Pool struct {
	mu       sync.Mutex
	cap      int
	sessions map[SessionID]*Session
	order    []SessionID // oldest first
}

func NewPool(cap int) *Pool {
	if cap < 1 {
		cap = 1
	}
	return &Pool{
		cap:      cap,
		sessions: make(map[SessionID]*Session),
	}
}

// Checkout removes and returns the session with the given id, if pooled.
func (p *Pool) Checkout(id SessionID) (*Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sess, ok := p.sessions[id]
	if !ok {
		return nil, false
	}
	delete(p.sessions, id)
	p.removeFromOrder(id)
	return sess, true
}

// Return re-inserts a session under its current fingerprint. Sessions whose
// context diverged from their fingerprint are dropped, as is the oldest
// pooled session when the cap is exceeded.
func (p *Pool) Return(sess *Session) {
	if sess == nil {
		return
	}
	if !sess.Reusable() {
		// Abandoned mid-generation. Cancel the open stream so its
		// backend request does not outlive the session.
		sess.closeStream()
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	id := sess.ID()
	if _, exists := p.sessions[id]; exists {
		p.removeFromOrder(id)
	}
	p.sessions[id] = sess
	p.order = append(p.order, id)

	for len(p.sessions) > p.cap {
		oldest := p.order[0]
		p.order = p.order[1:]
		delete(p.sessions, oldest)
	}
}

// Len reports the number of pooled sessions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

func (p *Pool) removeFromOrder(id SessionID) {
	for i, o := range p.order {
		if o == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			return
		}
	}
}

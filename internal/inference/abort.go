package inference

import "sync"

// Flag is a shared cancellation flag checked before every token emission.
type Flag struct {
	mu  sync.RWMutex
	set bool
}

func (f *Flag) Set() {
	f.mu.Lock()
	f.set = true
	f.mu.Unlock()
}

func (f *Flag) IsSet() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.set
}

// Handle represents one in-flight completion request.
type Handle struct {
	Abort *Flag
}

func NewHandle() *Handle {
	return &Handle{Abort: &Flag{}}
}

// Registry tracks in-flight completion handles. Global stop only: StopAll
// flips every registered abort flag; there is no per-request cancellation
// at this layer.
type Registry struct {
	mu         sync.Mutex
	stack      []*Handle
	generating bool
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register pushes a handle onto the stack.
func (r *Registry) Register(h *Handle) {
	r.mu.Lock()
	r.stack = append(r.stack, h)
	r.mu.Unlock()
}

// Deregister removes a handle after its request completes normally.
func (r *Registry) Deregister(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, reg := range r.stack {
		if reg == h {
			r.stack = append(r.stack[:i], r.stack[i+1:]...)
			return
		}
	}
}

// StopAll pops every registered handle, flips its abort flag, and clears
// the generating indicator. Returns the number of requests stopped.
func (r *Registry) StopAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.stack)
	for len(r.stack) > 0 {
		h := r.stack[len(r.stack)-1]
		r.stack = r.stack[:len(r.stack)-1]
		h.Abort.Set()
	}
	r.generating = false
	return n
}

// SetGenerating marks whether a generation loop is currently producing
// tokens, surfaced to status queries.
func (r *Registry) SetGenerating(v bool) {
	r.mu.Lock()
	r.generating = v
	r.mu.Unlock()
}

func (r *Registry) IsGenerating() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generating
}

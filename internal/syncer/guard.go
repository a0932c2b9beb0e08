package syncer

import "sync"

// Guard tracks which capabilities have a sync pass in flight. One lock
// covers the whole flag set; each call is a short point mutation.
//
// Note the service performs "is syncing?" and "set syncing" as two separate
// acquisitions, mirroring the original flow. Two concurrent StartSync calls
// can both pass the check inside that window; see DESIGN.md before changing
// this to a single compare-and-set.
type Guard struct {
	mu    sync.Mutex
	flags map[Capability]bool
}

func NewGuard() *Guard {
	return &Guard{flags: make(map[Capability]bool)}
}

// IsSyncing reports whether a sync pass is active for the capability.
// Absent entries read as false.
func (g *Guard) IsSyncing(c Capability) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.flags[c]
}

// SetSyncing sets the flag for the capability.
func (g *Guard) SetSyncing(c Capability, v bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.flags[c] = v
}

// Reset clears every flag. Called on sign-out.
func (g *Guard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.flags = make(map[Capability]bool)
}

package inference

import "testing"

func advancedSession(text string) *Session {
	s := NewSession()
	s.Fingerprint(text)
	return s
}

func TestPoolCheckoutRemoves(t *testing.T) {
	p := NewPool(4)
	s := advancedSession("hello")
	p.Return(s)

	got, ok := p.Checkout(s.ID())
	if !ok || got != s {
		t.Fatalf("Checkout = %v, %v", got, ok)
	}
	if _, ok := p.Checkout(s.ID()); ok {
		t.Fatal("second checkout found the session still pooled")
	}
}

func TestPoolMissingID(t *testing.T) {
	p := NewPool(4)
	if _, ok := p.Checkout(FingerprintOf("nothing")); ok {
		t.Fatal("checkout of unknown id succeeded")
	}
}

func TestPoolLRUEviction(t *testing.T) {
	p := NewPool(2)
	a := advancedSession("a")
	b := advancedSession("b")
	c := advancedSession("c")
	p.Return(a)
	p.Return(b)
	p.Return(c)

	if p.Len() != 2 {
		t.Fatalf("pool len = %d, want cap 2", p.Len())
	}
	if _, ok := p.Checkout(a.ID()); ok {
		t.Fatal("oldest session survived past the cap")
	}
	if _, ok := p.Checkout(c.ID()); !ok {
		t.Fatal("newest session was evicted")
	}
}

func TestPoolDropsNonReusable(t *testing.T) {
	p := NewPool(4)
	s := advancedSession("x")
	s.stream = &tokenStream{} // generation torn down early
	p.Return(s)

	if p.Len() != 0 {
		t.Fatal("non-reusable session was pooled")
	}
}

func TestPoolCancelsAbandonedStream(t *testing.T) {
	p := NewPool(4)
	s := advancedSession("x")
	cancelled := false
	s.stream = &tokenStream{cancel: func() { cancelled = true }}

	p.Return(s)

	if !cancelled {
		t.Fatal("abandoned stream kept its backend request alive")
	}
	if s.stream != nil {
		t.Fatal("stream reference survived the drop")
	}
}

func TestPoolReturnNil(t *testing.T) {
	p := NewPool(4)
	p.Return(nil)
	if p.Len() != 0 {
		t.Fatal("nil return changed the pool")
	}
}

func TestFingerprintMatchesSession(t *testing.T) {
	s := NewSession()
	s.Fingerprint("part one")
	s.Fingerprint(" part two")

	if s.ID() != FingerprintOf("part one part two") {
		t.Fatal("incremental fingerprint diverged from one-shot fingerprint")
	}
}

package host

import (
	"testing"
)

// =============================================================================
// Request Pool Tests
// =============================================================================

func TestRequestPool_ReuseOldestFirst(t *testing.T) {
	p := newRequestPool(3)
	a, b, c := p.acquire(), p.acquire(), p.acquire()
	if a.overflow || b.overflow || c.overflow {
		t.Fatal("preallocated requests marked overflow")
	}

	p.release(b)
	p.release(a)
	if got := p.acquire(); got != b {
		t.Errorf("acquire() reused slot %d, want oldest free slot %d", got.handle.slot, b.handle.slot)
	}
	if got := p.acquire(); got != a {
		t.Errorf("acquire() reused slot %d, want %d", got.handle.slot, a.handle.slot)
	}
}

func TestRequestPool_StaleHandle(t *testing.T) {
	p := newRequestPool(1)
	r := p.acquire()
	h := r.handle
	if !h.Valid() {
		t.Fatal("fresh handle not valid")
	}
	if got, ok := p.lookup(h); !ok || got != r {
		t.Fatal("lookup() of live handle failed")
	}

	p.release(r)
	if _, ok := p.lookup(h); ok {
		t.Error("lookup() found a released request")
	}
	again := p.acquire()
	if again.handle == h {
		t.Errorf("reused slot kept handle %v", h)
	}
	if _, ok := p.lookup(h); ok {
		t.Error("stale handle resolved to the reused slot")
	}
	if _, ok := p.lookup(Handle{}); ok {
		t.Error("zero handle resolved")
	}
}

func TestRequestPool_Overflow(t *testing.T) {
	p := newRequestPool(2)
	a, b := p.acquire(), p.acquire()
	extra := p.acquire()
	if !extra.overflow {
		t.Fatal("request beyond capacity not marked overflow")
	}
	if s := p.stats(); s.InUse != 3 || s.Overflow != 1 || s.OverflowTotal != 1 || s.Capacity != 2 {
		t.Errorf("stats = %+v", s)
	}

	h := extra.handle
	p.release(extra)
	if s := p.stats(); s.Overflow != 0 || s.OverflowTotal != 1 {
		t.Errorf("stats after overflow release = %+v", s)
	}
	if _, ok := p.lookup(h); ok {
		t.Error("released overflow request still resolves")
	}

	p.release(a)
	if got := p.acquire(); got != a || got.overflow {
		t.Error("fixed slot not preferred over overflow hole")
	}
	next := p.acquire()
	if !next.overflow || next.handle.slot != h.slot || next.handle == h {
		t.Errorf("overflow hole not reused with a new generation: %v (was %v)", next.handle, h)
	}
	if s := p.stats(); s.OverflowTotal != 2 {
		t.Errorf("OverflowTotal = %d, want 2", s.OverflowTotal)
	}
	_ = b
}

func TestRequestState_Parse(t *testing.T) {
	for s := StateIdle; s <= StateCancelled; s++ {
		got, ok := ParseRequestState(s.String())
		if !ok || got != s {
			t.Errorf("ParseRequestState(%q) = %v, %v", s.String(), got, ok)
		}
	}
	if _, ok := ParseRequestState("bogus"); ok {
		t.Error("ParseRequestState accepted an unknown name")
	}
	if StateWaitingResource.String() != "waiting" || StateDMAActive.String() != "dma" {
		t.Error("unexpected state names")
	}
}

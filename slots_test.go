package cryptvol

import "testing"

func TestSlotAllocator(t *testing.T) {
	a := newSlotAllocator()

	s0, s1, s2 := a.alloc(), a.alloc(), a.alloc()
	if s0 != 0 || s1 != 1 || s2 != 2 {
		t.Fatalf("alloc() = %d, %d, %d; want 0, 1, 2", s0, s1, s2)
	}

	a.release(s1)
	if got := a.alloc(); got != s1 {
		t.Errorf("alloc() after release = %d, want reused slot %d", got, s1)
	}
	if a.inUse != 3 {
		t.Errorf("inUse = %d, want 3", a.inUse)
	}
}

func TestSlotAllocatorPinning(t *testing.T) {
	a := newSlotAllocator()
	s := a.alloc()

	a.pin(s)
	a.pin(s)
	a.release(s)

	// A pinned slot must not be handed out again.
	if got := a.alloc(); got == s {
		t.Fatalf("alloc() returned pinned slot %d", s)
	}

	a.unpin(s)
	if len(a.free) != 0 {
		t.Errorf("slot freed while still pinned")
	}
	a.unpin(s)
	if len(a.free) != 1 || a.free[0] != s {
		t.Errorf("free = %v, want [%d] after last unpin", a.free, s)
	}
	if a.inUse != 1 {
		t.Errorf("inUse = %d, want 1", a.inUse)
	}
}

func TestSlotAllocatorRebuild(t *testing.T) {
	a := newSlotAllocator()
	a.rebuild(map[uint64]bool{0: true, 3: true, 4: true})

	if a.next != 5 {
		t.Errorf("next = %d, want 5", a.next)
	}
	if a.inUse != 3 {
		t.Errorf("inUse = %d, want 3", a.inUse)
	}

	got := map[uint64]bool{a.alloc(): true, a.alloc(): true}
	if !got[1] || !got[2] {
		t.Errorf("alloc() after rebuild = %v, want holes 1 and 2", got)
	}
	if s := a.alloc(); s != 5 {
		t.Errorf("alloc() past holes = %d, want 5", s)
	}
}

package cryptvol

// slotAllocator hands out payload slots. A slot is never reused while a
// committed table entry or an in-flight reader or snapshot still points at
// it. All methods are called with the volume mutex held.
type slotAllocator struct {
	next  uint64          // first slot never handed out
	free  []uint64        // released slots, reused LIFO
	pins  map[uint64]int  // active readers per slot
	dead  map[uint64]bool // released while pinned
	inUse uint64          // slots referenced by committed entries or in flight
}

func newSlotAllocator() *slotAllocator {
	return &slotAllocator{
		pins: make(map[uint64]int),
		dead: make(map[uint64]bool),
	}
}

// rebuild reconstructs the free list from the slots referenced by the table
func (a *slotAllocator) rebuild(used map[uint64]bool) {
	a.next = 0
	for s := range used {
		if s+1 > a.next {
			a.next = s + 1
		}
	}
	a.free = a.free[:0]
	for s := a.next; s > 0; s-- {
		if !used[s-1] {
			a.free = append(a.free, s-1)
		}
	}
	a.inUse = uint64(len(used))
}

// alloc returns a slot that nothing references
func (a *slotAllocator) alloc() uint64 {
	a.inUse++
	if n := len(a.free); n > 0 {
		s := a.free[n-1]
		a.free = a.free[:n-1]
		return s
	}
	s := a.next
	a.next++
	return s
}

// release returns a slot once no committed entry points at it. Pinned
// slots are parked until the last unpin.
func (a *slotAllocator) release(slot uint64) {
	if a.pins[slot] > 0 {
		a.dead[slot] = true
		return
	}
	a.inUse--
	a.free = append(a.free, slot)
}

// pin keeps slot contents stable until unpin
func (a *slotAllocator) pin(slot uint64) {
	a.pins[slot]++
}

func (a *slotAllocator) unpin(slot uint64) {
	a.pins[slot]--
	if a.pins[slot] > 0 {
		return
	}
	delete(a.pins, slot)
	if a.dead[slot] {
		delete(a.dead, slot)
		a.inUse--
		a.free = append(a.free, slot)
	}
}

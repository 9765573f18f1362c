package host

// fifoRegion is a contiguous range of hardware FIFO memory.
type fifoRegion struct {
	offset int
	size   int
}

// fifoAllocator hands out unit-granular regions of the FIFO memory. The
// table holds one ownership tag per unit: zero when free, otherwise the
// base unit index of the owning region plus one.
type fifoAllocator struct {
	owner []uint16
}

func newFIFOAllocator(size int) *fifoAllocator {
	return &fifoAllocator{owner: make([]uint16, size/FIFOUnit)}
}

func unitsFor(size int) int {
	if size <= 0 {
		return 1
	}
	return (size + FIFOUnit - 1) / FIFOUnit
}

// allocate reserves the first run of free units covering size bytes and
// returns its byte offset.
func (a *fifoAllocator) allocate(size int) (fifoRegion, bool) {
	need := unitsFor(size)
	run := 0
	for i := range a.owner {
		if a.owner[i] != 0 {
			run = 0
			continue
		}
		run++
		if run == need {
			base := i - need + 1
			for j := base; j <= i; j++ {
				a.owner[j] = uint16(base + 1)
			}
			return fifoRegion{offset: base * FIFOUnit, size: need * FIFOUnit}, true
		}
	}
	return fifoRegion{}, false
}

// release frees the region previously returned for offset.
func (a *fifoAllocator) release(offset int) {
	base := offset / FIFOUnit
	if offset%FIFOUnit != 0 || base >= len(a.owner) {
		return
	}
	tag := uint16(base + 1)
	for j := base; j < len(a.owner) && a.owner[j] == tag; j++ {
		a.owner[j] = 0
	}
}

// free returns the number of unowned bytes.
func (a *fifoAllocator) free() int {
	n := 0
	for _, t := range a.owner {
		if t == 0 {
			n += FIFOUnit
		}
	}
	return n
}

// capacity returns the total FIFO size in bytes.
func (a *fifoAllocator) capacity() int {
	return len(a.owner) * FIFOUnit
}

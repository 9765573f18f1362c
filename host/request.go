package host

import (
	"fmt"
	"time"

	"github.com/gammazero/deque"

	"github.com/ardnew/softotg/host/hal"
	"github.com/ardnew/softotg/pkg"
)

// RequestState is the lifecycle state of a transfer request.
type RequestState uint8

// Request states.
const (
	StateIdle RequestState = iota
	StateSubmitted
	StateWaitingResource
	StatePIOActive
	StateDMAActive
	StateFinished
	StateCancelled
)

// String returns the state name.
func (s RequestState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubmitted:
		return "submitted"
	case StateWaitingResource:
		return "waiting"
	case StatePIOActive:
		return "pio"
	case StateDMAActive:
		return "dma"
	case StateFinished:
		return "finished"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// ParseRequestState parses a state name as returned by String.
func ParseRequestState(name string) (RequestState, bool) {
	for s := StateIdle; s <= StateCancelled; s++ {
		if s.String() == name {
			return s, true
		}
	}
	return StateIdle, false
}

// active reports whether the state holds the endpoint's hardware.
func (s RequestState) active() bool {
	return s == StatePIOActive || s == StateDMAActive
}

// listID names the single list owning a live request.
type listID uint8

const (
	listNone listID = iota
	listSubmit
	listEndpoint
	listCancel
	listFinished
)

// Handle identifies a submitted request. Handles of completed requests are
// never valid again, even after their pool slot is reused.
type Handle struct {
	slot uint32
	gen  uint32
}

// Valid reports whether the handle was returned by Submit.
func (h Handle) Valid() bool {
	return h.gen != 0
}

// String returns a compact representation for logs.
func (h Handle) String() string {
	return fmt.Sprintf("req#%d.%d", h.slot, h.gen)
}

// Completion is delivered to the callback of a finished request.
type Completion struct {
	Handle   Handle
	Device   hal.DeviceAddress
	Endpoint uint8
	Actual   int
	Status   pkg.TransferStatus
	Err      error
}

// CompletionFunc receives the outcome of a request. It runs without the
// controller lock held and may submit new requests.
type CompletionFunc func(Completion)

// Transfer describes one operation against a device endpoint. For control
// transfers Setup is required and Buffer holds the data stage.
type Transfer struct {
	Device   hal.DeviceAddress
	Endpoint hal.EndpointDescriptor
	Setup    *hal.SetupPacket
	Buffer   []byte
	Callback CompletionFunc
}

// Control transfer phases.
const (
	phaseSetup uint8 = iota
	phaseDataIn
	phaseDataOut
	phaseStatus
)

type request struct {
	handle   Handle
	overflow bool

	ep    *Endpoint
	dev   hal.DeviceAddress
	setup hal.SetupPacket
	buf   []byte

	actual int
	status pkg.TransferStatus
	err    error
	state  RequestState
	list   listID

	channel  int
	dmaCount int
	deadline time.Time
	retries  int

	phase  uint8
	pioLen int
	primed bool
	frames int

	callback CompletionFunc
}

func (r *request) reset() {
	h, overflow := r.handle, r.overflow
	*r = request{handle: h, overflow: overflow, channel: -1}
}

func (r *request) remaining() int {
	return len(r.buf) - r.actual
}

// PoolStats reports request pool usage.
type PoolStats struct {
	Capacity      int
	InUse         int
	Overflow      int
	OverflowTotal int
}

// requestPool is a slab of reusable requests with a FIFO free list, so the
// slot released longest ago is reused first. When the slab is exhausted it
// grows with heap-allocated overflow slots, tracked and addressed the same
// way and recycled through their own free list.
type requestPool struct {
	slots    []*request
	gens     []uint32
	free     *deque.Deque[uint32]
	holes    *deque.Deque[uint32]
	capacity int
	inUse    int
	overflow int
	total    int
}

func newRequestPool(capacity int) *requestPool {
	p := &requestPool{
		slots:    make([]*request, capacity),
		gens:     make([]uint32, capacity),
		free:     deque.New[uint32](capacity),
		holes:    deque.New[uint32](),
		capacity: capacity,
	}
	for i := 0; i < capacity; i++ {
		p.slots[i] = &request{handle: Handle{slot: uint32(i)}, channel: -1}
		p.free.PushBack(uint32(i))
	}
	return p
}

func (p *requestPool) acquire() *request {
	var idx uint32
	switch {
	case p.free.Len() > 0:
		idx = p.free.PopFront()
	case p.holes.Len() > 0:
		idx = p.holes.PopFront()
		p.slots[idx] = &request{handle: Handle{slot: idx}, overflow: true, channel: -1}
		p.overflow++
		p.total++
	default:
		idx = uint32(len(p.slots))
		p.slots = append(p.slots, &request{handle: Handle{slot: idx}, overflow: true, channel: -1})
		p.gens = append(p.gens, 0)
		p.overflow++
		p.total++
		pkg.LogDebug(pkg.ComponentScheduler, "request pool overflow", "slot", idx)
	}
	p.gens[idx]++
	if p.gens[idx] == 0 {
		p.gens[idx] = 1
	}
	r := p.slots[idx]
	r.reset()
	r.handle.gen = p.gens[idx]
	p.inUse++
	return r
}

func (p *requestPool) release(r *request) {
	idx := r.handle.slot
	if int(idx) >= len(p.slots) || p.slots[idx] != r {
		return
	}
	p.inUse--
	if r.overflow {
		p.slots[idx] = nil
		p.overflow--
		p.holes.PushBack(idx)
	} else {
		p.free.PushBack(idx)
	}
	r.handle.gen = 0
	r.state = StateIdle
	r.list = listNone
	r.buf = nil
	r.callback = nil
	r.ep = nil
}

// lookup returns the live request named by h.
func (p *requestPool) lookup(h Handle) (*request, bool) {
	if h.gen == 0 || int(h.slot) >= len(p.slots) {
		return nil, false
	}
	r := p.slots[h.slot]
	if r == nil || r.handle.gen != h.gen || p.gens[h.slot] != h.gen {
		return nil, false
	}
	return r, true
}

func (p *requestPool) stats() PoolStats {
	return PoolStats{
		Capacity:      p.capacity,
		InUse:         p.inUse,
		Overflow:      p.overflow,
		OverflowTotal: p.total,
	}
}

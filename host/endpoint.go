package host

import (
	"fmt"
	"time"

	"github.com/gammazero/deque"

	"github.com/ardnew/softotg/host/hal"
	"github.com/ardnew/softotg/pkg"
)

// waitReason records which resource a parked bulk endpoint waits for.
type waitReason uint8

const (
	waitNone waitReason = iota
	waitDMA
	waitFIFO
)

// Endpoint is one hardware endpoint slot bound to a device endpoint.
type Endpoint struct {
	slot      uint8
	dev       hal.DeviceAddress
	desc      hal.EndpointDescriptor
	dir       hal.Direction
	typ       hal.TransferType
	maxPacket int
	fifo      fifoRegion
	channel   int
	toggle    bool

	queue   *deque.Deque[*request]
	active  *request
	scratch []byte

	// Periodic arming
	period       time.Duration
	nextDeadline time.Time
	timer        watch
	rearms       int
	stalled      bool

	// Resource waits
	waiting   waitReason
	busySince time.Time
	busyHits  int

	// Consecutive no-handshake events across requests (bulk only)
	noHandshake int

	stats EndpointStats

	disabling bool
	inflight  int
	drained   chan struct{}
}

// EndpointStats is a snapshot of an endpoint's counters and bindings.
type EndpointStats struct {
	Slot                uint8
	Type                hal.TransferType
	Submitted           int
	Completed           int
	StoppedMidTransfer  int
	ForceUnlinked       int
	ConsecutiveErrors   int
	ConsecutiveTimeouts int
	Toggle              bool
	FIFOOffset          int
	FIFOSize            int
	Channel             int
	Queued              int
	Stalled             bool

	// Polling period and the next armed poll of a periodic endpoint. The
	// deadline is zero while no poll is armed.
	Period       time.Duration
	NextDeadline time.Time
}

func newEndpoint(slot uint8, dev hal.DeviceAddress, desc hal.EndpointDescriptor, speed hal.Speed) *Endpoint {
	ep := &Endpoint{
		slot:      slot,
		dev:       dev,
		desc:      desc,
		dir:       desc.Direction(),
		typ:       desc.TransferType(),
		maxPacket: int(desc.MaxPacketSize),
		channel:   -1,
		queue:     deque.New[*request](),
	}
	if ep.maxPacket == 0 {
		ep.maxPacket = ControlMaxPacket
	}
	ep.period = periodFor(desc.Interval, speed)
	return ep
}

// periodFor converts a bInterval to a polling period. Low and full speed
// intervals are in frames; high speed intervals are 2^(n-1) microframes.
func periodFor(interval uint8, speed hal.Speed) time.Duration {
	if interval == 0 {
		interval = 1
	}
	if speed == hal.SpeedHigh {
		if interval > 16 {
			interval = 16
		}
		return (125 * time.Microsecond) << (interval - 1)
	}
	return time.Duration(interval) * time.Millisecond
}

// Slot returns the hardware slot number.
func (ep *Endpoint) Slot() uint8 {
	return ep.slot
}

// Address returns the device endpoint address including direction.
func (ep *Endpoint) Address() uint8 {
	return ep.desc.Address
}

func (ep *Endpoint) isControl() bool {
	return ep.slot == controlSlot
}

func (ep *Endpoint) isIn() bool {
	return ep.dir == hal.DirIn
}

func (ep *Endpoint) periodic() bool {
	return ep.typ == hal.TransferInterrupt || ep.typ == hal.TransferIsochronous
}

func (ep *Endpoint) config() *hal.EndpointConfig {
	return &hal.EndpointConfig{
		Slot:          ep.slot,
		Dir:           ep.dir,
		Device:        ep.dev,
		Number:        ep.desc.Number(),
		Type:          ep.typ,
		MaxPacketSize: uint16(ep.maxPacket),
		Interval:      ep.desc.Interval,
		FIFOOffset:    ep.fifo.offset,
		FIFOSize:      ep.fifo.size,
	}
}

func (ep *Endpoint) String() string {
	return fmt.Sprintf("ep%d%s(dev %d addr %#02x)", ep.slot, ep.dir, ep.dev, ep.desc.Address)
}

func (ep *Endpoint) snapshot() EndpointStats {
	s := ep.stats
	s.Slot = ep.slot
	s.Type = ep.typ
	s.Toggle = ep.toggle
	s.FIFOOffset = ep.fifo.offset
	s.FIFOSize = ep.fifo.size
	s.Channel = ep.channel
	s.Queued = ep.queue.Len()
	s.Stalled = ep.stalled
	if ep.periodic() {
		s.Period = ep.period
		if ep.timer.armed() {
			s.NextDeadline = ep.nextDeadline
		}
	}
	return s
}

// removeQueued unlinks r from the endpoint queue.
func (ep *Endpoint) removeQueued(r *request) bool {
	i := ep.queue.Index(func(q *request) bool { return q == r })
	if i < 0 {
		return false
	}
	ep.queue.Remove(i)
	return true
}

func (ep *Endpoint) stopTimer() {
	ep.timer.stop()
}

// registry holds the shared control endpoint and the IN and OUT banks.
type registry struct {
	control  *Endpoint
	in       [hal.MaxSlots]*Endpoint
	out      [hal.MaxSlots]*Endpoint
	slotsIn  int
	slotsOut int
}

func newRegistry(slotsIn, slotsOut int) *registry {
	desc := hal.EndpointDescriptor{
		Address:       0,
		Attributes:    uint8(hal.TransferControl),
		MaxPacketSize: ControlMaxPacket,
	}
	return &registry{
		control:  newEndpoint(controlSlot, 0, desc, hal.SpeedFull),
		slotsIn:  slotsIn,
		slotsOut: slotsOut,
	}
}

func (g *registry) bank(dir hal.Direction) (*[hal.MaxSlots]*Endpoint, int) {
	if dir == hal.DirIn {
		return &g.in, g.slotsIn
	}
	return &g.out, g.slotsOut
}

// lookup finds the endpoint bound to a device endpoint address. Address 0
// in either direction names the control endpoint.
func (g *registry) lookup(dev hal.DeviceAddress, addr uint8) *Endpoint {
	if addr&0x0F == 0 {
		return g.control
	}
	dir := hal.Direction(addr & 0x80)
	bank, n := g.bank(dir)
	for i := 1; i <= n; i++ {
		if ep := bank[i]; ep != nil && ep.dev == dev && ep.desc.Address == addr {
			return ep
		}
	}
	return nil
}

// freeSlot returns the lowest unused slot in the bank for dir.
func (g *registry) freeSlot(dir hal.Direction) (uint8, bool) {
	bank, n := g.bank(dir)
	for i := 1; i <= n; i++ {
		if bank[i] == nil {
			return uint8(i), true
		}
	}
	return 0, false
}

func (g *registry) add(ep *Endpoint) {
	bank, _ := g.bank(ep.dir)
	bank[ep.slot] = ep
	pkg.LogDebug(pkg.ComponentEndpoint, "endpoint added", "endpoint", ep.String(), "type", ep.typ)
}

func (g *registry) remove(ep *Endpoint) {
	bank, _ := g.bank(ep.dir)
	if bank[ep.slot] == ep {
		bank[ep.slot] = nil
	}
}

// each calls f for the control endpoint and every bank endpoint in slot
// order, IN bank first.
func (g *registry) each(f func(*Endpoint)) {
	f(g.control)
	for i := 1; i <= g.slotsIn; i++ {
		if ep := g.in[i]; ep != nil {
			f(ep)
		}
	}
	for i := 1; i <= g.slotsOut; i++ {
		if ep := g.out[i]; ep != nil {
			f(ep)
		}
	}
}

package sim

import (
	"errors"
	"sync"

	"github.com/ardnew/softotg/host/hal"
)

// NumChannels is the number of simulated DMA channels.
const NumChannels = 2

// ErrResetFailed is returned by Core.Reset while injected reset failures
// remain.
var ErrResetFailed = errors.New("sim: core reset failed")

// endpointKey addresses an endpoint of the attached device model.
type endpointKey struct {
	dev  hal.DeviceAddress
	addr uint8
}

// model is the device side of one endpoint.
type model struct {
	in     [][]byte        // queued IN transfers, consumed packet by packet
	out    []byte          // bytes received from the host
	faults []hal.ErrorCode // errors returned on the next hardware attempts
	busy   bool            // FIFO reported busy
}

// slot is one host-side hardware endpoint.
type slot struct {
	cfg        hal.EndpointConfig
	configured bool
	dma        bool
	toggle     bool
	armed      int
	rx         []byte
	rxValid    bool
}

// Bus is a simulated OTG core, DMA engine and attached device.
type Bus struct {
	mu sync.Mutex

	connected bool
	connSeq   []bool
	speed     hal.Speed
	enabled   bool
	resets    int
	resetFail int

	in  [hal.MaxSlots]slot
	out [hal.MaxSlots]slot

	models map[endpointKey]*model
	irq    hal.IRQStatus

	ctrlDev   hal.DeviceAddress
	ctrlIn    map[hal.DeviceAddress][]byte
	ctrlOut   map[hal.DeviceAddress][]byte
	setups    []hal.SetupPacket
	ctrlArmed bool
	ctrlData  []byte
	ctrlRx    []byte

	channels [NumChannels]channel
	autoDMA  bool

	core   Core
	engine Engine
}

// New creates a bus with no device attached.
func New() *Bus {
	b := &Bus{
		speed:   hal.SpeedFull,
		models:  make(map[endpointKey]*model),
		ctrlIn:  make(map[hal.DeviceAddress][]byte),
		ctrlOut: make(map[hal.DeviceAddress][]byte),
	}
	b.core.bus = b
	b.engine.bus = b
	return b
}

// Core returns the simulated OTG core.
func (b *Bus) Core() *Core {
	return &b.core
}

// DMA returns the simulated DMA engine.
func (b *Bus) DMA() *Engine {
	return &b.engine
}

// =============================================================================
// Device model controls
// =============================================================================

// SetConnected sets the sampled connection state.
func (b *Bus) SetConnected(connected bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = connected
	b.connSeq = nil
}

// ScriptConnection queues connection samples returned by successive
// Connected calls. The last sample sticks once the script is exhausted.
func (b *Bus) ScriptConnection(samples ...bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connSeq = append(b.connSeq, samples...)
}

// Scripted returns the number of queued connection samples not yet read.
func (b *Bus) Scripted() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.connSeq)
}

// SetSpeed sets the reported device speed.
func (b *Bus) SetSpeed(s hal.Speed) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.speed = s
}

// FailResets makes the next n core resets fail.
func (b *Bus) FailResets(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetFail = n
}

// Resets returns the number of successful core resets.
func (b *Bus) Resets() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resets
}

// Enabled reports whether the core is enabled.
func (b *Bus) Enabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enabled
}

// QueueIn queues one IN transfer worth of data on a device endpoint. The
// data is delivered in max-packet chunks; a final short chunk ends it.
func (b *Bus) QueueIn(dev hal.DeviceAddress, addr uint8, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.model(dev, addr|0x80)
	m.in = append(m.in, append([]byte(nil), data...))
	if s := b.slotFor(dev, addr|0x80); s != nil {
		b.deliverLocked(s)
	}
}

// Written returns the bytes a device OUT endpoint has received.
func (b *Bus) Written(dev hal.DeviceAddress, addr uint8) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.model(dev, addr&0x7F).out...)
}

// InjectFault makes the next n hardware attempts on the endpoint fail with
// code. Address 0 targets the control endpoint of dev.
func (b *Bus) InjectFault(dev hal.DeviceAddress, addr uint8, code hal.ErrorCode, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.model(dev, addr)
	for i := 0; i < n; i++ {
		m.faults = append(m.faults, code)
	}
}

// SetFIFOBusy forces the FIFO busy indication of a device endpoint.
func (b *Bus) SetFIFOBusy(dev hal.DeviceAddress, addr uint8, busy bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.model(dev, addr).busy = busy
}

// SetControlResponse sets the data returned by the IN data stage of every
// control transfer addressed to dev, truncated to wLength.
func (b *Bus) SetControlResponse(dev hal.DeviceAddress, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ctrlIn[dev] = append([]byte(nil), data...)
}

// ControlWritten returns the bytes received in OUT data stages for dev.
func (b *Bus) ControlWritten(dev hal.DeviceAddress) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.ctrlOut[dev]...)
}

// Setups returns every SETUP packet sent so far.
func (b *Bus) Setups() []hal.SetupPacket {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]hal.SetupPacket(nil), b.setups...)
}

// Pending reports whether an interrupt source is asserted.
func (b *Bus) Pending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.irq.Empty() {
		return true
	}
	for i := range b.channels {
		if b.channels[i].pending {
			return true
		}
	}
	return false
}

// Service calls handler while an interrupt is pending, at most limit times.
// It returns the number of calls.
func (b *Bus) Service(handler func(), limit int) int {
	n := 0
	for n < limit && b.Pending() {
		handler()
		n++
	}
	return n
}

// =============================================================================
// Internal helpers (b.mu held)
// =============================================================================

func (b *Bus) model(dev hal.DeviceAddress, addr uint8) *model {
	if addr&0x7F == 0 {
		addr = 0
	}
	k := endpointKey{dev: dev, addr: addr}
	m, ok := b.models[k]
	if !ok {
		m = &model{}
		b.models[k] = m
	}
	return m
}

func (b *Bus) slotFor(dev hal.DeviceAddress, addr uint8) *slot {
	bank := &b.out
	if addr&0x80 != 0 {
		bank = &b.in
	}
	for i := 1; i < hal.MaxSlots; i++ {
		s := &bank[i]
		if s.configured && s.cfg.Device == dev && s.cfg.Number == addr&0x0F {
			return s
		}
	}
	return nil
}

func (b *Bus) slotModel(s *slot) *model {
	return b.model(s.cfg.Device, s.cfg.Number|uint8(s.cfg.Dir))
}

func takeFault(m *model) (hal.ErrorCode, bool) {
	if len(m.faults) == 0 {
		return hal.ErrorNone, false
	}
	code := m.faults[0]
	m.faults = m.faults[1:]
	return code, true
}

// nextPacket pops up to max bytes of the head IN transfer.
func nextPacket(m *model, max int) ([]byte, bool) {
	if len(m.in) == 0 {
		return nil, false
	}
	head := m.in[0]
	n := len(head)
	if n > max {
		n = max
	}
	pkt := head[:n]
	if n == len(head) {
		m.in = m.in[1:]
	} else {
		m.in[0] = head[n:]
	}
	return pkt, true
}

// deliverLocked moves the next packet into an armed IN slot.
func (b *Bus) deliverLocked(s *slot) {
	if s.dma || s.armed == 0 || s.rxValid {
		return
	}
	m := b.slotModel(s)
	bit := uint16(1) << s.cfg.Slot
	if code, ok := takeFault(m); ok {
		s.armed = 0
		b.irq.Rx |= bit
		b.irq.RxError[s.cfg.Slot] = code
		return
	}
	pkt, ok := nextPacket(m, int(s.cfg.MaxPacketSize))
	if !ok {
		return
	}
	s.rx = pkt
	s.rxValid = true
	s.toggle = !s.toggle
	b.irq.Rx |= bit
	b.irq.RxError[s.cfg.Slot] = hal.ErrorNone
}

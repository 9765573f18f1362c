package host

import (
	"context"
	"testing"
	"time"

	"github.com/ardnew/softotg/host/hal"
	"github.com/ardnew/softotg/host/hal/sim"
)

// =============================================================================
// Test Harness
// =============================================================================

const testDev hal.DeviceAddress = 1

// harness runs a controller on the simulated bus with inline dispatch.
type harness struct {
	t      *testing.T
	cfg    Config
	bus    *sim.Bus
	clock  *sim.Clock
	c      *Controller
	done   []Completion
	events []ConnectionEvent
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	bus := sim.New()
	clock := sim.NewClock(time.Unix(0, 0))
	c, err := New(bus.Core(), bus.DMA(), cfg, clock)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h := &harness{t: t, cfg: cfg, bus: bus, clock: clock, c: c}
	c.OnConnectionChange(func(ev ConnectionEvent) {
		h.events = append(h.events, ev)
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { c.Stop() })
	return h
}

// newAttached returns a harness with a device attached and the core up.
func newAttached(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := newHarness(t, mutate)
	h.attach()
	return h
}

func (h *harness) attach() {
	h.t.Helper()
	h.bus.SetConnected(true)
	h.clock.Advance(h.cfg.HotplugSettle.Duration + h.cfg.HotplugPoll.Duration*time.Duration(h.cfg.DebounceSamples-1))
	if !h.c.Attached() {
		h.t.Fatal("controller not attached after debounce")
	}
}

// irq services the interrupt line until it is quiet.
func (h *harness) irq() {
	h.bus.Service(h.c.HandleInterrupt, 64)
}

func (h *harness) submit(desc hal.EndpointDescriptor, buf []byte) Handle {
	h.t.Helper()
	hd, err := h.c.Submit(&Transfer{
		Device:   testDev,
		Endpoint: desc,
		Buffer:   buf,
		Callback: h.record,
	})
	if err != nil {
		h.t.Fatalf("Submit(%#02x) error = %v", desc.Address, err)
	}
	return hd
}

func (h *harness) control(setup hal.SetupPacket, buf []byte) Handle {
	h.t.Helper()
	hd, err := h.c.Submit(&Transfer{
		Device:   testDev,
		Endpoint: hal.EndpointDescriptor{Address: 0x00, MaxPacketSize: ControlMaxPacket},
		Setup:    &setup,
		Buffer:   buf,
		Callback: h.record,
	})
	if err != nil {
		h.t.Fatalf("Submit(control) error = %v", err)
	}
	return hd
}

func (h *harness) record(c Completion) {
	h.done = append(h.done, c)
}

// completion returns the completion delivered for hd.
func (h *harness) completion(hd Handle) Completion {
	h.t.Helper()
	for _, c := range h.done {
		if c.Handle == hd {
			return c
		}
	}
	h.t.Fatalf("no completion for %v (have %d)", hd, len(h.done))
	return Completion{}
}

func (h *harness) pending(hd Handle) bool {
	for _, c := range h.done {
		if c.Handle == hd {
			return false
		}
	}
	return true
}

func (h *harness) state(hd Handle) RequestState {
	h.t.Helper()
	s, ok := h.c.RequestState(hd)
	if !ok {
		h.t.Fatalf("RequestState(%v) not live", hd)
	}
	return s
}

func (h *harness) stats(addr uint8) EndpointStats {
	h.t.Helper()
	s, err := h.c.EndpointStats(testDev, addr)
	if err != nil {
		h.t.Fatalf("EndpointStats(%#02x) error = %v", addr, err)
	}
	return s
}

// checkInvariants verifies that no endpoint has more than one active
// request and no DMA channel serves more than one endpoint.
func (h *harness) checkInvariants() {
	h.t.Helper()
	c := h.c
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.endpoints.each(func(ep *Endpoint) {
		active := 0
		for i := 0; i < ep.queue.Len(); i++ {
			if ep.queue.At(i).state.active() {
				active++
			}
		}
		if active > 1 {
			h.t.Errorf("%v has %d active requests", ep, active)
		}
		if active == 1 && (ep.active == nil || !ep.active.state.active()) {
			h.t.Errorf("%v active flag does not match its queue", ep)
		}
	})
	owners := map[*Endpoint]int{}
	for i := range c.dma.channels {
		if ep := c.dma.channels[i].ep; ep != nil {
			owners[ep]++
			if ep.channel != i {
				h.t.Errorf("channel %d bound to %v which records channel %d", i, ep, ep.channel)
			}
		}
	}
	for ep, n := range owners {
		if n > 1 {
			h.t.Errorf("%v bound to %d channels", ep, n)
		}
	}
}

func bulkIn(n uint8, maxPacket uint16) hal.EndpointDescriptor {
	return hal.EndpointDescriptor{Address: 0x80 | n, Attributes: uint8(hal.TransferBulk), MaxPacketSize: maxPacket}
}

func bulkOut(n uint8, maxPacket uint16) hal.EndpointDescriptor {
	return hal.EndpointDescriptor{Address: n, Attributes: uint8(hal.TransferBulk), MaxPacketSize: maxPacket}
}

func interruptIn(n uint8, maxPacket uint16, interval uint8) hal.EndpointDescriptor {
	return hal.EndpointDescriptor{Address: 0x80 | n, Attributes: uint8(hal.TransferInterrupt), MaxPacketSize: maxPacket, Interval: interval}
}

func interruptOut(n uint8, maxPacket uint16, interval uint8) hal.EndpointDescriptor {
	return hal.EndpointDescriptor{Address: n, Attributes: uint8(hal.TransferInterrupt), MaxPacketSize: maxPacket, Interval: interval}
}

func isoIn(n uint8, maxPacket uint16) hal.EndpointDescriptor {
	return hal.EndpointDescriptor{Address: 0x80 | n, Attributes: uint8(hal.TransferIsochronous), MaxPacketSize: maxPacket, Interval: 1}
}

func isoOut(n uint8, maxPacket uint16) hal.EndpointDescriptor {
	return hal.EndpointDescriptor{Address: n, Attributes: uint8(hal.TransferIsochronous), MaxPacketSize: maxPacket, Interval: 1}
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 3)
	}
	return b
}

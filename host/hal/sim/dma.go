package sim

import (
	"fmt"

	"github.com/ardnew/softotg/host/hal"
)

type channel struct {
	slot      uint8
	dir       hal.Direction
	selected  bool
	buf       []byte
	count     int
	running   bool
	pending   bool
	remaining int
	starts    int
	stops     int
}

// Engine implements hal.DMA on top of the simulated bus.
//
// By default a started channel stays running until Complete is called.
// SetAutoComplete makes Start finish the transfer immediately.
type Engine struct {
	bus *Bus
}

var _ hal.DMA = (*Engine)(nil)

func (e *Engine) channel(ch int) (*channel, error) {
	if ch < 0 || ch >= NumChannels {
		return nil, fmt.Errorf("sim: invalid DMA channel %d", ch)
	}
	return &e.bus.channels[ch], nil
}

// SetAutoComplete selects whether Start completes transfers immediately.
func (e *Engine) SetAutoComplete(on bool) {
	e.bus.mu.Lock()
	defer e.bus.mu.Unlock()
	e.bus.autoDMA = on
}

// Channels implements hal.DMA.
func (e *Engine) Channels() int {
	return NumChannels
}

// SetEndpoint implements hal.DMA.
func (e *Engine) SetEndpoint(ch int, slot uint8, dir hal.Direction) error {
	e.bus.mu.Lock()
	defer e.bus.mu.Unlock()
	c, err := e.channel(ch)
	if err != nil {
		return err
	}
	if c.running {
		return fmt.Errorf("sim: DMA channel %d running", ch)
	}
	c.slot, c.dir, c.selected = slot, dir, true
	return nil
}

// SetAddress implements hal.DMA.
func (e *Engine) SetAddress(ch int, buf []byte) error {
	e.bus.mu.Lock()
	defer e.bus.mu.Unlock()
	c, err := e.channel(ch)
	if err != nil {
		return err
	}
	c.buf = buf
	return nil
}

// SetCount implements hal.DMA.
func (e *Engine) SetCount(ch int, n int) error {
	e.bus.mu.Lock()
	defer e.bus.mu.Unlock()
	c, err := e.channel(ch)
	if err != nil {
		return err
	}
	if n > len(c.buf) {
		return fmt.Errorf("sim: DMA count %d exceeds buffer %d", n, len(c.buf))
	}
	c.count = n
	return nil
}

// Start implements hal.DMA.
func (e *Engine) Start(ch int) error {
	b := e.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	c, err := e.channel(ch)
	if err != nil {
		return err
	}
	if !c.selected {
		return fmt.Errorf("sim: DMA channel %d has no endpoint", ch)
	}
	c.running = true
	c.pending = false
	c.remaining = c.count
	c.starts++
	if b.faultLocked(c) {
		return nil
	}
	if b.autoDMA {
		b.finishLocked(c, -1)
	}
	return nil
}

// faultLocked answers the first token of a DMA burst with the next queued
// fault of the device model. The channel keeps running with nothing moved
// until the controller stops it.
func (b *Bus) faultLocked(c *channel) bool {
	s := &b.bank(c.dir)[c.slot]
	if !s.configured || !s.dma {
		return false
	}
	code, ok := takeFault(b.slotModel(s))
	if !ok {
		return false
	}
	bit := uint16(1) << c.slot
	if c.dir == hal.DirIn {
		s.armed = 0
		b.irq.Rx |= bit
		b.irq.RxError[c.slot] = code
	} else {
		b.irq.Tx |= bit
		b.irq.TxError[c.slot] = code
	}
	return true
}

// Stop implements hal.DMA.
func (e *Engine) Stop(ch int) {
	e.bus.mu.Lock()
	defer e.bus.mu.Unlock()
	if c, err := e.channel(ch); err == nil {
		c.running = false
		c.stops++
	}
}

// Reset implements hal.DMA.
func (e *Engine) Reset(ch int) {
	e.bus.mu.Lock()
	defer e.bus.mu.Unlock()
	if c, err := e.channel(ch); err == nil {
		starts, stops := c.starts, c.stops
		*c = channel{starts: starts, stops: stops}
	}
}

// Remaining implements hal.DMA.
func (e *Engine) Remaining(ch int) int {
	e.bus.mu.Lock()
	defer e.bus.mu.Unlock()
	if c, err := e.channel(ch); err == nil {
		return c.remaining
	}
	return 0
}

// Pending implements hal.DMA.
func (e *Engine) Pending(ch int) bool {
	e.bus.mu.Lock()
	defer e.bus.mu.Unlock()
	if c, err := e.channel(ch); err == nil {
		return c.pending
	}
	return false
}

// ClearPending implements hal.DMA.
func (e *Engine) ClearPending(ch int) {
	e.bus.mu.Lock()
	defer e.bus.mu.Unlock()
	if c, err := e.channel(ch); err == nil {
		c.pending = false
	}
}

// Running reports whether a channel was started and has not completed or
// been stopped.
func (e *Engine) Running(ch int) bool {
	e.bus.mu.Lock()
	defer e.bus.mu.Unlock()
	if c, err := e.channel(ch); err == nil {
		return c.running
	}
	return false
}

// Stops returns how many times Stop was called on a channel.
func (e *Engine) Stops(ch int) int {
	e.bus.mu.Lock()
	defer e.bus.mu.Unlock()
	if c, err := e.channel(ch); err == nil {
		return c.stops
	}
	return 0
}

// Starts returns how many times Start was called on a channel.
func (e *Engine) Starts(ch int) int {
	e.bus.mu.Lock()
	defer e.bus.mu.Unlock()
	if c, err := e.channel(ch); err == nil {
		return c.starts
	}
	return 0
}

// Complete finishes a running channel, moving as much data as the device
// model provides, and raises its completion interrupt.
func (e *Engine) Complete(ch int) error {
	return e.CompleteWithRemaining(ch, -1)
}

// CompleteWithRemaining finishes a running channel leaving remaining bytes
// unmoved. A negative remaining lets the device model decide.
func (e *Engine) CompleteWithRemaining(ch int, remaining int) error {
	b := e.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	c, err := e.channel(ch)
	if err != nil {
		return err
	}
	if !c.running {
		return fmt.Errorf("sim: DMA channel %d not running", ch)
	}
	b.finishLocked(c, remaining)
	return nil
}

func (b *Bus) finishLocked(c *channel, remaining int) {
	want := c.count
	if remaining >= 0 && remaining <= c.count {
		want = c.count - remaining
	}
	moved := 0
	s := &b.bank(c.dir)[c.slot]
	if s.configured {
		m := b.slotModel(s)
		if c.dir == hal.DirIn {
			max := int(s.cfg.MaxPacketSize)
			if max == 0 {
				max = want
			}
			for moved < want {
				space := want - moved
				if space > max {
					space = max
				}
				pkt, ok := nextPacket(m, space)
				if !ok {
					break
				}
				moved += copy(c.buf[moved:], pkt)
				if len(pkt) < max {
					break
				}
			}
		} else {
			m.out = append(m.out, c.buf[:want]...)
			moved = want
		}
	}
	if remaining >= 0 {
		moved = want
	}
	c.remaining = c.count - moved
	c.running = false
	c.pending = true
}

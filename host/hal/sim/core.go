package sim

import (
	"fmt"

	"github.com/ardnew/softotg/host/hal"
)

// Core implements hal.Core on top of the simulated bus.
type Core struct {
	bus *Bus
}

var _ hal.Core = (*Core)(nil)

// Reset implements hal.Core.
func (c *Core) Reset() error {
	b := c.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.resetFail > 0 {
		b.resetFail--
		return ErrResetFailed
	}
	b.resets++
	b.enabled = false
	b.in = [hal.MaxSlots]slot{}
	b.out = [hal.MaxSlots]slot{}
	b.irq = hal.IRQStatus{}
	b.ctrlArmed = false
	b.ctrlData = nil
	b.ctrlRx = nil
	for i := range b.channels {
		b.channels[i] = channel{}
	}
	return nil
}

// SetEnabled implements hal.Core.
func (c *Core) SetEnabled(on bool) error {
	b := c.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enabled = on
	if !on {
		b.irq = hal.IRQStatus{}
	}
	return nil
}

// Connected implements hal.Core.
func (c *Core) Connected() bool {
	b := c.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.connSeq) > 0 {
		b.connected = b.connSeq[0]
		b.connSeq = b.connSeq[1:]
	}
	return b.connected
}

// Speed implements hal.Core.
func (c *Core) Speed() hal.Speed {
	b := c.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return hal.SpeedUnknown
	}
	return b.speed
}

func (b *Bus) bank(dir hal.Direction) *[hal.MaxSlots]slot {
	if dir == hal.DirIn {
		return &b.in
	}
	return &b.out
}

func (b *Bus) slot(n uint8, dir hal.Direction) (*slot, error) {
	if n == 0 || int(n) >= hal.MaxSlots {
		return nil, fmt.Errorf("sim: invalid slot %d", n)
	}
	return &b.bank(dir)[n], nil
}

// ConfigureEndpoint implements hal.Core.
func (c *Core) ConfigureEndpoint(cfg *hal.EndpointConfig) error {
	b := c.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if cfg.Slot == 0 {
		return nil
	}
	s, err := b.slot(cfg.Slot, cfg.Dir)
	if err != nil {
		return err
	}
	*s = slot{cfg: *cfg, configured: true}
	return nil
}

// ReleaseEndpoint implements hal.Core.
func (c *Core) ReleaseEndpoint(n uint8, dir hal.Direction) {
	b := c.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, err := b.slot(n, dir); err == nil {
		*s = slot{}
	}
}

// FlushEndpoint implements hal.Core.
func (c *Core) FlushEndpoint(n uint8, dir hal.Direction) {
	b := c.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.slot(n, dir)
	if err != nil {
		return
	}
	s.armed = 0
	s.rx = nil
	s.rxValid = false
	s.toggle = false
	if s.configured {
		b.slotModel(s).busy = false
	}
}

// SetToggle implements hal.Core.
func (c *Core) SetToggle(n uint8, dir hal.Direction, data1 bool) {
	b := c.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, err := b.slot(n, dir); err == nil {
		s.toggle = data1
	}
}

// Toggle returns the data toggle of a slot.
func (c *Core) Toggle(n uint8, dir hal.Direction) bool {
	b := c.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, err := b.slot(n, dir); err == nil {
		return s.toggle
	}
	return false
}

// FIFOBusy implements hal.Core.
func (c *Core) FIFOBusy(n uint8, dir hal.Direction) bool {
	b := c.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.slot(n, dir)
	if err != nil || !s.configured {
		return false
	}
	return b.slotModel(s).busy
}

// SetDMAMode implements hal.Core.
func (c *Core) SetDMAMode(n uint8, dir hal.Direction, on bool) {
	b := c.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, err := b.slot(n, dir); err == nil {
		s.dma = on
		if !on {
			b.deliverLocked(s)
		}
	}
}

// WriteSetup implements hal.Core.
func (c *Core) WriteSetup(dev hal.DeviceAddress, setup *hal.SetupPacket) error {
	b := c.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ctrlDev = dev
	b.ctrlArmed = false
	b.ctrlRx = nil
	if code, ok := takeFault(b.model(dev, 0)); ok {
		b.raiseControl(code)
		return nil
	}
	b.setups = append(b.setups, *setup)
	b.ctrlData = nil
	if setup.DataDirection() == hal.DirIn {
		data := b.ctrlIn[dev]
		if len(data) > int(setup.Length) {
			data = data[:setup.Length]
		}
		b.ctrlData = data
	}
	b.raiseControl(hal.ErrorNone)
	return nil
}

// StartStatus implements hal.Core.
func (c *Core) StartStatus(dev hal.DeviceAddress, in bool) error {
	b := c.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if code, ok := takeFault(b.model(dev, 0)); ok {
		b.raiseControl(code)
		return nil
	}
	b.raiseControl(hal.ErrorNone)
	return nil
}

func (b *Bus) raiseControl(code hal.ErrorCode) {
	b.irq.Control = true
	b.irq.ControlError = code
}

// WritePacket implements hal.Core.
func (c *Core) WritePacket(n uint8, data []byte) error {
	b := c.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if n == 0 {
		if code, ok := takeFault(b.model(b.ctrlDev, 0)); ok {
			b.raiseControl(code)
			return nil
		}
		b.ctrlOut[b.ctrlDev] = append(b.ctrlOut[b.ctrlDev], data...)
		b.raiseControl(hal.ErrorNone)
		return nil
	}
	s, err := b.slot(n, hal.DirOut)
	if err != nil {
		return err
	}
	if !s.configured {
		return fmt.Errorf("sim: slot %d OUT not configured", n)
	}
	m := b.slotModel(s)
	bit := uint16(1) << n
	if code, ok := takeFault(m); ok {
		b.irq.Tx |= bit
		b.irq.TxError[n] = code
		return nil
	}
	m.out = append(m.out, data...)
	s.toggle = !s.toggle
	b.irq.Tx |= bit
	b.irq.TxError[n] = hal.ErrorNone
	return nil
}

// RequestPackets implements hal.Core.
func (c *Core) RequestPackets(n uint8, count int) error {
	b := c.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if n == 0 {
		b.ctrlArmed = true
		m := b.model(b.ctrlDev, 0)
		if code, ok := takeFault(m); ok {
			b.ctrlArmed = false
			b.raiseControl(code)
			return nil
		}
		max := 64
		if len(b.ctrlData) < max {
			max = len(b.ctrlData)
		}
		b.ctrlRx = b.ctrlData[:max]
		b.ctrlData = b.ctrlData[max:]
		b.raiseControl(hal.ErrorNone)
		return nil
	}
	s, err := b.slot(n, hal.DirIn)
	if err != nil {
		return err
	}
	if !s.configured {
		return fmt.Errorf("sim: slot %d IN not configured", n)
	}
	s.armed = count
	b.deliverLocked(s)
	return nil
}

// ReadPacket implements hal.Core.
func (c *Core) ReadPacket(n uint8, buf []byte) (int, error) {
	b := c.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if n == 0 {
		got := copy(buf, b.ctrlRx)
		b.ctrlRx = nil
		b.ctrlArmed = false
		return got, nil
	}
	s, err := b.slot(n, hal.DirIn)
	if err != nil {
		return 0, err
	}
	if !s.rxValid {
		return 0, nil
	}
	got := copy(buf, s.rx)
	s.rx = nil
	s.rxValid = false
	if s.armed > 0 {
		s.armed--
	}
	b.deliverLocked(s)
	return got, nil
}

// ReadInterrupts implements hal.Core.
func (c *Core) ReadInterrupts(st *hal.IRQStatus) bool {
	b := c.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.irq.Empty() {
		return false
	}
	*st = b.irq
	b.irq = hal.IRQStatus{}
	return true
}

package host

import (
	"fmt"

	"github.com/ardnew/softotg/host/hal"
	"github.com/ardnew/softotg/pkg"
)

// startPeriodicLocked arms the polling timer of an interrupt or
// isochronous endpoint for its active request. Every fire primes the
// hardware and schedules the next one.
func (c *Controller) startPeriodicLocked(ep *Endpoint, r *request) {
	r.state = StatePIOActive
	r.primed = false
	r.frames = 0
	c.schedulePeriodicLocked(ep)
}

func (c *Controller) schedulePeriodicLocked(ep *Endpoint) {
	ep.nextDeadline = c.clock.Now().Add(ep.period)
	c.armLocked(&ep.timer, ep.period, func() { c.periodicFireLocked(ep) })
}

func (c *Controller) periodicFireLocked(ep *Endpoint) {
	r := ep.active
	if r == nil || r.list != listEndpoint || r.state != StatePIOActive {
		return
	}
	r.frames++

	if ep.typ == hal.TransferIsochronous {
		c.isoFireLocked(ep, r)
		return
	}

	if ep.isIn() {
		if ep.stalled {
			// The FIFO watchdog owns re-arming until data shows up.
			return
		}
		if r.primed {
			ep.rearms++
			if ep.rearms > c.cfg.RearmLimit {
				ep.stalled = true
				pkg.LogWarn(pkg.ComponentEndpoint, "interrupt endpoint stalled",
					"endpoint", ep.String(),
					"rearms", ep.rearms)
				return
			}
		}
		r.primed = true
		if err := c.core.RequestPackets(ep.slot, 1); err != nil {
			c.finishLocked(r, pkg.TransferStatusError, err)
			return
		}
	} else if !r.primed {
		r.primed = true
		c.writePeriodicLocked(ep, r)
		if ep.active != r {
			return
		}
	}
	c.schedulePeriodicLocked(ep)
}

// isoFireLocked preloads the packet count of an isochronous IN request on
// the first frame, or sends one packet per frame for OUT. A request whose
// frames run out finishes with what it has.
func (c *Controller) isoFireLocked(ep *Endpoint, r *request) {
	packets := (len(r.buf) + ep.maxPacket - 1) / ep.maxPacket
	if packets == 0 {
		packets = 1
	}
	if r.frames > packets+1 {
		pkg.LogDebug(pkg.ComponentEndpoint, "isochronous frames elapsed",
			"request", r.handle,
			"actual", r.actual)
		c.finishLocked(r, pkg.TransferStatusSuccess, nil)
		return
	}
	if ep.isIn() {
		if !r.primed {
			r.primed = true
			if err := c.core.RequestPackets(ep.slot, packets); err != nil {
				c.finishLocked(r, pkg.TransferStatusError, err)
				return
			}
		}
	} else if !r.primed {
		r.primed = true
		c.writePeriodicLocked(ep, r)
		if ep.active != r {
			return
		}
	}
	c.schedulePeriodicLocked(ep)
}

func (c *Controller) writePeriodicLocked(ep *Endpoint, r *request) {
	n := r.remaining()
	if n > ep.maxPacket {
		n = ep.maxPacket
	}
	r.pioLen = n
	if err := c.core.WritePacket(ep.slot, r.buf[r.actual:r.actual+n]); err != nil {
		c.finishLocked(r, pkg.TransferStatusError, err)
	}
}

// periodicTxLocked handles a sent interrupt or isochronous OUT packet. The
// next packet waits for the next period.
func (c *Controller) periodicTxLocked(ep *Endpoint, r *request) {
	r.actual += r.pioLen
	r.primed = false
	if ep.typ == hal.TransferInterrupt {
		ep.toggle = !ep.toggle
	}
	if r.remaining() == 0 {
		c.finishLocked(r, pkg.TransferStatusSuccess, nil)
	}
}

// periodicRxLocked handles a received interrupt or isochronous IN packet.
func (c *Controller) periodicRxLocked(ep *Endpoint, r *request) {
	n, overrun, err := c.readPacketLocked(ep, r)
	if err != nil {
		c.finishLocked(r, pkg.TransferStatusError, err)
		return
	}
	if ep.typ == hal.TransferIsochronous {
		ep.toggle = false
	} else {
		r.primed = false
		ep.rearms = 0
		ep.stalled = false
	}
	switch {
	case overrun:
		c.finishLocked(r, pkg.TransferStatusOverrun,
			fmt.Errorf("%w: %v", pkg.ErrOverrun, ep))
	case n < ep.maxPacket || r.remaining() == 0:
		c.finishLocked(r, pkg.TransferStatusSuccess, nil)
	}
}

// forceRearmLocked flushes a stalled interrupt IN endpoint and primes it
// again.
func (c *Controller) forceRearmLocked(ep *Endpoint) {
	r := ep.active
	ep.stalled = false
	ep.rearms = 0
	if r == nil || r.list != listEndpoint || r.state != StatePIOActive {
		return
	}
	pkg.LogWarn(pkg.ComponentWatchdog, "forced re-arm", "endpoint", ep.String())
	c.core.FlushEndpoint(ep.slot, ep.dir)
	c.core.SetToggle(ep.slot, ep.dir, ep.toggle)
	r.primed = true
	if err := c.core.RequestPackets(ep.slot, 1); err != nil {
		c.finishLocked(r, pkg.TransferStatusError, err)
		return
	}
	if !ep.timer.armed() {
		c.schedulePeriodicLocked(ep)
	}
}

package host

import (
	"fmt"

	"github.com/ardnew/softotg/pkg"
)

// startBulkLocked picks the data path for the active bulk request. Requests
// of at least the DMA threshold take a channel, waiting in arrival order
// when none is free; shorter ones use PIO.
func (c *Controller) startBulkLocked(ep *Endpoint, r *request) {
	if r.remaining() >= c.cfg.DMAThreshold && len(c.dma.channels) > 0 {
		if c.dmaWaiters.Len() > 0 {
			c.parkDMALocked(ep, r)
			return
		}
		ch, ok := c.dma.acquire(ep.dir)
		if !ok {
			c.parkDMALocked(ep, r)
			return
		}
		c.startDMALocked(ep, r, ch)
		return
	}
	c.bulkPIOLocked(ep, r)
}

func (c *Controller) parkDMALocked(ep *Endpoint, r *request) {
	r.state = StateWaitingResource
	ep.waiting = waitDMA
	c.dmaWaiters.PushBack(ep)
	pkg.LogDebug(pkg.ComponentDMA, "waiting for channel",
		"request", r.handle,
		"endpoint", ep.String(),
		"bound", c.dma.boundCount(),
		"waiters", c.dmaWaiters.Len())
}

func (c *Controller) parkFIFOLocked(ep *Endpoint, r *request) {
	r.state = StateWaitingResource
	if ep.waiting != waitFIFO {
		ep.waiting = waitFIFO
		ep.busySince = c.clock.Now()
		ep.busyHits = 0
		c.fifoWait.Add(ep)
	}
	pkg.LogDebug(pkg.ComponentFIFO, "FIFO busy",
		"request", r.handle,
		"endpoint", ep.String())
}

// startDMALocked programs ch for the remainder of r and starts it.
func (c *Controller) startDMALocked(ep *Endpoint, r *request, ch int) {
	n := r.remaining()
	err := c.dma.bind(ch, ep, ep.dir)
	if err == nil {
		r.channel = ch
		err = c.dma.setAddress(ch, r.buf[r.actual:])
	}
	if err == nil {
		err = c.dma.setLength(ch, n)
	}
	if err == nil {
		c.core.SetDMAMode(ep.slot, ep.dir, true)
		if ep.isIn() {
			err = c.core.RequestPackets(ep.slot, (n+ep.maxPacket-1)/ep.maxPacket)
		}
	}
	if err == nil {
		err = c.dma.start(ch, r)
	}
	if err != nil {
		pkg.LogWarn(pkg.ComponentDMA, "DMA start failed",
			"request", r.handle,
			"channel", ch,
			"error", err)
		c.core.SetDMAMode(ep.slot, ep.dir, false)
		c.finishLocked(r, pkg.TransferStatusError, err)
		return
	}
	r.state = StateDMAActive
	r.dmaCount = n
	r.deadline = c.clock.Now().Add(c.cfg.DMATimeout.Duration)
	pkg.LogDebug(pkg.ComponentDMA, "DMA started",
		"request", r.handle,
		"endpoint", ep.String(),
		"channel", ch,
		"length", n)
}

// dmaCompleteLocked accounts a finished DMA burst.
func (c *Controller) dmaCompleteLocked(ch int) {
	r := c.dma.request(ch)
	if r == nil || r.state != StateDMAActive || r.list != listEndpoint {
		// Cancel pending; the executor releases the channel.
		return
	}
	c.accountDMALocked(r.ep, r, ch)
	c.finishLocked(r, pkg.TransferStatusSuccess, nil)
}

// accountDMALocked adds the bytes a burst on ch moved to r and takes the
// endpoint out of DMA mode.
func (c *Controller) accountDMALocked(ep *Endpoint, r *request, ch int) {
	moved := 0
	if r.dmaCount > 0 {
		moved = r.dmaCount - c.dma.remaining(ch)
	}
	r.actual += moved
	r.dmaCount = 0
	c.core.SetDMAMode(ep.slot, ep.dir, false)
	if moved > 0 {
		ep.noHandshake = 0
		packets := (moved + ep.maxPacket - 1) / ep.maxPacket
		if packets%2 == 1 {
			ep.toggle = !ep.toggle
		}
	}
}

// haltDMALocked stops the burst of r after an endpoint error. The channel
// stays bound to r until it is restarted or r finishes.
func (c *Controller) haltDMALocked(ep *Endpoint, r *request) {
	ch := r.channel
	c.dma.stop(ch)
	c.accountDMALocked(ep, r, ch)
	pkg.LogDebug(pkg.ComponentDMA, "transfer halted",
		"request", r.handle,
		"channel", ch,
		"actual", r.actual)
}

// restartDMALocked re-issues the remainder of a halted request on the
// channel it already holds.
func (c *Controller) restartDMALocked(ep *Endpoint, r *request) {
	ch := r.channel
	c.dma.unbind(ch)
	r.channel = -1
	if r.remaining() == 0 {
		c.finishLocked(r, pkg.TransferStatusSuccess, nil)
		c.serveDMAWaitersLocked()
		return
	}
	c.startDMALocked(ep, r, ch)
}

// bulkPIOLocked issues the next packet-sized attempt of a PIO bulk
// request.
func (c *Controller) bulkPIOLocked(ep *Endpoint, r *request) {
	if ep.isIn() {
		r.state = StatePIOActive
		if err := c.core.RequestPackets(ep.slot, 1); err != nil {
			c.finishLocked(r, pkg.TransferStatusError, err)
		}
		return
	}
	c.writePacketLocked(ep, r)
}

// writePacketLocked sends the next OUT chunk of r, parking the endpoint
// while the FIFO still holds a packet.
func (c *Controller) writePacketLocked(ep *Endpoint, r *request) {
	if c.core.FIFOBusy(ep.slot, ep.dir) {
		c.parkFIFOLocked(ep, r)
		return
	}
	n := r.remaining()
	if n > ep.maxPacket {
		n = ep.maxPacket
	}
	r.pioLen = n
	r.state = StatePIOActive
	if err := c.core.WritePacket(ep.slot, r.buf[r.actual:r.actual+n]); err != nil {
		c.finishLocked(r, pkg.TransferStatusError, err)
	}
}

// bulkTxLocked handles a successful OUT packet.
func (c *Controller) bulkTxLocked(ep *Endpoint, r *request) {
	r.actual += r.pioLen
	ep.toggle = !ep.toggle
	ep.noHandshake = 0
	if r.remaining() == 0 {
		c.finishLocked(r, pkg.TransferStatusSuccess, nil)
		return
	}
	c.writePacketLocked(ep, r)
}

// bulkRxLocked handles a received IN packet.
func (c *Controller) bulkRxLocked(ep *Endpoint, r *request) {
	n, overrun, err := c.readPacketLocked(ep, r)
	if err != nil {
		c.finishLocked(r, pkg.TransferStatusError, err)
		return
	}
	ep.noHandshake = 0
	if overrun {
		c.finishLocked(r, pkg.TransferStatusOverrun,
			fmt.Errorf("%w: %v", pkg.ErrOverrun, ep))
		return
	}
	if n < ep.maxPacket || r.remaining() == 0 {
		c.finishLocked(r, pkg.TransferStatusSuccess, nil)
		return
	}
	c.bulkPIOLocked(ep, r)
}

// readPacketLocked unloads one packet from an IN slot into r. It reports
// overrun when the packet is larger than the space left in the buffer.
func (c *Controller) readPacketLocked(ep *Endpoint, r *request) (int, bool, error) {
	if len(ep.scratch) < ep.maxPacket {
		ep.scratch = make([]byte, ep.maxPacket)
	}
	n, err := c.core.ReadPacket(ep.slot, ep.scratch[:ep.maxPacket])
	if err != nil {
		return 0, false, err
	}
	copied := copy(r.buf[r.actual:], ep.scratch[:n])
	r.actual += copied
	ep.toggle = !ep.toggle
	return n, copied < n, nil
}

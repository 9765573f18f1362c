package host

import (
	"fmt"
	"sort"

	"github.com/ardnew/softotg/pkg"
)

func (c *Controller) startWatchdogsLocked() {
	c.armLocked(&c.fifoWatch, c.cfg.FIFOWatchInterval.Duration, c.fifoWatchdogLocked)
	c.armLocked(&c.dmaWatch, c.cfg.DMAWatchInterval.Duration, c.dmaWatchdogLocked)
}

func (c *Controller) stopWatchdogsLocked() {
	c.fifoWatch.stop()
	c.dmaWatch.stop()
}

// fifoWatchdogLocked patrols endpoints parked on a busy FIFO. A parked
// endpoint resumes as soon as its FIFO drains; one that stays busy past
// the deadline FIFOBusyLimit times gets its FIFO reset and its request
// fails with a timeout. The same pass hands free DMA channels to waiters
// and re-arms stalled interrupt endpoints.
func (c *Controller) fifoWatchdogLocked() {
	if !c.attached {
		return
	}
	now := c.clock.Now()
	parked := c.fifoWait.ToSlice()
	sort.Slice(parked, func(i, j int) bool { return parked[i].slot < parked[j].slot })

	for _, ep := range parked {
		r := ep.active
		if r == nil || ep.waiting != waitFIFO || r.list != listEndpoint {
			c.fifoWait.Remove(ep)
			ep.waiting = waitNone
			continue
		}
		if !c.core.FIFOBusy(ep.slot, ep.dir) {
			c.clearWaitLocked(ep)
			c.writePacketLocked(ep, r)
			continue
		}
		if now.Sub(ep.busySince) < c.cfg.FIFOBusyTimeout.Duration {
			continue
		}
		ep.busyHits++
		ep.busySince = now
		if ep.busyHits < c.cfg.FIFOBusyLimit {
			pkg.LogDebug(pkg.ComponentWatchdog, "FIFO still busy",
				"endpoint", ep.String(),
				"hits", ep.busyHits)
			continue
		}
		pkg.LogWarn(pkg.ComponentWatchdog, "FIFO reset",
			"endpoint", ep.String(),
			"request", r.handle)
		c.core.FlushEndpoint(ep.slot, ep.dir)
		ep.toggle = false
		ep.stats.ConsecutiveTimeouts++
		c.finishLocked(r, pkg.TransferStatusTimeout,
			fmt.Errorf("%w: FIFO busy on %v", pkg.ErrTimeout, ep))
	}

	c.serveDMAWaitersLocked()

	c.endpoints.each(func(ep *Endpoint) {
		if ep.stalled {
			c.forceRearmLocked(ep)
		}
	})

	if c.attached {
		c.armLocked(&c.fifoWatch, c.cfg.FIFOWatchInterval.Duration, c.fifoWatchdogLocked)
	}
}

// dmaWatchdogLocked force-finishes DMA transfers running past their
// deadline and frees their channels.
func (c *Controller) dmaWatchdogLocked() {
	if !c.attached {
		return
	}
	now := c.clock.Now()
	for ch := range c.dma.channels {
		r := c.dma.request(ch)
		if r == nil || r.state != StateDMAActive || r.list != listEndpoint || now.Before(r.deadline) {
			continue
		}
		ep := r.ep
		pkg.LogWarn(pkg.ComponentWatchdog, "DMA timeout",
			"endpoint", ep.String(),
			"request", r.handle,
			"channel", ch)
		c.abortLocked(r)
		ep.stats.ConsecutiveTimeouts++
		c.finishLocked(r, pkg.TransferStatusTimeout,
			fmt.Errorf("%w: DMA channel %d on %v", pkg.ErrTimeout, ch, ep))
	}
	if c.attached {
		c.armLocked(&c.dmaWatch, c.cfg.DMAWatchInterval.Duration, c.dmaWatchdogLocked)
	}
}

package host

import (
	"fmt"

	"github.com/ardnew/softotg/host/hal"
	"github.com/ardnew/softotg/pkg"
)

// HandleInterrupt services the shared interrupt line: DMA completions,
// control, OUT and IN endpoint events, and connection changes. It loops
// while the hardware keeps reporting events, then kicks the executor.
func (c *Controller) HandleInterrupt() {
	c.mutex.Lock()
	if !c.running {
		c.mutex.Unlock()
		return
	}
	var st hal.IRQStatus
	for pass := 0; pass < maxIRQPasses; pass++ {
		dma := c.serviceDMALocked()
		if !c.core.ReadInterrupts(&st) {
			if !dma {
				break
			}
			continue
		}
		c.dispatchIRQLocked(&st)
	}
	c.mutex.Unlock()
	c.kick()
}

func (c *Controller) dispatchIRQLocked(st *hal.IRQStatus) {
	if st.Connect || st.Disconnect {
		pkg.LogDebug(pkg.ComponentHotplug, "connection interrupt",
			"connect", st.Connect,
			"disconnect", st.Disconnect)
		c.nudgeHotplugLocked()
	}
	if st.Control && c.attached {
		c.controlEventLocked(st.ControlError)
	}
	for slot := uint8(1); slot < hal.MaxSlots; slot++ {
		bit := uint16(1) << slot
		if st.Tx&bit != 0 && c.attached {
			c.endpointEventLocked(c.endpoints.out[slot], st.TxError[slot])
		}
		if st.Rx&bit != 0 && c.attached {
			c.endpointEventLocked(c.endpoints.in[slot], st.RxError[slot])
		}
	}
}

// serviceDMALocked polls every channel for a completion interrupt.
func (c *Controller) serviceDMALocked() bool {
	seen := false
	for ch := range c.dma.channels {
		if !c.dma.hw.Pending(ch) {
			continue
		}
		seen = true
		complete := c.dma.isComplete(ch)
		c.dma.clearPending(ch)
		if complete && c.dma.channels[ch].bound() {
			c.dmaCompleteLocked(ch)
		}
	}
	return seen
}

// endpointEventLocked routes a packet event of a bank endpoint to its
// state machine.
func (c *Controller) endpointEventLocked(ep *Endpoint, code hal.ErrorCode) {
	if ep == nil {
		return
	}
	r := ep.active
	if r == nil || r.list != listEndpoint {
		return
	}
	switch r.state {
	case StatePIOActive:
	case StateDMAActive:
		// Data moves through the channel; only errors arrive here.
		if code == hal.ErrorNone {
			return
		}
	default:
		return
	}
	if code != hal.ErrorNone {
		c.hardwareErrorLocked(ep, r, code)
		return
	}
	ep.stats.ConsecutiveErrors = 0

	switch {
	case ep.typ == hal.TransferBulk && ep.isIn():
		c.bulkRxLocked(ep, r)
	case ep.typ == hal.TransferBulk:
		c.bulkTxLocked(ep, r)
	case ep.isIn():
		c.periodicRxLocked(ep, r)
	default:
		c.periodicTxLocked(ep, r)
	}
}

// hardwareErrorLocked applies the recovery policy to a failed packet.
//
// Isochronous errors finish the request with what was transferred. A
// no-handshake on a bulk endpoint also counts toward the disconnect
// ceiling, which is checked first and wins over the retry ceiling.
// A DMA burst is stopped and its moved bytes kept before anything else.
// Transient errors re-issue the same attempt until the retry ceiling is
// exceeded and are then handled as a stall. Stall and reserved errors
// reset the endpoint FIFO and data toggle and fail the request.
func (c *Controller) hardwareErrorLocked(ep *Endpoint, r *request, code hal.ErrorCode) {
	ep.stats.ConsecutiveErrors++

	if ep.typ == hal.TransferIsochronous {
		c.finishLocked(r, pkg.TransferStatusError,
			fmt.Errorf("%w: isochronous %v", pkg.ErrProtocol, code))
		return
	}

	if code == hal.ErrorNoHandshake && ep.typ == hal.TransferBulk {
		ep.noHandshake++
		if ep.noHandshake > c.cfg.DisconnectLimit {
			pkg.LogError(pkg.ComponentWatchdog, "no-handshake ceiling exceeded",
				"endpoint", ep.String(),
				"count", ep.noHandshake)
			c.deviceGoneLocked()
			return
		}
	}

	if r.state == StateDMAActive {
		c.haltDMALocked(ep, r)
	}

	exhausted := false
	if code.Transient() {
		r.retries++
		if r.retries <= c.cfg.MaxRetries {
			pkg.LogDebug(pkg.ComponentEndpoint, "retrying",
				"request", r.handle,
				"error", code,
				"attempt", r.retries)
			c.retryLocked(ep, r)
			return
		}
		exhausted = true
	}

	if !ep.isControl() {
		c.core.FlushEndpoint(ep.slot, ep.dir)
	}
	ep.toggle = false

	status := pkg.TransferStatusStall
	err := fmt.Errorf("%w: %v", pkg.ErrStall, ep)
	switch {
	case exhausted:
		err = fmt.Errorf("%w: %v after %d retries: %w", pkg.ErrStall, code, c.cfg.MaxRetries, pkg.ErrTransientHardware)
	case code != hal.ErrorStall:
		status = pkg.TransferStatusError
		err = fmt.Errorf("%w: %v on %v", pkg.ErrProtocol, code, ep)
	}
	pkg.LogWarn(pkg.ComponentEndpoint, "endpoint reset",
		"endpoint", ep.String(),
		"request", r.handle,
		"error", code,
		"status", status)
	c.finishLocked(r, status, err)
}

// retryLocked re-issues the hardware attempt that failed.
func (c *Controller) retryLocked(ep *Endpoint, r *request) {
	switch ep.typ {
	case hal.TransferControl:
		c.controlAttemptLocked(ep, r)
	case hal.TransferBulk:
		if r.channel >= 0 {
			c.restartDMALocked(ep, r)
			return
		}
		c.bulkPIOLocked(ep, r)
	case hal.TransferInterrupt:
		if ep.isIn() {
			// The next period re-primes.
			r.primed = false
			return
		}
		c.writePeriodicLocked(ep, r)
	}
}

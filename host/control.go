package host

import (
	"fmt"

	"github.com/ardnew/softotg/host/hal"
	"github.com/ardnew/softotg/pkg"
)

// startControlLocked sends the SETUP stage of the active control request.
// The shared control endpoint serializes control transfers controller-wide.
func (c *Controller) startControlLocked(ep *Endpoint, r *request) {
	r.phase = phaseSetup
	r.state = StatePIOActive
	if err := c.core.WriteSetup(r.dev, &r.setup); err != nil {
		c.finishLocked(r, pkg.TransferStatusError, err)
	}
}

// controlAttemptLocked re-issues the hardware attempt of the current phase.
func (c *Controller) controlAttemptLocked(ep *Endpoint, r *request) {
	var err error
	switch r.phase {
	case phaseSetup:
		err = c.core.WriteSetup(r.dev, &r.setup)
	case phaseDataIn:
		err = c.core.RequestPackets(controlSlot, 1)
	case phaseDataOut:
		err = c.writeControlLocked(r)
	case phaseStatus:
		err = c.core.StartStatus(r.dev, r.statusIn())
	}
	if err != nil {
		c.finishLocked(r, pkg.TransferStatusError, err)
	}
}

// statusIn reports the direction of the status stage: opposite to the data
// stage, IN when there is none.
func (r *request) statusIn() bool {
	return len(r.buf) == 0 || r.setup.DataDirection() == hal.DirOut
}

func (c *Controller) writeControlLocked(r *request) error {
	n := r.remaining()
	if n > ControlMaxPacket {
		n = ControlMaxPacket
	}
	r.pioLen = n
	return c.core.WritePacket(controlSlot, r.buf[r.actual:r.actual+n])
}

func (c *Controller) enterStatusLocked(r *request) error {
	r.phase = phaseStatus
	return c.core.StartStatus(r.dev, r.statusIn())
}

// controlEventLocked advances the control state machine on a control
// endpoint interrupt.
func (c *Controller) controlEventLocked(code hal.ErrorCode) {
	ep := c.endpoints.control
	r := ep.active
	if r == nil || r.list != listEndpoint || r.state != StatePIOActive {
		return
	}
	if code != hal.ErrorNone {
		if r.phase == phaseSetup {
			ep.stats.ConsecutiveErrors++
			status, err := pkg.TransferStatusError, fmt.Errorf("%w: SETUP %v", pkg.ErrProtocol, code)
			if code == hal.ErrorStall {
				status, err = pkg.TransferStatusStall, fmt.Errorf("%w: SETUP", pkg.ErrStall)
			}
			pkg.LogWarn(pkg.ComponentEndpoint, "SETUP failed",
				"request", r.handle,
				"device", r.dev,
				"error", code)
			c.finishLocked(r, status, err)
			return
		}
		c.hardwareErrorLocked(ep, r, code)
		return
	}
	ep.stats.ConsecutiveErrors = 0

	var err error
	switch r.phase {
	case phaseSetup:
		switch {
		case len(r.buf) == 0:
			err = c.enterStatusLocked(r)
		case r.setup.DataDirection() == hal.DirIn:
			r.phase = phaseDataIn
			err = c.core.RequestPackets(controlSlot, 1)
		default:
			r.phase = phaseDataOut
			err = c.writeControlLocked(r)
		}

	case phaseDataIn:
		n, overrun, rerr := c.readPacketLocked(ep, r)
		switch {
		case rerr != nil:
			err = rerr
		case overrun:
			c.finishLocked(r, pkg.TransferStatusOverrun,
				fmt.Errorf("%w: control data stage", pkg.ErrOverrun))
			return
		case n < ControlMaxPacket || r.remaining() == 0:
			err = c.enterStatusLocked(r)
		default:
			err = c.core.RequestPackets(controlSlot, 1)
		}

	case phaseDataOut:
		r.actual += r.pioLen
		if r.remaining() == 0 {
			err = c.enterStatusLocked(r)
		} else {
			err = c.writeControlLocked(r)
		}

	case phaseStatus:
		c.finishLocked(r, pkg.TransferStatusSuccess, nil)
		return
	}
	if err != nil {
		c.finishLocked(r, pkg.TransferStatusError, err)
	}
}

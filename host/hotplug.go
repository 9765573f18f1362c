package host

import (
	"time"

	"github.com/jpillora/backoff"

	"github.com/ardnew/softotg/host/hal"
	"github.com/ardnew/softotg/pkg"
)

// hotplugState is the debounced connection monitor. Each tick samples the
// connection; a sample equal to the provisional value counts toward the
// debounce window, a different one becomes the new provisional value and
// delays the next tick by the settle time. A state is accepted once the
// window is full.
type hotplugState struct {
	timer watch
	retry watch

	provisional bool
	matches     int
	stable      bool

	bringUp backoff.Backoff
}

func (h *hotplugState) init(cfg Config) {
	h.bringUp = backoff.Backoff{
		Min:    cfg.BringUpBackoffMin.Duration,
		Max:    cfg.BringUpBackoffMax.Duration,
		Factor: 2,
	}
}

func (h *hotplugState) restart() {
	h.matches = 0
	h.stable = false
	h.bringUp.Reset()
}

func (h *hotplugState) stop() {
	h.timer.stop()
	h.retry.stop()
}

func (c *Controller) armHotplugLocked(d time.Duration) {
	c.armLocked(&c.hotplug.timer, d, c.hotplugTickLocked)
}

// nudgeHotplugLocked restarts the settle delay after a connection
// interrupt.
func (c *Controller) nudgeHotplugLocked() {
	c.armHotplugLocked(c.cfg.HotplugSettle.Duration)
}

func (c *Controller) hotplugTickLocked() {
	h := &c.hotplug
	sample := c.core.Connected()
	next := c.cfg.HotplugPoll.Duration

	if h.matches > 0 && sample == h.provisional {
		h.matches++
	} else {
		if h.matches > 0 {
			pkg.LogDebug(pkg.ComponentHotplug, "connection changed, settling",
				"connected", sample)
			next = c.cfg.HotplugSettle.Duration
		}
		h.provisional = sample
		h.matches = 1
	}

	if h.matches >= c.cfg.DebounceSamples && sample != h.stable {
		h.stable = sample
		if sample {
			pkg.LogInfo(pkg.ComponentHotplug, "device attached")
			c.bringUpLocked()
		} else {
			pkg.LogInfo(pkg.ComponentHotplug, "device detached")
			c.detachLocked(ReasonHotplug)
			h.matches = 0
			next = c.cfg.HotplugSettle.Duration
		}
	}
	c.armHotplugLocked(next)
}

// bringUpLocked resets and enables the core for a newly attached device
// and reprograms every enabled endpoint. A failing reset is retried with
// exponential backoff while the device stays attached.
func (c *Controller) bringUpLocked() {
	h := &c.hotplug
	err := c.core.Reset()
	if err == nil {
		err = c.core.SetEnabled(true)
	}
	if err != nil {
		d := h.bringUp.Duration()
		pkg.LogWarn(pkg.ComponentController, "bring-up failed",
			"error", err,
			"retry", d)
		c.armLocked(&h.retry, d, func() {
			if h.stable && !c.attached {
				c.bringUpLocked()
			}
		})
		return
	}
	h.bringUp.Reset()

	c.speed = c.core.Speed()
	c.endpoints.each(func(ep *Endpoint) {
		ep.toggle = false
		ep.noHandshake = 0
		ep.rearms = 0
		ep.stalled = false
		if ep.isControl() {
			return
		}
		ep.period = periodFor(ep.desc.Interval, c.speed)
		if err := c.core.ConfigureEndpoint(ep.config()); err != nil {
			pkg.LogWarn(pkg.ComponentEndpoint, "endpoint reconfigure failed",
				"endpoint", ep.String(),
				"error", err)
		}
	})
	c.attached = true
	c.startWatchdogsLocked()
	c.events = append(c.events, ConnectionEvent{
		Attached: true,
		Speed:    c.speed,
		Reason:   ReasonHotplug,
	})
	pkg.LogInfo(pkg.ComponentController, "controller up", "speed", c.speed)
}

// detachLocked tears down the attached state: every outstanding request
// finishes with the disconnected status and the core is disabled.
func (c *Controller) detachLocked(reason string) {
	c.hotplug.retry.stop()
	if !c.attached {
		return
	}
	c.attached = false
	c.stopWatchdogsLocked()
	c.flushLocked(pkg.TransferStatusDisconnected, pkg.ErrDeviceGone)
	if err := c.core.SetEnabled(false); err != nil {
		pkg.LogError(pkg.ComponentController, "core disable failed", "error", err)
	}
	c.speed = hal.SpeedUnknown
	c.events = append(c.events, ConnectionEvent{Reason: reason})
}

// deviceGoneLocked declares the device disconnected from the error path
// and restarts connection monitoring from scratch.
func (c *Controller) deviceGoneLocked() {
	c.detachLocked(ReasonDeviceGone)
	c.hotplug.restart()
	c.armHotplugLocked(c.cfg.HotplugSettle.Duration)
}

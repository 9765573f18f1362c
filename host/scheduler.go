package host

import (
	"context"
	"time"

	"github.com/gammazero/deque"

	"github.com/ardnew/softotg/host/hal"
	"github.com/ardnew/softotg/pkg"
)

// watch is a restartable one-shot timer. Callbacks carry the sequence
// number they were armed with and do nothing once it is stale.
type watch struct {
	timer hal.Timer
	seq   uint64
}

func (w *watch) stop() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.seq++
}

func (w *watch) armed() bool {
	return w.timer != nil
}

// armLocked schedules fire to run under the controller lock after d. The
// executor is kicked once fire returns.
func (c *Controller) armLocked(w *watch, d time.Duration, fire func()) {
	w.stop()
	seq := w.seq
	w.timer = c.clock.AfterFunc(d, func() {
		c.mutex.Lock()
		if w.seq != seq || !c.running {
			c.mutex.Unlock()
			return
		}
		w.timer = nil
		fire()
		c.mutex.Unlock()
		c.kick()
	})
}

// kick schedules the deferred executor.
func (c *Controller) kick() {
	if c.cfg.Dispatch == DispatchWorker {
		select {
		case c.wake <- struct{}{}:
		default:
		}
		return
	}
	c.RunPending()
}

func (c *Controller) worker(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
			c.RunPending()
		}
	}
}

// RunPending runs the deferred executor until the work lists are empty. At
// most one executor runs at a time; a call made while one is running makes
// it take another full pass instead.
func (c *Controller) RunPending() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.executing {
		c.again = true
		return
	}
	c.executing = true
	for {
		c.again = false
		c.passLocked()
		if !c.again {
			break
		}
	}
	c.executing = false
}

func (c *Controller) pendingLocked() bool {
	return len(c.events) > 0 || c.cancelQ.Len() > 0 || c.finishedQ.Len() > 0 || c.submitQ.Len() > 0
}

// passLocked drains the cancel, finished and submit lists in that order
// until all are empty.
func (c *Controller) passLocked() {
	for c.pendingLocked() {
		c.deliverEventsLocked()

		for c.cancelQ.Len() > 0 {
			r := c.cancelQ.PopFront()
			r.list = listNone
			c.teardownLocked(r)
			c.completeLocked(r)
		}

		for c.finishedQ.Len() > 0 {
			r := c.finishedQ.PopFront()
			r.list = listNone
			c.completeLocked(r)
		}

		for c.submitQ.Len() > 0 {
			r := c.submitQ.PopFront()
			r.list = listNone
			c.dispatchLocked(r)
		}
	}
}

func (c *Controller) deliverEventsLocked() {
	for len(c.events) > 0 {
		ev := c.events[0]
		c.events = c.events[1:]
		cb := c.onConnect
		if cb == nil {
			continue
		}
		c.mutex.Unlock()
		cb(ev)
		c.mutex.Lock()
	}
}

// dispatchLocked moves a submitted request onto its endpoint queue.
func (c *Controller) dispatchLocked(r *request) {
	if !c.attached {
		r.state = StateFinished
		r.status = pkg.TransferStatusDisconnected
		r.err = pkg.ErrDeviceGone
		r.list = listFinished
		c.finishedQ.PushBack(r)
		return
	}
	ep := r.ep
	ep.queue.PushBack(r)
	r.list = listEndpoint
	c.advanceLocked(ep)
}

// completeLocked hands a request to its callback and returns it to the
// pool. The lock is released around the callback. The request no longer
// counts against its endpoint by then, so the callback may disable it.
func (c *Controller) completeLocked(r *request) {
	ep := r.ep
	if r.state != StateCancelled {
		r.state = StateFinished
	}
	comp := Completion{
		Handle:   r.handle,
		Device:   r.dev,
		Endpoint: ep.desc.Address,
		Actual:   r.actual,
		Status:   r.status,
	}
	if r.status != pkg.TransferStatusSuccess {
		comp.Err = r.err
		if comp.Err == nil {
			comp.Err = r.status.Error()
		}
	}
	ep.stats.Completed++
	pkg.LogDebug(pkg.ComponentScheduler, "request complete",
		"request", r.handle,
		"endpoint", ep.String(),
		"actual", r.actual,
		"status", r.status)

	ep.inflight--
	if ep.inflight == 0 && ep.drained != nil {
		close(ep.drained)
		ep.drained = nil
	}

	if cb := r.callback; cb != nil {
		c.mutex.Unlock()
		cb(comp)
		c.mutex.Lock()
	}
	c.pool.release(r)
}

// advanceLocked starts the head of the endpoint queue if the endpoint is
// idle.
func (c *Controller) advanceLocked(ep *Endpoint) {
	if !c.attached || ep.active != nil || ep.queue.Len() == 0 {
		return
	}
	r := ep.queue.Front()
	ep.active = r
	r.retries = 0

	switch ep.typ {
	case hal.TransferControl:
		c.startControlLocked(ep, r)
	case hal.TransferBulk:
		c.startBulkLocked(ep, r)
	case hal.TransferInterrupt, hal.TransferIsochronous:
		c.startPeriodicLocked(ep, r)
	}
}

// finishLocked completes the active request of an endpoint and lets the
// next request and any DMA waiter proceed.
func (c *Controller) finishLocked(r *request, status pkg.TransferStatus, err error) {
	ep := r.ep
	freed := r.channel >= 0
	c.retireLocked(r, status, err)
	if status == pkg.TransferStatusSuccess {
		ep.stats.ConsecutiveErrors = 0
		ep.stats.ConsecutiveTimeouts = 0
	}
	if freed {
		c.serveDMAWaitersLocked()
	}
	if ep.active == nil && ep.queue.Len() == 0 {
		ep.stopTimer()
	}
	c.advanceLocked(ep)
}

// retireLocked unlinks a request from wherever it lives, releases its
// endpoint and DMA channel, and queues it for completion.
func (c *Controller) retireLocked(r *request, status pkg.TransferStatus, err error) {
	ep := r.ep
	switch r.list {
	case listEndpoint:
		ep.removeQueued(r)
	case listSubmit:
		removeRequest(c.submitQ, r)
	case listCancel:
		removeRequest(c.cancelQ, r)
	case listFinished:
		return
	}
	c.unbindLocked(r)
	r.status = status
	r.err = err
	r.state = StateFinished
	r.list = listFinished
	c.finishedQ.PushBack(r)
}

// unbindLocked releases the endpoint hardware and DMA channel held by r.
func (c *Controller) unbindLocked(r *request) {
	ep := r.ep
	if r.channel >= 0 {
		c.dma.unbind(r.channel)
		r.channel = -1
	}
	if ep.active == r {
		ep.active = nil
		c.clearWaitLocked(ep)
	}
}

// abortLocked stops hardware activity of an in-flight request, keeping the
// bytes already moved.
func (c *Controller) abortLocked(r *request) {
	ep := r.ep
	switch r.state {
	case StateDMAActive:
		ch := r.channel
		c.dma.stop(ch)
		c.accountDMALocked(ep, r, ch)
		c.core.FlushEndpoint(ep.slot, ep.dir)
		ep.toggle = false
		ep.stats.StoppedMidTransfer++
		pkg.LogDebug(pkg.ComponentDMA, "transfer stopped",
			"request", r.handle,
			"channel", ch,
			"actual", r.actual)
	case StatePIOActive:
		if !ep.isControl() {
			c.core.FlushEndpoint(ep.slot, ep.dir)
			ep.toggle = false
		}
		ep.stats.StoppedMidTransfer++
	}
}

// teardownLocked releases a cancelled request before its callback runs.
func (c *Controller) teardownLocked(r *request) {
	ep := r.ep
	wasActive := ep.active == r
	if wasActive {
		c.abortLocked(r)
	}
	freed := r.channel >= 0
	c.unbindLocked(r)
	r.state = StateCancelled
	if freed {
		c.serveDMAWaitersLocked()
	}
	if wasActive {
		if ep.queue.Len() == 0 {
			ep.stopTimer()
		}
		c.advanceLocked(ep)
	}
}

func (c *Controller) clearWaitLocked(ep *Endpoint) {
	switch ep.waiting {
	case waitDMA:
		if i := c.dmaWaiters.Index(func(w *Endpoint) bool { return w == ep }); i >= 0 {
			c.dmaWaiters.Remove(i)
		}
	case waitFIFO:
		c.fifoWait.Remove(ep)
	}
	ep.waiting = waitNone
	ep.busyHits = 0
}

// serveDMAWaitersLocked hands free channels to parked bulk endpoints in the
// order they started waiting.
func (c *Controller) serveDMAWaitersLocked() {
	for c.attached && c.dmaWaiters.Len() > 0 {
		ep := c.dmaWaiters.Front()
		r := ep.active
		if r == nil || ep.waiting != waitDMA || r.list != listEndpoint {
			c.dmaWaiters.PopFront()
			ep.waiting = waitNone
			continue
		}
		ch, ok := c.dma.acquire(ep.dir)
		if !ok {
			return
		}
		c.dmaWaiters.PopFront()
		ep.waiting = waitNone
		pkg.LogDebug(pkg.ComponentDMA, "waiter served", "request", r.handle, "channel", ch)
		c.startDMALocked(ep, r, ch)
	}
}

// flushLocked finishes every request that has not reached its callback
// yet with status. Callers clear attached first so nothing restarts.
func (c *Controller) flushLocked(status pkg.TransferStatus, err error) {
	n := 0
	c.endpoints.each(func(ep *Endpoint) {
		ep.stopTimer()
		if r := ep.active; r != nil {
			c.abortLocked(r)
		}
		for ep.queue.Len() > 0 {
			r := ep.queue.Front()
			ep.stats.ForceUnlinked++
			c.retireLocked(r, status, err)
			n++
		}
		if r := ep.active; r != nil {
			// Cancel pending
			c.unbindLocked(r)
		}
		ep.rearms = 0
		ep.stalled = false
	})
	for _, q := range []*deque.Deque[*request]{c.submitQ, c.cancelQ} {
		for q.Len() > 0 {
			r := q.Front()
			r.ep.stats.ForceUnlinked++
			c.retireLocked(r, status, err)
			n++
		}
	}
	c.dmaWaiters.Clear()
	c.fifoWait.Clear()
	if n > 0 {
		pkg.LogInfo(pkg.ComponentScheduler, "requests flushed", "count", n, "status", status)
	}
}

package host

import (
	"context"
	"fmt"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gammazero/deque"

	"github.com/ardnew/softotg/host/hal"
	"github.com/ardnew/softotg/pkg"
)

// ConnectionEvent reports an accepted attach or detach.
type ConnectionEvent struct {
	Attached bool
	Speed    hal.Speed
	Reason   string
}

// Connection change reasons.
const (
	ReasonHotplug    = "hotplug"
	ReasonDeviceGone = "device-gone"
	ReasonShutdown   = "shutdown"
)

// Controller is the transfer engine of one OTG core in host mode.
//
// All state is guarded by a single mutex shared by callers, the interrupt
// handler and timer callbacks. Hardware and list updates happen under the
// lock; completion callbacks and connection notifications run from the
// deferred executor with the lock released.
type Controller struct {
	cfg   Config
	core  hal.Core
	dma   *dmaCoordinator
	clock hal.Clock

	fifo      *fifoAllocator
	endpoints *registry
	pool      *requestPool

	// Work lists drained by the executor
	submitQ   *deque.Deque[*request]
	cancelQ   *deque.Deque[*request]
	finishedQ *deque.Deque[*request]

	// Bulk endpoints parked for a DMA channel, in arrival order
	dmaWaiters *deque.Deque[*Endpoint]
	// Bulk OUT endpoints parked on a busy FIFO
	fifoWait mapset.Set[*Endpoint]

	// Executor re-entrancy guard
	executing bool
	again     bool
	wake      chan struct{}

	running  bool
	attached bool
	speed    hal.Speed

	hotplug   hotplugState
	fifoWatch watch
	dmaWatch  watch

	onConnect func(ConnectionEvent)
	events    []ConnectionEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mutex  sync.Mutex
}

// New creates a controller for the given core and DMA engine. A nil clock
// selects the system clock; a nil DMA engine forces PIO for every transfer.
func New(core hal.Core, dma hal.DMA, cfg Config, clock hal.Clock) (*Controller, error) {
	if core == nil {
		return nil, fmt.Errorf("%w: nil core", pkg.ErrInvalidParameter)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = hal.SystemClock()
	}

	c := &Controller{
		cfg:        cfg,
		core:       core,
		dma:        newDMACoordinator(dma),
		clock:      clock,
		fifo:       newFIFOAllocator(cfg.FIFOSize),
		endpoints:  newRegistry(cfg.SlotsIn, cfg.SlotsOut),
		pool:       newRequestPool(cfg.RequestPoolSize),
		submitQ:    deque.New[*request](),
		cancelQ:    deque.New[*request](),
		finishedQ:  deque.New[*request](),
		dmaWaiters: deque.New[*Endpoint](),
		fifoWait:   mapset.NewThreadUnsafeSet[*Endpoint](),
		wake:       make(chan struct{}, 1),
	}
	c.hotplug.init(cfg)

	region, ok := c.fifo.allocate(ControlMaxPacket)
	if !ok {
		return nil, fmt.Errorf("%w: no FIFO space for the control endpoint", pkg.ErrConfiguration)
	}
	c.endpoints.control.fifo = region
	return c, nil
}

// Config returns the controller configuration.
func (c *Controller) Config() Config {
	return c.cfg
}

// Start begins connection monitoring. With worker dispatch it also starts
// the executor goroutine, which exits when ctx is done or Stop is called.
func (c *Controller) Start(ctx context.Context) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.running {
		return pkg.ErrAlreadyRunning
	}

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.running = true
	c.hotplug.restart()
	c.armHotplugLocked(c.cfg.HotplugSettle.Duration)

	if c.cfg.Dispatch == DispatchWorker {
		c.wg.Add(1)
		go c.worker(c.ctx)
	}

	pkg.LogInfo(pkg.ComponentController, "controller started",
		"dispatch", c.cfg.Dispatch,
		"dma_channels", len(c.dma.channels))
	return nil
}

// Stop stops every timer, finishes all outstanding requests with the
// shutdown status and disables the core. Completion callbacks have run by
// the time Stop returns.
func (c *Controller) Stop() error {
	c.mutex.Lock()
	if !c.running {
		c.mutex.Unlock()
		return nil
	}
	c.running = false
	c.hotplug.stop()
	c.stopWatchdogsLocked()

	wasAttached := c.attached
	c.attached = false
	c.flushLocked(pkg.TransferStatusShutdown, pkg.ErrShutdown)
	err := c.core.SetEnabled(false)
	if wasAttached {
		c.events = append(c.events, ConnectionEvent{Reason: ReasonShutdown})
	}
	c.speed = hal.SpeedUnknown
	if c.cancel != nil {
		c.cancel()
	}
	c.mutex.Unlock()

	c.RunPending()
	c.wg.Wait()

	pkg.LogInfo(pkg.ComponentController, "controller stopped")
	return err
}

// IsRunning reports whether the controller was started and not stopped.
func (c *Controller) IsRunning() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.running
}

// Attached reports whether a device is attached and the core brought up.
func (c *Controller) Attached() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.attached
}

// Speed returns the speed of the attached device.
func (c *Controller) Speed() hal.Speed {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.speed
}

// OnConnectionChange sets the callback for accepted attach and detach
// transitions.
func (c *Controller) OnConnectionChange(cb func(ConnectionEvent)) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.onConnect = cb
}

// EnableEndpoint binds a device endpoint to a free hardware slot and FIFO
// region. Enabling an endpoint that is already enabled with the same
// descriptor is a no-op.
func (c *Controller) EnableEndpoint(dev hal.DeviceAddress, desc hal.EndpointDescriptor) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if ep := c.endpoints.lookup(dev, desc.Address); ep != nil {
		if ep.isControl() || ep.desc == desc {
			return nil
		}
		return fmt.Errorf("%w: %v already enabled", pkg.ErrInvalidState, ep)
	}
	_, err := c.enableLocked(dev, desc)
	return err
}

func (c *Controller) enableLocked(dev hal.DeviceAddress, desc hal.EndpointDescriptor) (*Endpoint, error) {
	if desc.Number() == 0 {
		return c.endpoints.control, nil
	}
	if desc.TransferType() == hal.TransferControl {
		return nil, fmt.Errorf("%w: control endpoint %#02x must be endpoint 0", pkg.ErrInvalidEndpoint, desc.Address)
	}
	slot, ok := c.endpoints.freeSlot(desc.Direction())
	if !ok {
		return nil, fmt.Errorf("%w: no free %v endpoint slot", pkg.ErrNoResources, desc.Direction())
	}

	ep := newEndpoint(slot, dev, desc, c.speed)
	region, ok := c.fifo.allocate(ep.maxPacket)
	if !ok {
		pkg.LogWarn(pkg.ComponentFIFO, "FIFO exhausted",
			"size", ep.maxPacket,
			"free", c.fifo.free(),
			"capacity", c.fifo.capacity())
		return nil, fmt.Errorf("%w: no FIFO space for %d bytes", pkg.ErrConfiguration, ep.maxPacket)
	}
	ep.fifo = region

	if c.attached {
		if err := c.core.ConfigureEndpoint(ep.config()); err != nil {
			c.fifo.release(region.offset)
			return nil, fmt.Errorf("%w: %v", pkg.ErrConfiguration, err)
		}
	}
	c.endpoints.add(ep)
	return ep, nil
}

// DisableEndpoint waits for every request on the endpoint to complete, then
// releases its slot and FIFO region. New submissions are rejected while it
// waits.
func (c *Controller) DisableEndpoint(ctx context.Context, dev hal.DeviceAddress, addr uint8) error {
	c.mutex.Lock()
	ep := c.endpoints.lookup(dev, addr)
	if ep == nil || ep.isControl() {
		c.mutex.Unlock()
		return fmt.Errorf("%w: dev %d addr %#02x", pkg.ErrInvalidEndpoint, dev, addr)
	}
	ep.disabling = true
	for ep.inflight > 0 {
		if ep.drained == nil {
			ep.drained = make(chan struct{})
		}
		drained := ep.drained
		c.mutex.Unlock()
		select {
		case <-drained:
		case <-ctx.Done():
			c.mutex.Lock()
			ep.disabling = false
			c.mutex.Unlock()
			return ctx.Err()
		}
		c.mutex.Lock()
	}
	defer c.mutex.Unlock()

	ep.stopTimer()
	c.clearWaitLocked(ep)
	if c.attached {
		c.core.ReleaseEndpoint(ep.slot, ep.dir)
	}
	c.fifo.release(ep.fifo.offset)
	c.endpoints.remove(ep)
	pkg.LogDebug(pkg.ComponentEndpoint, "endpoint disabled", "endpoint", ep.String())
	return nil
}

// Submit queues a transfer. The endpoint is enabled on first use. The
// returned handle stays valid until the completion callback returns.
func (c *Controller) Submit(t *Transfer) (Handle, error) {
	if t == nil {
		return Handle{}, fmt.Errorf("%w: nil transfer", pkg.ErrInvalidParameter)
	}

	c.mutex.Lock()
	h, err := c.submitLocked(t)
	c.mutex.Unlock()
	if err != nil {
		return Handle{}, err
	}
	c.kick()
	return h, nil
}

func (c *Controller) submitLocked(t *Transfer) (Handle, error) {
	if !c.running {
		return Handle{}, pkg.ErrNotRunning
	}
	if !c.attached {
		return Handle{}, pkg.ErrDeviceGone
	}

	ep := c.endpoints.lookup(t.Device, t.Endpoint.Address)
	if ep == nil {
		var err error
		if ep, err = c.enableLocked(t.Device, t.Endpoint); err != nil {
			return Handle{}, err
		}
	}
	if ep.disabling {
		return Handle{}, fmt.Errorf("%w: %v is being disabled", pkg.ErrInvalidState, ep)
	}

	buf := t.Buffer
	if ep.isControl() {
		if t.Setup == nil {
			return Handle{}, fmt.Errorf("%w: control transfer without setup packet", pkg.ErrInvalidParameter)
		}
		if len(buf) < int(t.Setup.Length) {
			return Handle{}, fmt.Errorf("%w: buffer of %d bytes for wLength %d",
				pkg.ErrInvalidParameter, len(buf), t.Setup.Length)
		}
		buf = buf[:t.Setup.Length]
	} else if t.Endpoint.TransferType() != ep.typ {
		return Handle{}, fmt.Errorf("%w: %v is %v, not %v",
			pkg.ErrInvalidEndpoint, ep, ep.typ, t.Endpoint.TransferType())
	}

	r := c.pool.acquire()
	r.ep = ep
	r.dev = t.Device
	r.buf = buf
	r.callback = t.Callback
	if t.Setup != nil {
		r.setup = *t.Setup
	}
	r.state = StateSubmitted
	r.list = listSubmit
	c.submitQ.PushBack(r)

	ep.inflight++
	ep.stats.Submitted++
	pkg.LogDebug(pkg.ComponentScheduler, "request submitted",
		"request", r.handle,
		"endpoint", ep.String(),
		"length", len(buf))
	return r.handle, nil
}

// Cancel requests early completion of a submitted request with status,
// which defaults to cancelled. A request already handed to its callback is
// rejected with ErrInvalidRequest; cancelling twice is not an error.
func (c *Controller) Cancel(h Handle, status pkg.TransferStatus) error {
	if status == pkg.TransferStatusSuccess {
		status = pkg.TransferStatusCancelled
	}

	c.mutex.Lock()
	r, ok := c.pool.lookup(h)
	if !ok {
		c.mutex.Unlock()
		return fmt.Errorf("%w: %v", pkg.ErrInvalidRequest, h)
	}
	switch r.list {
	case listCancel:
		c.mutex.Unlock()
		return nil
	case listSubmit:
		removeRequest(c.submitQ, r)
	case listEndpoint:
		r.ep.removeQueued(r)
	default:
		c.mutex.Unlock()
		return fmt.Errorf("%w: %v already completed", pkg.ErrInvalidRequest, h)
	}
	r.status = status
	r.err = status.Error()
	r.list = listCancel
	c.cancelQ.PushBack(r)
	pkg.LogDebug(pkg.ComponentScheduler, "cancel queued",
		"request", h,
		"state", r.state,
		"status", status)
	c.mutex.Unlock()

	c.kick()
	return nil
}

// RequestState returns the state of a live request.
func (c *Controller) RequestState(h Handle) (RequestState, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	r, ok := c.pool.lookup(h)
	if !ok {
		return StateIdle, false
	}
	return r.state, true
}

// ChannelOwner returns the request a DMA channel is running for.
func (c *Controller) ChannelOwner(ch int) (Handle, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	dc, err := c.dma.channel(ch)
	if err != nil || !dc.bound() || dc.req == nil {
		return Handle{}, false
	}
	return dc.req.handle, true
}

// EndpointStats returns the counters of an enabled endpoint. Address 0
// names the shared control endpoint.
func (c *Controller) EndpointStats(dev hal.DeviceAddress, addr uint8) (EndpointStats, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	ep := c.endpoints.lookup(dev, addr)
	if ep == nil {
		return EndpointStats{}, fmt.Errorf("%w: dev %d addr %#02x", pkg.ErrInvalidEndpoint, dev, addr)
	}
	return ep.snapshot(), nil
}

// PoolStats returns request pool usage.
func (c *Controller) PoolStats() PoolStats {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.pool.stats()
}

func removeRequest(q *deque.Deque[*request], r *request) bool {
	i := q.Index(func(x *request) bool { return x == r })
	if i < 0 {
		return false
	}
	q.Remove(i)
	return true
}

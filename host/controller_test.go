package host

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ardnew/softotg/host/hal"
	"github.com/ardnew/softotg/host/hal/sim"
	"github.com/ardnew/softotg/pkg"
)

// =============================================================================
// Controller Lifecycle Tests
// =============================================================================

func TestNew(t *testing.T) {
	bus := sim.New()

	if _, err := New(nil, bus.DMA(), DefaultConfig(), nil); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("New(nil core) error = %v, want ErrInvalidParameter", err)
	}

	bad := DefaultConfig()
	bad.Dispatch = "threads"
	if _, err := New(bus.Core(), bus.DMA(), bad, nil); !errors.Is(err, pkg.ErrConfiguration) {
		t.Errorf("New(bad config) error = %v, want ErrConfiguration", err)
	}

	c, err := New(bus.Core(), bus.DMA(), DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if c.endpoints.control.fifo != (fifoRegion{offset: 0, size: ControlMaxPacket}) {
		t.Errorf("control FIFO = %+v, want offset 0 size %d", c.endpoints.control.fifo, ControlMaxPacket)
	}
	if c.IsRunning() {
		t.Error("new controller should not be running")
	}
}

func TestController_StartStop(t *testing.T) {
	h := newHarness(t, nil)

	if err := h.c.Start(context.Background()); !errors.Is(err, pkg.ErrAlreadyRunning) {
		t.Errorf("second Start() error = %v, want ErrAlreadyRunning", err)
	}
	if err := h.c.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := h.c.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
	if n := h.clock.Pending(); n != 0 {
		t.Errorf("%d timers still scheduled after Stop", n)
	}
	if _, err := h.c.Submit(&Transfer{Endpoint: bulkIn(1, 64), Buffer: make([]byte, 8)}); !errors.Is(err, pkg.ErrNotRunning) {
		t.Errorf("Submit after Stop error = %v, want ErrNotRunning", err)
	}
}

func TestController_SubmitDetached(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.c.Submit(&Transfer{Device: testDev, Endpoint: bulkIn(1, 64), Buffer: make([]byte, 8)})
	if !errors.Is(err, pkg.ErrDeviceGone) {
		t.Errorf("Submit while detached error = %v, want ErrDeviceGone", err)
	}
	if _, err := h.c.Submit(nil); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("Submit(nil) error = %v, want ErrInvalidParameter", err)
	}
}

func TestController_StopFlushesWithShutdown(t *testing.T) {
	h := newAttached(t, nil)

	first := h.submit(bulkIn(1, 64), make([]byte, 64))
	second := h.submit(bulkIn(1, 64), make([]byte, 64))

	if err := h.c.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	for _, hd := range []Handle{first, second} {
		c := h.completion(hd)
		if c.Status != pkg.TransferStatusShutdown || !errors.Is(c.Err, pkg.ErrShutdown) {
			t.Errorf("%v completed with %v (%v), want shutdown", hd, c.Status, c.Err)
		}
	}
	if h.bus.Enabled() {
		t.Error("core still enabled after Stop")
	}
	if n := h.clock.Pending(); n != 0 {
		t.Errorf("%d timers still scheduled after Stop", n)
	}
	last := h.events[len(h.events)-1]
	if last.Attached || last.Reason != ReasonShutdown {
		t.Errorf("last event = %+v, want shutdown detach", last)
	}
	if st := h.c.PoolStats(); st.InUse != 0 {
		t.Errorf("pool in use = %d after Stop", st.InUse)
	}
}

func TestController_WorkerDispatch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Dispatch = DispatchWorker
	bus := sim.New()
	clock := sim.NewClock(time.Unix(0, 0))
	c, err := New(bus.Core(), bus.DMA(), cfg, clock)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer c.Stop()

	bus.SetConnected(true)
	clock.Advance(cfg.HotplugSettle.Duration + cfg.HotplugPoll.Duration)
	if !c.Attached() {
		t.Fatal("not attached")
	}

	done := make(chan Completion, 1)
	data := pattern(100)
	_, err = c.Submit(&Transfer{
		Device:   testDev,
		Endpoint: bulkOut(1, 64),
		Buffer:   data,
		Callback: func(comp Completion) { done <- comp },
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		if bus.Pending() {
			c.HandleInterrupt()
		}
		select {
		case comp := <-done:
			if comp.Status != pkg.TransferStatusSuccess || comp.Actual != len(data) {
				t.Errorf("completion = %+v, want success with %d bytes", comp, len(data))
			}
			if got := bus.Written(testDev, 0x01); !bytes.Equal(got, data) {
				t.Errorf("device received %d bytes, want %d", len(got), len(data))
			}
			return
		case <-deadline:
			t.Fatal("timed out waiting for worker completion")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestController_SubmitFromCallback(t *testing.T) {
	h := newAttached(t, nil)
	desc := bulkOut(1, 64)

	var chained Handle
	_, err := h.c.Submit(&Transfer{
		Device:   testDev,
		Endpoint: desc,
		Buffer:   pattern(10),
		Callback: func(c Completion) {
			h.record(c)
			var err error
			chained, err = h.c.Submit(&Transfer{
				Device:   testDev,
				Endpoint: desc,
				Buffer:   pattern(20),
				Callback: h.record,
			})
			if err != nil {
				t.Errorf("Submit from callback error = %v", err)
			}
		},
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	h.irq()

	if len(h.done) != 2 {
		t.Fatalf("completions = %d, want 2", len(h.done))
	}
	if c := h.completion(chained); c.Actual != 20 {
		t.Errorf("chained actual = %d, want 20", c.Actual)
	}
	if got := len(h.bus.Written(testDev, 0x01)); got != 30 {
		t.Errorf("device received %d bytes, want 30", got)
	}
}

// =============================================================================
// Endpoint Management Tests
// =============================================================================

func TestController_EnableEndpoint(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.SlotsIn = 2
		c.FIFOSize = 512
	})

	if err := h.c.EnableEndpoint(testDev, bulkIn(1, 64)); err != nil {
		t.Fatalf("EnableEndpoint(0x81) error = %v", err)
	}
	if err := h.c.EnableEndpoint(testDev, bulkIn(1, 64)); err != nil {
		t.Errorf("re-enable with same descriptor error = %v", err)
	}
	if err := h.c.EnableEndpoint(testDev, bulkIn(1, 512)); !errors.Is(err, pkg.ErrInvalidState) {
		t.Errorf("re-enable with new descriptor error = %v, want ErrInvalidState", err)
	}

	// FIFO holds 512 bytes: 64 control + 64 for 0x81 leaves 384.
	if err := h.c.EnableEndpoint(testDev, bulkIn(2, 512)); !errors.Is(err, pkg.ErrConfiguration) {
		t.Errorf("oversized endpoint error = %v, want ErrConfiguration", err)
	}
	if _, err := h.c.EndpointStats(testDev, 0x82); !errors.Is(err, pkg.ErrInvalidEndpoint) {
		t.Errorf("endpoint left enabled after FIFO failure: %v", err)
	}

	if err := h.c.EnableEndpoint(testDev, bulkIn(2, 64)); err != nil {
		t.Fatalf("EnableEndpoint(0x82) error = %v", err)
	}
	if err := h.c.EnableEndpoint(testDev, bulkIn(3, 64)); !errors.Is(err, pkg.ErrNoResources) {
		t.Errorf("third IN endpoint error = %v, want ErrNoResources", err)
	}

	ctrl := hal.EndpointDescriptor{Address: 0x01, Attributes: uint8(hal.TransferControl), MaxPacketSize: 64}
	if err := h.c.EnableEndpoint(testDev, ctrl); !errors.Is(err, pkg.ErrInvalidEndpoint) {
		t.Errorf("control on endpoint 1 error = %v, want ErrInvalidEndpoint", err)
	}

	st := h.stats(0x82)
	if st.Slot != 2 || st.FIFOSize != 64 || st.Channel != -1 {
		t.Errorf("stats(0x82) = %+v", st)
	}
}

func TestController_SubmitTypeMismatch(t *testing.T) {
	h := newAttached(t, nil)
	h.submit(bulkIn(1, 64), make([]byte, 8))

	_, err := h.c.Submit(&Transfer{Device: testDev, Endpoint: interruptIn(1, 64, 1), Buffer: make([]byte, 8)})
	if !errors.Is(err, pkg.ErrInvalidEndpoint) {
		t.Errorf("Submit with mismatched type error = %v, want ErrInvalidEndpoint", err)
	}
}

func TestController_DisableEndpoint(t *testing.T) {
	h := newAttached(t, nil)
	desc := bulkIn(1, 64)
	hd := h.submit(desc, make([]byte, 64))
	freeBefore := h.c.fifo.free()

	result := make(chan error, 1)
	go func() {
		result <- h.c.DisableEndpoint(context.Background(), testDev, desc.Address)
	}()

	// Wait until the disable call is parked on the endpoint.
	for i := 0; ; i++ {
		h.c.mutex.Lock()
		disabling := h.c.endpoints.lookup(testDev, desc.Address).disabling
		h.c.mutex.Unlock()
		if disabling {
			break
		}
		if i > 1000 {
			t.Fatal("DisableEndpoint never started waiting")
		}
		time.Sleep(time.Millisecond)
	}

	_, err := h.c.Submit(&Transfer{Device: testDev, Endpoint: desc, Buffer: make([]byte, 8)})
	if !errors.Is(err, pkg.ErrInvalidState) {
		t.Errorf("Submit while disabling error = %v, want ErrInvalidState", err)
	}

	h.bus.QueueIn(testDev, 0x81, pattern(10))
	h.irq()

	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("DisableEndpoint() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("DisableEndpoint did not return after the endpoint drained")
	}

	if c := h.completion(hd); c.Actual != 10 {
		t.Errorf("actual = %d, want 10", c.Actual)
	}
	if _, err := h.c.EndpointStats(testDev, desc.Address); !errors.Is(err, pkg.ErrInvalidEndpoint) {
		t.Errorf("endpoint still registered: %v", err)
	}
	if got := h.c.fifo.free(); got != freeBefore+64 {
		t.Errorf("free FIFO = %d, want %d", got, freeBefore+64)
	}
}

func TestController_DisableEndpointContext(t *testing.T) {
	h := newAttached(t, nil)
	desc := bulkIn(1, 64)
	h.submit(desc, make([]byte, 64))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.c.DisableEndpoint(ctx, testDev, desc.Address); !errors.Is(err, context.Canceled) {
		t.Errorf("DisableEndpoint(cancelled ctx) error = %v, want context.Canceled", err)
	}
	h.submit(desc, make([]byte, 8))

	if err := h.c.DisableEndpoint(context.Background(), testDev, 0x00); !errors.Is(err, pkg.ErrInvalidEndpoint) {
		t.Errorf("DisableEndpoint(control) error = %v, want ErrInvalidEndpoint", err)
	}
}

func TestController_DisableFromCallback(t *testing.T) {
	for _, mode := range []string{DispatchInline, DispatchWorker} {
		t.Run(mode, func(t *testing.T) {
			h := newAttached(t, func(c *Config) { c.Dispatch = mode })
			desc := bulkOut(1, 64)

			result := make(chan error, 1)
			_, err := h.c.Submit(&Transfer{
				Device:   testDev,
				Endpoint: desc,
				Buffer:   pattern(8),
				Callback: func(Completion) {
					ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
					defer cancel()
					result <- h.c.DisableEndpoint(ctx, testDev, desc.Address)
				},
			})
			if err != nil {
				t.Fatalf("Submit() error = %v", err)
			}

			deadline := time.After(5 * time.Second)
			for {
				if h.bus.Pending() {
					h.c.HandleInterrupt()
				}
				select {
				case err := <-result:
					if err != nil {
						t.Fatalf("DisableEndpoint() from callback error = %v", err)
					}
					if _, err := h.c.EndpointStats(testDev, desc.Address); !errors.Is(err, pkg.ErrInvalidEndpoint) {
						t.Errorf("endpoint still registered: %v", err)
					}
					return
				case <-deadline:
					t.Fatal("completion callback never ran")
				default:
					time.Sleep(time.Millisecond)
				}
			}
		})
	}
}

func TestController_WorkerCallbacksOffInterruptStack(t *testing.T) {
	h := newAttached(t, func(c *Config) { c.Dispatch = DispatchWorker })

	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	_, err := h.c.Submit(&Transfer{
		Device:   testDev,
		Endpoint: bulkOut(1, 64),
		Buffer:   pattern(8),
		Callback: func(Completion) {
			close(entered)
			<-release
		},
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	for i := 0; !h.bus.Pending(); i++ {
		if i > 2000 {
			t.Fatal("worker never started the transfer")
		}
		time.Sleep(time.Millisecond)
	}

	returned := make(chan struct{})
	go func() {
		h.c.HandleInterrupt()
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("HandleInterrupt waited on a completion callback")
	}
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never delivered the completion")
	}
}

// =============================================================================
// Request Pool Tests
// =============================================================================

func TestController_PoolOverflow(t *testing.T) {
	h := newAttached(t, func(c *Config) { c.RequestPoolSize = 2 })
	desc := bulkOut(1, 64)

	var handles []Handle
	for i := 0; i < 3; i++ {
		handles = append(handles, h.submit(desc, pattern(8)))
	}
	st := h.c.PoolStats()
	if st.InUse != 3 || st.Overflow != 1 || st.Capacity != 2 {
		t.Errorf("PoolStats() = %+v, want 3 in use with 1 overflow", st)
	}

	h.irq()
	if len(h.done) != 3 {
		t.Fatalf("completions = %d, want 3", len(h.done))
	}
	st = h.c.PoolStats()
	if st.InUse != 0 || st.Overflow != 0 || st.OverflowTotal != 1 {
		t.Errorf("PoolStats() after drain = %+v", st)
	}
	for _, hd := range handles {
		if err := h.c.Cancel(hd, pkg.TransferStatusCancelled); !errors.Is(err, pkg.ErrInvalidRequest) {
			t.Errorf("Cancel(%v) after completion error = %v, want ErrInvalidRequest", hd, err)
		}
	}
}

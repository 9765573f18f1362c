// Package host implements the transfer engine of a USB OTG core running in
// host mode.
//
// It is platform-agnostic and drives hardware through the [hal.Core] and
// [hal.DMA] interfaces defined in the github.com/ardnew/softotg/host/hal
// package, with timers taken from a [hal.Clock].
//
// # Architecture
//
// The engine is organized into a few cooperating parts:
//
//   - FIFO allocator: unit-granular regions of on-chip FIFO memory
//   - DMA coordinator: ownership and programming order of the DMA channels
//   - Endpoint registry: the shared control endpoint plus IN and OUT banks
//   - Scheduler: submit, cancel and finished lists drained by one executor
//   - State machines: control, bulk (PIO or DMA), interrupt, isochronous
//   - Watchdogs: retry ceilings, FIFO-busy and DMA timeouts, disconnect
//     escalation
//   - Hotplug monitor: debounced attach and detach detection
//
// # Concurrency
//
// Callers, the interrupt handler and timer callbacks all serialize on one
// controller lock. The interrupt handler and timers never complete requests
// directly: they move requests between lists and kick the deferred
// executor, which runs completion callbacks with the lock released. The
// executor runs either inline in the goroutine that kicked it or on a
// dedicated worker goroutine, selected by [Config].Dispatch.
//
// Within one endpoint requests complete in submission order.
//
// # Example
//
//	ctrl, err := host.New(core, dma, host.DefaultConfig(), nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ctrl.Start(ctx)
//
//	// Wire the platform interrupt to the engine
//	irq.Register(ctrl.HandleInterrupt)
//
//	buf := make([]byte, 4096)
//	h, err := ctrl.Submit(&host.Transfer{
//	    Device:   1,
//	    Endpoint: hal.EndpointDescriptor{Address: 0x81, Attributes: 0x02, MaxPacketSize: 512},
//	    Buffer:   buf,
//	    Callback: func(c host.Completion) { done <- c },
//	})
//
// A simulated core, DMA engine and clock for testing are available in
// [github.com/ardnew/softotg/host/hal/sim].
package host

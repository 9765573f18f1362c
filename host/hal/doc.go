// Package hal defines the hardware seam of the softotg transfer engine.
//
// The engine drives a custom on-chip USB OTG core in host mode. Everything
// below the engine is consumed as an opaque capability through three small
// interfaces:
//
//   - [Core]: endpoint slot programming, packet FIFO access, control stages,
//     connection sampling and interrupt collection
//   - [DMA]: the two-channel DMA engine primitives (select endpoint, set
//     address, set count, start, stop, reset, remaining, pending, clear)
//   - [Clock]: timers used by the periodic, watchdog and hotplug paths
//
// The package also carries the plain value types shared across the seam:
// [SetupPacket], [EndpointDescriptor], [IRQStatus], [EndpointConfig] and the
// [ErrorCode] classification reported by the core.
//
// # Implementing a platform
//
// A platform implements [Core] and [DMA] on top of its register block and
// calls the engine's interrupt handler from its IRQ vector. All [Core]
// methods are invoked with the engine lock held and must not call back into
// the engine.
//
// A simulated core, DMA engine and clock are available in
// [github.com/ardnew/softotg/host/hal/sim].
package hal

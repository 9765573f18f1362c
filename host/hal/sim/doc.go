// Package sim provides an in-memory OTG core, two-channel DMA engine and
// device model implementing [hal.Core] and [hal.DMA], plus a manually
// advanced [hal.Clock].
//
// The bus models one attached device. Tests queue IN data, inject hardware
// faults, force FIFO-busy conditions and script connection samples, then
// drive the engine's interrupt handler with [Bus.Service]:
//
//	bus := sim.New()
//	bus.SetConnected(true)
//	bus.QueueIn(1, 0x81, payload)
//	bus.Service(ctl.HandleInterrupt, 64)
//
// DMA channels stay running after Start until [Engine.Complete] is called,
// which lets tests observe channel ownership. [Engine.SetAutoComplete]
// completes transfers as soon as they start. A fault queued for an endpoint
// in DMA mode is raised when the channel starts, and the channel keeps
// running with nothing moved.
package sim

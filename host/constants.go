package host

import "time"

// FIFOUnit is the allocation granule of the hardware FIFO memory.
const FIFOUnit = 64

// ControlMaxPacket is the max packet size of the shared control endpoint.
const ControlMaxPacket = 64

// Endpoint slot limits. Slot 0 of each bank is the control endpoint.
const (
	MaxEndpointSlots = 15
	controlSlot      = 0
)

// Default configuration values.
const (
	DefaultFIFOSize          = 4096
	DefaultSlotsIn           = 7
	DefaultSlotsOut          = 7
	DefaultRequestPoolSize   = 32
	DefaultDMAThreshold      = 512
	DefaultMaxRetries        = 10
	DefaultDisconnectLimit   = 50
	DefaultRearmLimit        = 8
	DefaultFIFOBusyLimit     = 5
	DefaultDebounceSamples   = 2
	DefaultFIFOBusyTimeout   = 20 * time.Millisecond
	DefaultFIFOWatchInterval = 10 * time.Millisecond
	DefaultDMATimeout        = 3 * time.Second
	DefaultDMAWatchInterval  = 500 * time.Millisecond
	DefaultHotplugSettle     = 20 * time.Millisecond
	DefaultHotplugPoll       = 100 * time.Millisecond
	DefaultBringUpBackoffMin = 100 * time.Millisecond
	DefaultBringUpBackoffMax = 5 * time.Second
)

// maxIRQPasses bounds the interrupt handler loop when sources keep firing.
const maxIRQPasses = 256

// Dispatch modes for the deferred executor.
const (
	DispatchInline = "inline"
	DispatchWorker = "worker"
)

package hal

import "fmt"

// Speed represents the USB connection speed.
type Speed uint8

// USB speed constants (USB 2.0 Specification).
const (
	SpeedUnknown Speed = iota // Not connected or unknown
	SpeedLow                  // Low Speed (1.5 Mbit/s)
	SpeedFull                 // Full Speed (12 Mbit/s)
	SpeedHigh                 // High Speed (480 Mbit/s)
)

// String returns a human-readable speed name.
func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "Low Speed"
	case SpeedFull:
		return "Full Speed"
	case SpeedHigh:
		return "High Speed"
	default:
		return "Unknown"
	}
}

// Direction is the data direction of an endpoint, encoded as bit 7 of the
// endpoint address.
type Direction uint8

// Endpoint directions.
const (
	DirOut Direction = 0x00 // Host to device
	DirIn  Direction = 0x80 // Device to host
)

// String returns "IN" or "OUT".
func (d Direction) String() string {
	if d == DirIn {
		return "IN"
	}
	return "OUT"
}

// SetupPacket represents a USB SETUP packet.
type SetupPacket struct {
	RequestType uint8  // Request characteristics
	Request     uint8  // Specific request
	Value       uint16 // Request-specific value
	Index       uint16 // Request-specific index
	Length      uint16 // Number of bytes to transfer
}

// SetupPacketSize is the size of a USB SETUP packet in bytes.
const SetupPacketSize = 8

// ParseSetupPacket parses raw bytes into a SetupPacket.
// Returns false if data is too short.
func ParseSetupPacket(data []byte, out *SetupPacket) bool {
	if len(data) < SetupPacketSize {
		return false
	}
	out.RequestType = data[0]
	out.Request = data[1]
	out.Value = uint16(data[2]) | uint16(data[3])<<8
	out.Index = uint16(data[4]) | uint16(data[5])<<8
	out.Length = uint16(data[6]) | uint16(data[7])<<8
	return true
}

// MarshalTo writes the setup packet to buf.
// Returns the number of bytes written (8), or 0 if buf is too small.
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	buf[2] = byte(s.Value)
	buf[3] = byte(s.Value >> 8)
	buf[4] = byte(s.Index)
	buf[5] = byte(s.Index >> 8)
	buf[6] = byte(s.Length)
	buf[7] = byte(s.Length >> 8)
	return SetupPacketSize
}

// DataDirection returns the direction of the data stage, if any.
func (s *SetupPacket) DataDirection() Direction {
	return Direction(s.RequestType & 0x80)
}

// TransferType indicates the type of USB transfer.
type TransferType uint8

// Transfer type constants.
const (
	TransferControl     TransferType = 0 // Control transfer
	TransferIsochronous TransferType = 1 // Isochronous transfer
	TransferBulk        TransferType = 2 // Bulk transfer
	TransferInterrupt   TransferType = 3 // Interrupt transfer
)

// String returns the lower-case transfer type name.
func (t TransferType) String() string {
	switch t {
	case TransferControl:
		return "control"
	case TransferIsochronous:
		return "isochronous"
	case TransferBulk:
		return "bulk"
	case TransferInterrupt:
		return "interrupt"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// EndpointDescriptor describes an endpoint as negotiated by the bus layer.
type EndpointDescriptor struct {
	Address       uint8  // Endpoint address including direction bit
	Attributes    uint8  // Transfer type and sync/usage flags
	MaxPacketSize uint16 // Maximum packet size
	Interval      uint8  // Polling interval in frames for interrupt/isochronous
}

// Number returns the endpoint number (0-15).
func (e *EndpointDescriptor) Number() uint8 {
	return e.Address & 0x0F
}

// IsIn returns true if this is an IN endpoint (device to host).
func (e *EndpointDescriptor) IsIn() bool {
	return e.Address&0x80 != 0
}

// Direction returns the endpoint direction.
func (e *EndpointDescriptor) Direction() Direction {
	return Direction(e.Address & 0x80)
}

// TransferType returns the transfer type.
func (e *EndpointDescriptor) TransferType() TransferType {
	return TransferType(e.Attributes & 0x03)
}

// DeviceAddress represents a USB device address (0-127).
type DeviceAddress uint8

// ErrorCode classifies a hardware error reported for an endpoint.
type ErrorCode uint8

// Hardware error classes.
const (
	ErrorNone        ErrorCode = iota // Packet completed
	ErrorNoHandshake                  // No handshake (timeout / NAK limit)
	ErrorPID                          // PID check failure
	ErrorStall                        // Device returned STALL
	ErrorReserved                     // Reserved or unknown error code
)

// String returns the error class name.
func (c ErrorCode) String() string {
	switch c {
	case ErrorNone:
		return "none"
	case ErrorNoHandshake:
		return "no-handshake"
	case ErrorPID:
		return "pid-error"
	case ErrorStall:
		return "stall"
	default:
		return "reserved"
	}
}

// Transient reports whether the error class is retried locally.
func (c ErrorCode) Transient() bool {
	return c == ErrorNoHandshake || c == ErrorPID
}

// MaxSlots is the number of hardware endpoint slots per direction,
// including the control slot 0.
const MaxSlots = 16

// IRQStatus is a snapshot of the core's pending interrupt sources.
// Reading it acknowledges the sources it reports.
type IRQStatus struct {
	Control      bool      // Control endpoint phase completed or failed
	ControlError ErrorCode // Error class for the control event

	Tx      uint16              // OUT slots with a completed or failed packet
	Rx      uint16              // IN slots with a received packet or failure
	TxError [MaxSlots]ErrorCode // Error class per OUT slot
	RxError [MaxSlots]ErrorCode // Error class per IN slot

	Connect    bool // Connection detected
	Disconnect bool // Disconnection detected
}

// Empty reports whether no source is pending.
func (s *IRQStatus) Empty() bool {
	return !s.Control && s.Tx == 0 && s.Rx == 0 && !s.Connect && !s.Disconnect
}

// EndpointConfig programs one hardware endpoint slot.
type EndpointConfig struct {
	Slot          uint8
	Dir           Direction
	Device        DeviceAddress
	Number        uint8
	Type          TransferType
	MaxPacketSize uint16
	Interval      uint8
	FIFOOffset    int
	FIFOSize      int
}

// Core is the register-level interface of the OTG core in host mode.
//
// The transfer engine calls every method with its controller lock held, so
// implementations must not call back into the engine. Interrupts are
// delivered by the platform calling the engine's interrupt handler, which
// then collects them with ReadInterrupts.
type Core interface {
	// Reset performs a soft reset of the core and leaves it disabled.
	Reset() error

	// SetEnabled turns host mode and the interrupt line on or off.
	SetEnabled(on bool) error

	// Connected samples the analog/OTG connection state.
	Connected() bool

	// Speed reports the speed of the attached device.
	Speed() Speed

	// ConfigureEndpoint programs a slot with its FIFO region and target.
	ConfigureEndpoint(cfg *EndpointConfig) error

	// ReleaseEndpoint returns a slot to its reset state.
	ReleaseEndpoint(slot uint8, dir Direction)

	// FlushEndpoint flushes the slot FIFO and resets its data toggle.
	FlushEndpoint(slot uint8, dir Direction)

	// SetToggle loads the data toggle (false = DATA0).
	SetToggle(slot uint8, dir Direction, data1 bool)

	// FIFOBusy reports whether the slot FIFO still holds an unsent packet.
	FIFOBusy(slot uint8, dir Direction) bool

	// SetDMAMode routes the slot FIFO to the DMA request lines.
	SetDMAMode(slot uint8, dir Direction, on bool)

	// WriteSetup loads and sends a SETUP packet on the control slot.
	WriteSetup(dev DeviceAddress, setup *SetupPacket) error

	// StartStatus issues the status stage of a control transfer.
	StartStatus(dev DeviceAddress, in bool) error

	// WritePacket loads one packet into an OUT slot and sends it.
	WritePacket(slot uint8, data []byte) error

	// RequestPackets arms an IN slot to receive count packets.
	RequestPackets(slot uint8, count int) error

	// ReadPacket unloads the received packet of an IN slot into buf.
	ReadPacket(slot uint8, buf []byte) (int, error)

	// ReadInterrupts collects and acknowledges pending interrupt sources.
	// It returns false when nothing was pending.
	ReadInterrupts(st *IRQStatus) bool
}

// DMA is the low-level DMA engine capability: two interchangeable channels
// moving whole buffers between memory and an endpoint FIFO.
type DMA interface {
	// Channels returns the number of channels.
	Channels() int

	// SetEndpoint selects the endpoint slot and direction serviced by ch.
	SetEndpoint(ch int, slot uint8, dir Direction) error

	// SetAddress sets the memory side of the transfer.
	SetAddress(ch int, buf []byte) error

	// SetCount sets the number of bytes to move.
	SetCount(ch int, n int) error

	// Start starts the channel.
	Start(ch int) error

	// Stop halts the channel without waiting for completion.
	Stop(ch int)

	// Reset zeroes the channel counters.
	Reset(ch int)

	// Remaining returns the bytes not yet moved.
	Remaining(ch int) int

	// Pending reports whether the channel raised its completion interrupt.
	Pending(ch int) bool

	// ClearPending acknowledges the completion interrupt.
	ClearPending(ch int)
}

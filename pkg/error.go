package pkg

import "errors"

// Transfer engine errors.
var (
	// ErrTransientHardware indicates a no-handshake or PID error that is
	// retried locally until the retry ceiling is reached.
	ErrTransientHardware = errors.New("transient hardware error")

	// ErrStall indicates an endpoint stall (protocol stall) condition.
	ErrStall = errors.New("endpoint stalled")

	// ErrTimeout indicates a DMA or FIFO watchdog timeout.
	ErrTimeout = errors.New("transfer timeout")

	// ErrDeviceGone indicates the device was detached or declared
	// disconnected by the watchdog.
	ErrDeviceGone = errors.New("device gone")

	// ErrConfiguration indicates an endpoint could not be configured,
	// typically because no FIFO region fits.
	ErrConfiguration = errors.New("configuration error")

	// ErrCancelled indicates a cancelled transfer.
	ErrCancelled = errors.New("transfer cancelled")

	// ErrShutdown indicates the controller was stopped with the transfer
	// still pending.
	ErrShutdown = errors.New("controller shut down")

	// ErrOverrun indicates the device sent more data than requested.
	ErrOverrun = errors.New("data overrun")

	// ErrProtocol indicates a permanent protocol error.
	ErrProtocol = errors.New("protocol error")

	// ErrInvalidEndpoint indicates an invalid or unknown endpoint.
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrInvalidState indicates the operation is not valid in the current state.
	ErrInvalidState = errors.New("invalid state")

	// ErrInvalidRequest indicates an unknown or already completed request.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrBusy indicates the resource is busy.
	ErrBusy = errors.New("resource busy")

	// ErrNoResources indicates a bounded table (endpoint slots) is full.
	ErrNoResources = errors.New("no resources available")

	// ErrAlreadyRunning indicates the controller is already running.
	ErrAlreadyRunning = errors.New("already running")

	// ErrNotRunning indicates the controller is not running.
	ErrNotRunning = errors.New("not running")
)

// TransferStatus represents the completion status of a transfer request.
type TransferStatus int

// Transfer status values.
const (
	TransferStatusSuccess      TransferStatus = iota // Transfer completed successfully
	TransferStatusError                              // Permanent hardware or protocol error
	TransferStatusStall                              // Endpoint stalled
	TransferStatusTimeout                            // Watchdog fired
	TransferStatusCancelled                          // Cancelled by the caller
	TransferStatusDisconnected                       // Device gone
	TransferStatusShutdown                           // Controller stopped
	TransferStatusOverrun                            // Data overrun
)

// String returns a string representation of the transfer status.
func (s TransferStatus) String() string {
	switch s {
	case TransferStatusSuccess:
		return "success"
	case TransferStatusError:
		return "error"
	case TransferStatusStall:
		return "stall"
	case TransferStatusTimeout:
		return "timeout"
	case TransferStatusCancelled:
		return "cancelled"
	case TransferStatusDisconnected:
		return "disconnected"
	case TransferStatusShutdown:
		return "shutdown"
	case TransferStatusOverrun:
		return "overrun"
	default:
		return "unknown"
	}
}

// ParseTransferStatus is the inverse of String.
func ParseTransferStatus(s string) (TransferStatus, bool) {
	for st := TransferStatusSuccess; st <= TransferStatusOverrun; st++ {
		if st.String() == s {
			return st, true
		}
	}
	return TransferStatusError, false
}

// Error returns the corresponding error for the transfer status.
func (s TransferStatus) Error() error {
	switch s {
	case TransferStatusSuccess:
		return nil
	case TransferStatusStall:
		return ErrStall
	case TransferStatusTimeout:
		return ErrTimeout
	case TransferStatusCancelled:
		return ErrCancelled
	case TransferStatusDisconnected:
		return ErrDeviceGone
	case TransferStatusShutdown:
		return ErrShutdown
	case TransferStatusOverrun:
		return ErrOverrun
	default:
		return ErrProtocol
	}
}

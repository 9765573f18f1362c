package pkg

import (
	"errors"
	"testing"
)

func TestTransferStatus_String(t *testing.T) {
	tests := []struct {
		status TransferStatus
		want   string
	}{
		{TransferStatusSuccess, "success"},
		{TransferStatusError, "error"},
		{TransferStatusStall, "stall"},
		{TransferStatusTimeout, "timeout"},
		{TransferStatusCancelled, "cancelled"},
		{TransferStatusDisconnected, "disconnected"},
		{TransferStatusShutdown, "shutdown"},
		{TransferStatusOverrun, "overrun"},
		{TransferStatus(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.status.String(); got != tt.want {
				t.Errorf("TransferStatus.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseTransferStatus(t *testing.T) {
	for st := TransferStatusSuccess; st <= TransferStatusOverrun; st++ {
		got, ok := ParseTransferStatus(st.String())
		if !ok || got != st {
			t.Errorf("ParseTransferStatus(%q) = %v, %v", st.String(), got, ok)
		}
	}
	if _, ok := ParseTransferStatus("bogus"); ok {
		t.Error("ParseTransferStatus(bogus) should fail")
	}
}

func TestTransferStatus_Error(t *testing.T) {
	tests := []struct {
		status  TransferStatus
		wantErr error
	}{
		{TransferStatusSuccess, nil},
		{TransferStatusStall, ErrStall},
		{TransferStatusTimeout, ErrTimeout},
		{TransferStatusCancelled, ErrCancelled},
		{TransferStatusDisconnected, ErrDeviceGone},
		{TransferStatusShutdown, ErrShutdown},
		{TransferStatusOverrun, ErrOverrun},
		{TransferStatusError, ErrProtocol},
	}

	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			err := tt.status.Error()
			if tt.wantErr == nil && err != nil {
				t.Errorf("TransferStatus.Error() = %v, want nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("TransferStatus.Error() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

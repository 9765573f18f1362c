package host

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ardnew/softotg/host/hal"
	"github.com/ardnew/softotg/pkg"
)

// =============================================================================
// Control Transfer Tests
// =============================================================================

func getDescriptor(length uint16) hal.SetupPacket {
	return hal.SetupPacket{RequestType: 0x80, Request: 0x06, Value: 0x0100, Length: length}
}

func TestControl_DataIn(t *testing.T) {
	tests := []struct {
		name     string
		response int
		length   uint16
		want     int
	}{
		{"short response", 18, 64, 18},
		{"exact length", 18, 18, 18},
		{"multi packet", 100, 255, 100},
		{"truncated by wLength", 100, 64, 64},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newAttached(t, nil)
			data := pattern(tt.response)
			h.bus.SetControlResponse(testDev, data)

			buf := make([]byte, 255)
			hd := h.control(getDescriptor(tt.length), buf)
			h.irq()

			c := h.completion(hd)
			if c.Status != pkg.TransferStatusSuccess || c.Actual != tt.want {
				t.Fatalf("completion = %+v, want success with %d bytes", c, tt.want)
			}
			if !bytes.Equal(buf[:tt.want], data[:tt.want]) {
				t.Error("data stage mismatch")
			}
			if c.Endpoint != 0 || c.Device != testDev {
				t.Errorf("completion addressed to dev %d ep %#02x", c.Device, c.Endpoint)
			}
			setups := h.bus.Setups()
			if len(setups) != 1 || setups[0] != getDescriptor(tt.length) {
				t.Errorf("setups = %+v", setups)
			}
		})
	}
}

func TestControl_DataOut(t *testing.T) {
	h := newAttached(t, nil)
	data := pattern(100)
	setup := hal.SetupPacket{RequestType: 0x21, Request: 0x09, Length: uint16(len(data))}

	hd := h.control(setup, data)
	h.irq()

	if c := h.completion(hd); c.Status != pkg.TransferStatusSuccess || c.Actual != len(data) {
		t.Fatalf("completion = %+v", c)
	}
	if got := h.bus.ControlWritten(testDev); !bytes.Equal(got, data) {
		t.Errorf("device received %d bytes, want %d", len(got), len(data))
	}
}

func TestControl_NoData(t *testing.T) {
	h := newAttached(t, nil)
	setAddress := hal.SetupPacket{RequestType: 0x00, Request: 0x05, Value: 2}

	hd := h.control(setAddress, nil)
	h.irq()

	if c := h.completion(hd); c.Status != pkg.TransferStatusSuccess || c.Actual != 0 {
		t.Errorf("completion = %+v", c)
	}
}

func TestControl_Validation(t *testing.T) {
	h := newAttached(t, nil)
	ep0 := hal.EndpointDescriptor{Address: 0, MaxPacketSize: ControlMaxPacket}

	_, err := h.c.Submit(&Transfer{Device: testDev, Endpoint: ep0, Buffer: make([]byte, 8)})
	if !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("Submit without setup error = %v, want ErrInvalidParameter", err)
	}

	setup := getDescriptor(64)
	_, err = h.c.Submit(&Transfer{Device: testDev, Endpoint: ep0, Setup: &setup, Buffer: make([]byte, 8)})
	if !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("Submit with short buffer error = %v, want ErrInvalidParameter", err)
	}
}

func TestControl_Serialized(t *testing.T) {
	h := newAttached(t, nil)
	h.bus.SetControlResponse(testDev, pattern(36))

	first := h.control(getDescriptor(18), make([]byte, 18))
	second := h.control(getDescriptor(18), make([]byte, 18))
	if s := h.state(second); s != StateSubmitted {
		t.Errorf("second control state = %v while first in flight, want %v", s, StateSubmitted)
	}
	h.checkInvariants()
	h.irq()

	if len(h.done) != 2 || h.done[0].Handle != first || h.done[1].Handle != second {
		t.Fatalf("completions = %+v, want first then second", h.done)
	}
	if n := len(h.bus.Setups()); n != 2 {
		t.Errorf("setups sent = %d, want 2", n)
	}
}

func TestControl_SetupErrorsAreFatal(t *testing.T) {
	tests := []struct {
		name   string
		code   hal.ErrorCode
		status pkg.TransferStatus
	}{
		{"stall", hal.ErrorStall, pkg.TransferStatusStall},
		{"no handshake", hal.ErrorNoHandshake, pkg.TransferStatusError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newAttached(t, nil)
			h.bus.InjectFault(testDev, 0, tt.code, 1)

			hd := h.control(getDescriptor(18), make([]byte, 18))
			h.irq()

			if c := h.completion(hd); c.Status != tt.status {
				t.Errorf("status = %v, want %v", c.Status, tt.status)
			}
			if n := len(h.bus.Setups()); n != 0 {
				t.Errorf("SETUP retried %d times", n)
			}
		})
	}
}

func TestControl_DataStageRetried(t *testing.T) {
	h := newAttached(t, nil)
	h.bus.SetControlResponse(testDev, pattern(18))

	hd := h.control(getDescriptor(18), make([]byte, 18))
	// The SETUP stage is already through; the next attempt is the data stage.
	h.bus.InjectFault(testDev, 0, hal.ErrorPID, 2)
	h.irq()

	if c := h.completion(hd); c.Status != pkg.TransferStatusSuccess || c.Actual != 18 {
		t.Errorf("completion = %+v, want success after data stage retries", c)
	}
}

package serialmux

import (
	"testing"

	"go.bug.st/serial"
)

func TestPortOptions_Normalize_Defaults(t *testing.T) {
	// Zero-value options should get defaults applied
	got, err := PortOptions{}.Normalize()
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	want := PortOptions{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "N"}
	if got != want {
		t.Errorf("Normalize() = %+v, want %+v", got, want)
	}
}

func TestPortOptions_Normalize_ExplicitValues(t *testing.T) {
	opts := PortOptions{BaudRate: 9600, DataBits: 7, StopBits: 2, Parity: "even"}
	got, err := opts.Normalize()
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	want := PortOptions{BaudRate: 9600, DataBits: 7, StopBits: 2, Parity: "E"}
	if got != want {
		t.Errorf("Normalize() = %+v, want %+v", got, want)
	}
}

func TestPortOptions_Normalize_NegativeBaudRate(t *testing.T) {
	got, err := PortOptions{BaudRate: -5}.Normalize()
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if got.BaudRate != DefaultBaudRate {
		t.Errorf("negative baud rate should default to %d, got %d", DefaultBaudRate, got.BaudRate)
	}
}

func TestPortOptions_Normalize_Invalid(t *testing.T) {
	tests := []struct {
		name string
		opts PortOptions
	}{
		{"baud rate", PortOptions{BaudRate: 12345}},
		{"data bits low", PortOptions{DataBits: 4}},
		{"data bits high", PortOptions{DataBits: 9}},
		{"stop bits", PortOptions{StopBits: 3}},
		{"parity", PortOptions{Parity: "mark"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tc.opts.Normalize(); err == nil {
				t.Errorf("expected error for %+v", tc.opts)
			}
		})
	}
}

func TestPortOptions_Normalize_ParityVariations(t *testing.T) {
	tests := map[string]string{"": "N", "n": "N", "none": "N", " E ": "E", "ODD": "O", "o": "O"}
	for in, want := range tests {
		got, err := PortOptions{Parity: in}.Normalize()
		if err != nil {
			t.Errorf("Normalize() with parity %q: unexpected error %v", in, err)
			continue
		}
		if got.Parity != want {
			t.Errorf("Normalize() with parity %q = %q, want %q", in, got.Parity, want)
		}
	}
}

func TestPortOptions_SerialMode(t *testing.T) {
	mode, err := PortOptions{}.SerialMode()
	if err != nil {
		t.Fatalf("SerialMode() error = %v", err)
	}
	if mode.BaudRate != 115200 || mode.DataBits != 8 {
		t.Errorf("mode = %+v, want 115200 8N1", mode)
	}
	if mode.StopBits != serial.OneStopBit {
		t.Errorf("StopBits = %v, want OneStopBit", mode.StopBits)
	}
	if mode.Parity != serial.NoParity {
		t.Errorf("Parity = %v, want NoParity", mode.Parity)
	}

	mode, err = PortOptions{StopBits: 2, Parity: "O"}.SerialMode()
	if err != nil {
		t.Fatalf("SerialMode() error = %v", err)
	}
	if mode.StopBits != serial.TwoStopBits || mode.Parity != serial.OddParity {
		t.Errorf("mode = %+v, want two stop bits and odd parity", mode)
	}

	if _, err := (PortOptions{BaudRate: 12345}).SerialMode(); err == nil {
		t.Error("expected error for invalid options, got nil")
	}
}

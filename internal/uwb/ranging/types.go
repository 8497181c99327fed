package ranging

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// AnchorID is the hardware short address reported by a ranging device.
type AnchorID uint64

// String formats the id the way the devices print it, e.g. 0x0002.
func (id AnchorID) String() string {
	return fmt.Sprintf("0x%04X", uint64(id))
}

// ParseAnchorID accepts "0x0002", "0002" or "2" (hex in all cases, matching the
// device output and the configuration file).
func ParseAnchorID(s string) (AnchorID, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return 0, fmt.Errorf("empty anchor id")
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid anchor id %q: %w", s, err)
	}
	return AnchorID(v), nil
}

// MarshalText implements encoding.TextMarshaler so ids render as hex in JSON.
func (id AnchorID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *AnchorID) UnmarshalText(b []byte) error {
	v, err := ParseAnchorID(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

// Sample is one distance report from one anchor, in arrival order.
type Sample struct {
	Anchor   AnchorID  `json:"anchor"`
	Distance float64   `json:"distance_cm"`
	Seq      uint64    `json:"seq"`
	Time     time.Time `json:"time"`
	// Channel is the index of the device connection that delivered the sample.
	Channel int `json:"channel"`
}

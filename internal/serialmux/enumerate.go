package serialmux

import (
	"fmt"
	"slices"
	"strings"

	"go.bug.st/serial/enumerator"
)

// PortInfo describes one serial port found on the host.
type PortInfo struct {
	Path         string `json:"path"`
	IsUSB        bool   `json:"is_usb"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	Product      string `json:"product,omitempty"`
}

// PortLister returns the ports present on the host.
type PortLister func() ([]PortInfo, error)

// ListPorts enumerates serial ports with their USB details.
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}
	out := make([]PortInfo, 0, len(details))
	for _, d := range details {
		out = append(out, PortInfo{
			Path:         d.Name,
			IsUSB:        d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		})
	}
	slices.SortFunc(out, func(a, b PortInfo) int { return strings.Compare(a.Path, b.Path) })
	return out, nil
}

// FindBySerialNumber resolves USB serial numbers to port paths, preserving
// the order of serials. Matching is case-insensitive. Serials with no
// connected port are returned in missing.
func FindBySerialNumber(list PortLister, serials []string) (paths, missing []string, err error) {
	if list == nil {
		list = ListPorts
	}
	ports, err := list()
	if err != nil {
		return nil, nil, err
	}
	bySerial := make(map[string]string, len(ports))
	for _, p := range ports {
		if p.SerialNumber != "" {
			bySerial[strings.ToUpper(p.SerialNumber)] = p.Path
		}
	}
	for _, sn := range serials {
		if path, ok := bySerial[strings.ToUpper(strings.TrimSpace(sn))]; ok {
			paths = append(paths, path)
		} else {
			missing = append(missing, sn)
		}
	}
	return paths, missing, nil
}

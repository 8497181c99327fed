package device

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
)

var calLinePattern = regexp.MustCompile(`^([a-zA-Z0-9_.]+):\s+0x([0-9a-fA-F]+)`)

// CalEntry is one key of a calibration dump.
type CalEntry struct {
	Key   string `json:"key"`
	Value uint64 `json:"value"`
}

// ParseCalibrationFile reads "key: 0xHEX" lines, as printed by the module's
// key listing. Other lines are ignored.
func ParseCalibrationFile(r io.Reader) ([]CalEntry, error) {
	var out []CalEntry
	scan := bufio.NewScanner(r)
	for line := 1; scan.Scan(); line++ {
		m := calLinePattern.FindStringSubmatch(strings.TrimSpace(scan.Text()))
		if m == nil {
			continue
		}
		v, err := strconv.ParseUint(m[2], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid value for %s: %w", line, m[1], err)
		}
		out = append(out, CalEntry{Key: m[1], Value: v})
	}
	if err := scan.Err(); err != nil {
		return nil, fmt.Errorf("failed to read calibration file: %w", err)
	}
	return out, nil
}

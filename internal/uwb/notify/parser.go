package notify

import (
	"regexp"
	"strconv"

	"github.com/banshee-data/uwb.locator/internal/uwb/ranging"
)

var reportPattern = regexp.MustCompile(`\[mac_address=0x([0-9a-fA-F]+),\s*status="SUCCESS",\s*distance\[cm\]=(-?\d+)\]`)

// Report is one ranging result embedded in a notification. Distance is in
// centimetres and can be negative when the device reports a hardware error.
type Report struct {
	Anchor   ranging.AnchorID `json:"anchor"`
	Distance float64          `json:"distance_cm"`
}

// ParseReports returns every successful ranging report in n, in the order
// they appear. Entries that match the pattern but do not parse (for example an
// address too wide for the id type) are skipped. A frame with no reports gives
// an empty result.
func ParseReports(n Notification) []Report {
	matches := reportPattern.FindAllStringSubmatch(string(n), -1)
	if len(matches) == 0 {
		return nil
	}
	out := make([]Report, 0, len(matches))
	for _, m := range matches {
		addr, err := strconv.ParseUint(m[1], 16, 64)
		if err != nil {
			continue
		}
		dist, err := strconv.ParseInt(m[2], 10, 64)
		if err != nil {
			continue
		}
		out = append(out, Report{Anchor: ranging.AnchorID(addr), Distance: float64(dist)})
	}
	return out
}

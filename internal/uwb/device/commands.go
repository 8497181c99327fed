// Package device builds the text commands understood by the ranging modules
// and sequences them with the pauses the firmware needs between writes.
package device

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Static commands.
const (
	CmdStop    = "STOP"
	CmdSave    = "SAVE"
	CmdRestore = "RESTORE"
)

// Role is the application a module runs.
type Role string

const (
	RoleInitiator Role = "INITF"
	RoleResponder Role = "RESPF"
)

// Supported UWB channels.
const (
	Channel5 = 5
	Channel9 = 9

	DefaultChannel = Channel9
)

// DefaultAntDelayKey formats the calibration key of one antenna's delay on
// one channel.
const DefaultAntDelayKey = "ant%d.ch%d.ant_delay"

// InitF starts the initiator application. With multi set the peers are sent
// as a bracketed list, otherwise the first peer is used. A zero channel
// leaves the device default.
func InitF(addr int, peers []int, channel int, multi bool) string {
	var b strings.Builder
	b.WriteString(string(RoleInitiator))
	if multi {
		b.WriteString(" -MULTI")
	}
	fmt.Fprintf(&b, " -ADDR=%d", addr)
	switch {
	case multi:
		fmt.Fprintf(&b, " -PADDR=[%s]", joinInts(peers))
	case len(peers) > 0:
		fmt.Fprintf(&b, " -PADDR=%d", peers[0])
	}
	if channel != 0 {
		fmt.Fprintf(&b, " -CHAN=%d", channel)
	}
	return b.String()
}

// RespF starts the responder application.
func RespF(addr, peer, channel int, multi bool) string {
	var b strings.Builder
	b.WriteString(string(RoleResponder))
	if multi {
		b.WriteString(" -MULTI")
	}
	fmt.Fprintf(&b, " -ADDR=%d -PADDR=%d", addr, peer)
	if channel != 0 {
		fmt.Fprintf(&b, " -CHAN=%d", channel)
	}
	return b.String()
}

// SetApp selects the application started at power-up.
func SetApp(role Role) string {
	return "SETAPP " + string(role)
}

// CalKey writes one calibration value.
func CalKey(key string, value uint64) string {
	return fmt.Sprintf("CALKEY %s %d", key, value)
}

// AntDelayKey renders template (DefaultAntDelayKey when empty) for antenna
// and channel.
func AntDelayKey(template string, antenna, channel int) string {
	if template == "" {
		template = DefaultAntDelayKey
	}
	return fmt.Sprintf(template, antenna, channel)
}

func joinInts(vs []int) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

var (
	staticCommands = map[string]bool{
		CmdStop:    true,
		CmdSave:    true,
		CmdRestore: true,
		"GETDLIST": true,
		"GETKLIST": true,
		"STAT":     true,
		"HELP":     true,
		"THREAD":   true,
	}

	roleCommandPattern = regexp.MustCompile(`^(INITF|RESPF)( -MULTI)?( -ADDR=\d+)?( -PADDR=(\d+|\[\d+(,\d+)*\]))?( -CHAN=(5|9))?$`)
	setAppPattern      = regexp.MustCompile(`^SETAPP (INITF|RESPF|NONE)$`)
	calKeyPattern      = regexp.MustCompile(`^CALKEY [A-Za-z0-9_.]+ (0x[0-9A-Fa-f]+|\d+)$`)
)

// IsAllowedCommand reports whether cmd may be forwarded to a module from the
// admin console. Matching is case-insensitive on the command word.
func IsAllowedCommand(cmd string) bool {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return false
	}
	word, rest, _ := strings.Cut(cmd, " ")
	cmd = strings.ToUpper(word)
	if rest != "" {
		cmd += " " + rest
	}
	if staticCommands[cmd] {
		return true
	}
	if strings.HasPrefix(cmd, "SETAPP ") {
		return setAppPattern.MatchString(strings.ToUpper(cmd))
	}
	return roleCommandPattern.MatchString(cmd) || calKeyPattern.MatchString(cmd)
}

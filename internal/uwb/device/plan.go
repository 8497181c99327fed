package device

// Plan assigns addresses and roles to the connected modules. Module 0 is the
// initiator with address 1; module i is a responder with address i+1.
type Plan struct {
	// Devices is the number of connected modules.
	Devices int
	// Channel is the UWB channel, 5 or 9. Zero leaves the device default.
	Channel int
	// RemoteResponders lists responder addresses that range with the
	// initiator but are not connected to this host.
	RemoteResponders []int
	// Fixed, when set, is sent to every module instead of the role command.
	Fixed string
}

// InitiatorAddr is the short address of module 0.
const InitiatorAddr = 1

// Addr returns the short address of module i.
func (p Plan) Addr(i int) int { return InitiatorAddr + i }

// Role returns the application module i runs.
func (p Plan) Role(i int) Role {
	if i == 0 {
		return RoleInitiator
	}
	return RoleResponder
}

// Responders returns the addresses the initiator ranges with.
func (p Plan) Responders() []int {
	if len(p.RemoteResponders) > 0 {
		return append([]int(nil), p.RemoteResponders...)
	}
	var out []int
	for i := 1; i < p.Devices; i++ {
		out = append(out, p.Addr(i))
	}
	return out
}

// RoleCommand is the command that starts ranging on module i.
func (p Plan) RoleCommand(i int) string {
	if p.Fixed != "" {
		return p.Fixed
	}
	if i == 0 {
		return InitF(p.Addr(0), p.Responders(), p.Channel, true)
	}
	return RespF(p.Addr(i), InitiatorAddr, p.Channel, true)
}

// setupCommand is the role command stored during headless setup. A lone
// pair uses the single-peer form; larger networks use multi mode.
func (p Plan) setupCommand(i int) string {
	multi := p.Devices > 2 || len(p.RemoteResponders) > 1
	if i == 0 {
		return InitF(p.Addr(0), p.Responders(), p.Channel, multi)
	}
	return RespF(p.Addr(i), InitiatorAddr, p.Channel, multi)
}

// Package calibration implements the antenna-delay feedback loop.
//
// A Controller alternates between collecting distance samples at a known
// reference distance and proposing a new antenna delay:
//
//	MEASURING -> ADJUSTING -> MEASURING -> ... -> CONVERGED | ABORTED
//
// The controller never talks to a device. Advance returns a Decision; the
// caller pushes the new delay to the hardware and calls Resume once the
// device is ranging again.
package calibration

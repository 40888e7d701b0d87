package cobot_us

import (
	"github.com/pkg/errors"
)

var (
	// ErrNotConnected is returned for any arm command issued while the link is
	// not in the Connected state.
	ErrNotConnected = errors.New("arm not connected")

	ErrInvalidAngles = errors.New("invalid joint angles")
	ErrInvalidSpeed  = errors.New("invalid speed")
	ErrOutOfRange    = errors.New("value out of range")

	// ErrBusy guards operations that must not overlap: servo release/lock during
	// a sweep or reconstruction, and a second ResetAndStart.
	ErrBusy = errors.New("busy")

	ErrImageStreamUnavailable = errors.New("image stream unavailable")
	ErrRobotNotConnected      = errors.New("robot not connected: no robot base transform")
	ErrMoveTimeout            = errors.New("timed out waiting for arm to arrive")
	ErrNotReconstructing      = errors.New("no reconstruction in progress")

	ErrUnknownCommand  = errors.New("unknown command")
	ErrInvalidArgument = errors.New("invalid argument")
)

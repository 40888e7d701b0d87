package cobot_us

import (
	"context"
	"time"
)

// Driver performs raw device IO for one arm controller. It does no state
// tracking or validation beyond what the wire format needs; ArmLink does that.
type Driver interface {
	Version(ctx context.Context) (string, error)
	GetAngles(ctx context.Context) (JointAngles, error)
	SendAngles(ctx context.Context, angles JointAngles, speed int) error
	GetCoords(ctx context.Context) (Coords, error)
	SendCoords(ctx context.Context, coords Coords, speed int, mode MoveMode) error
	AnglesReached(ctx context.Context, target JointAngles) (bool, error)
	CoordsReached(ctx context.Context, target Coords) (bool, error)
	ReleaseServos(ctx context.Context) error
	LockServos(ctx context.Context) error
	Stop(ctx context.Context) error
	Close() error
}

// Endpoint names the serial port the arm controller is attached to.
type Endpoint struct {
	Port     string        `json:"port"`
	Baudrate int           `json:"baudrate,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty"`
}

// DefaultBaudrate is the myCobot 280 controller's UART speed.
const DefaultBaudrate = 115200

func (e Endpoint) withDefaults() Endpoint {
	if e.Baudrate == 0 {
		e.Baudrate = DefaultBaudrate
	}
	if e.Timeout == 0 {
		e.Timeout = time.Second
	}
	return e
}

package cobot_us

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/spatialmath"
)

// NumJoints is the number of rotational axes on the myCobot 280.
const NumJoints = 6

// Speed bounds accepted by the arm for angle and coordinate moves.
const (
	MinSpeed = 1
	MaxSpeed = 50
)

// JointAngles holds one angle in degrees per arm axis, base first.
type JointAngles [NumJoints]float64

// DefaultCenterAngles is the factory sweep center.
var DefaultCenterAngles = JointAngles{0, -28, -135, 76, 5, 45}

// Joint limits in degrees for the myCobot 280.
var jointLimitsDeg = [NumJoints][2]float64{
	{-165, 165},
	{-165, 165},
	{-165, 165},
	{-165, 165},
	{-165, 165},
	{-175, 175},
}

var jointNames = [NumJoints]string{"j1_base", "j2_shoulder", "j3_elbow", "j4_wrist_pitch", "j5_wrist_yaw", "j6_flange"}

// NewJointAngles converts a raw slice into JointAngles. Anything other than
// exactly six finite values within the joint limits is rejected.
func NewJointAngles(values []float64) (JointAngles, error) {
	var ja JointAngles
	if len(values) != NumJoints {
		return ja, errors.Wrapf(ErrInvalidAngles, "expected %d angles, got %d", NumJoints, len(values))
	}
	copy(ja[:], values)
	if err := ja.Validate(); err != nil {
		return JointAngles{}, err
	}
	return ja, nil
}

// Validate checks every axis against the joint limits.
func (ja JointAngles) Validate() error {
	for i, v := range ja {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.Wrapf(ErrInvalidAngles, "%s is not a finite value", jointNames[i])
		}
		if v < jointLimitsDeg[i][0] || v > jointLimitsDeg[i][1] {
			return errors.Wrapf(ErrInvalidAngles, "%s=%.2f outside [%.0f, %.0f]",
				jointNames[i], v, jointLimitsDeg[i][0], jointLimitsDeg[i][1])
		}
	}
	return nil
}

// WithSweepOffset returns a copy with the base and flange axes each moved by
// offset degrees. The other four axes are untouched.
func (ja JointAngles) WithSweepOffset(offset float64) JointAngles {
	out := ja
	out[0] += offset
	out[NumJoints-1] += offset
	return out
}

// Slice returns the angles as a new slice.
func (ja JointAngles) Slice() []float64 {
	out := make([]float64, NumJoints)
	copy(out, ja[:])
	return out
}

func (ja JointAngles) String() string {
	return fmt.Sprintf("[%.2f, %.2f, %.2f, %.2f, %.2f, %.2f]", ja[0], ja[1], ja[2], ja[3], ja[4], ja[5])
}

// Radians returns the angles converted to radians.
func (ja JointAngles) Radians() [NumJoints]float64 {
	var out [NumJoints]float64
	for i, v := range ja {
		out[i] = v * math.Pi / 180
	}
	return out
}

// ValidateSpeed rejects speeds outside [MinSpeed, MaxSpeed].
func ValidateSpeed(speed int) error {
	if speed < MinSpeed || speed > MaxSpeed {
		return errors.Wrapf(ErrInvalidSpeed, "speed %d outside [%d, %d]", speed, MinSpeed, MaxSpeed)
	}
	return nil
}

// MoveMode selects how the controller interpolates a Cartesian move.
type MoveMode int

const (
	MoveModeAngular MoveMode = 0
	MoveModeLinear  MoveMode = 1
)

// Coords is a Cartesian end-effector position in millimetres plus
// roll/pitch/yaw in degrees, as reported by the arm controller.
type Coords struct {
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
	Z  float64 `json:"z"`
	RX float64 `json:"rx"`
	RY float64 `json:"ry"`
	RZ float64 `json:"rz"`
}

// Point returns the translational part.
func (c Coords) Point() r3.Vector {
	return r3.Vector{X: c.X, Y: c.Y, Z: c.Z}
}

// Pose converts the coordinates to an rdk pose.
func (c Coords) Pose() spatialmath.Pose {
	return spatialmath.NewPose(c.Point(), &spatialmath.EulerAngles{
		Roll:  c.RX * math.Pi / 180,
		Pitch: c.RY * math.Pi / 180,
		Yaw:   c.RZ * math.Pi / 180,
	})
}

// CoordsFromPose is the inverse of Coords.Pose.
func CoordsFromPose(p spatialmath.Pose) Coords {
	pt := p.Point()
	ea := p.Orientation().EulerAngles()
	return Coords{
		X:  pt.X,
		Y:  pt.Y,
		Z:  pt.Z,
		RX: ea.Roll * 180 / math.Pi,
		RY: ea.Pitch * 180 / math.Pi,
		RZ: ea.Yaw * 180 / math.Pi,
	}
}

func (c Coords) validate() error {
	for _, v := range []float64{c.X, c.Y, c.Z, c.RX, c.RY, c.RZ} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.New("coordinates must be finite")
		}
	}
	return nil
}

package cobot_us

import (
	"math"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
)

// Kinematics maps joint angles to the flange pose in the robot base frame.
type Kinematics interface {
	Transform(angles JointAngles) (spatialmath.Pose, error)
}

// DHLink is one row of a standard Denavit-Hartenberg table. Lengths are in
// millimetres, angles in radians.
type DHLink struct {
	D           float64
	A           float64
	Alpha       float64
	ThetaOffset float64
}

// DHKinematics composes a DH table with rdk spatialmath poses.
type DHKinematics struct {
	links []DHLink
}

// myCobot 280 DH table as published by Elephant Robotics.
var myCobot280DH = []DHLink{
	{D: 131.22, A: 0, Alpha: math.Pi / 2, ThetaOffset: 0},
	{D: 0, A: -110.4, Alpha: 0, ThetaOffset: -math.Pi / 2},
	{D: 0, A: -96, Alpha: 0, ThetaOffset: 0},
	{D: 63.4, A: 0, Alpha: math.Pi / 2, ThetaOffset: -math.Pi / 2},
	{D: 75.05, A: 0, Alpha: -math.Pi / 2, ThetaOffset: math.Pi / 2},
	{D: 45.6, A: 0, Alpha: 0, ThetaOffset: 0},
}

// NewMyCobot280Kinematics returns the forward kinematics of the myCobot 280.
func NewMyCobot280Kinematics() *DHKinematics {
	return NewDHKinematics(myCobot280DH)
}

// NewDHKinematics builds a chain from the given links, base first.
func NewDHKinematics(links []DHLink) *DHKinematics {
	cp := make([]DHLink, len(links))
	copy(cp, links)
	return &DHKinematics{links: cp}
}

// Transform composes Rz(theta) Tz(d) Tx(a) Rx(alpha) for every link. Axes
// beyond the table length are ignored.
func (k *DHKinematics) Transform(angles JointAngles) (spatialmath.Pose, error) {
	rad := angles.Radians()
	pose := spatialmath.NewZeroPose()
	for i, l := range k.links {
		theta := l.ThetaOffset
		if i < NumJoints {
			theta += rad[i]
		}
		screw := spatialmath.NewPose(r3.Vector{Z: l.D}, &spatialmath.R4AA{Theta: theta, RZ: 1})
		twist := spatialmath.NewPose(r3.Vector{X: l.A}, &spatialmath.R4AA{Theta: l.Alpha, RX: 1})
		pose = spatialmath.Compose(pose, spatialmath.Compose(screw, twist))
	}
	return pose, nil
}

package cobot_us

import (
	"math"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
)

// Matrix4 is a row-major 4x4 homogeneous rigid transform.
type Matrix4 [16]float64

// IdentityMatrix returns the identity transform.
func IdentityMatrix() Matrix4 {
	return Matrix4{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// TranslationMatrix returns a pure translation.
func TranslationMatrix(v r3.Vector) Matrix4 {
	m := IdentityMatrix()
	m.SetTranslation(v)
	return m
}

// MatrixFromPose converts a pose to a homogeneous matrix.
func MatrixFromPose(p spatialmath.Pose) Matrix4 {
	q := p.Orientation().Quaternion()
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	pt := p.Point()
	return Matrix4{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y), pt.X,
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x), pt.Y,
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y), pt.Z,
		0, 0, 0, 1,
	}
}

// At returns element (row, col).
func (m Matrix4) At(row, col int) float64 {
	return m[row*4+col]
}

// Translation returns the translational column.
func (m Matrix4) Translation() r3.Vector {
	return r3.Vector{X: m[3], Y: m[7], Z: m[11]}
}

// SetTranslation overwrites the translational column.
func (m *Matrix4) SetTranslation(v r3.Vector) {
	m[3], m[7], m[11] = v.X, v.Y, v.Z
}

// Mul returns m * o.
func (m Matrix4) Mul(o Matrix4) Matrix4 {
	var out Matrix4
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			var sum float64
			for k := 0; k < 4; k++ {
				sum += m[r*4+k] * o[k*4+c]
			}
			out[r*4+c] = sum
		}
	}
	return out
}

// RotationXMatrix returns a rotation of deg degrees about the x axis.
func RotationXMatrix(deg float64) Matrix4 {
	s, c := math.Sincos(deg * math.Pi / 180)
	return Matrix4{
		1, 0, 0, 0,
		0, c, -s, 0,
		0, s, c, 0,
		0, 0, 0, 1,
	}
}

// ScaleMatrix returns a uniform scale.
func ScaleMatrix(f float64) Matrix4 {
	return Matrix4{
		f, 0, 0, 0,
		0, f, 0, 0,
		0, 0, f, 0,
		0, 0, 0, 1,
	}
}

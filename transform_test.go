package cobot_us

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"go.viam.com/rdk/spatialmath"
)

func assertMatrixNear(t *testing.T, want, got Matrix4) {
	t.Helper()
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-9, "element %d", i)
	}
}

func TestMatrixMul(t *testing.T) {
	t.Run("identity is neutral", func(t *testing.T) {
		m := TranslationMatrix(r3.Vector{X: 1, Y: 2, Z: 3})
		assertMatrixNear(t, m, IdentityMatrix().Mul(m))
		assertMatrixNear(t, m, m.Mul(IdentityMatrix()))
	})

	t.Run("translations add", func(t *testing.T) {
		a := TranslationMatrix(r3.Vector{X: 1})
		b := TranslationMatrix(r3.Vector{Y: 2})
		assert.Equal(t, r3.Vector{X: 1, Y: 2}, a.Mul(b).Translation())
	})

	t.Run("rotation then scale", func(t *testing.T) {
		m := RotationXMatrix(90).Mul(ScaleMatrix(0.64))
		want := Matrix4{
			0.64, 0, 0, 0,
			0, 0, -0.64, 0,
			0, 0.64, 0, 0,
			0, 0, 0, 1,
		}
		assertMatrixNear(t, want, m)
	})
}

func TestMatrixFromPose(t *testing.T) {
	pose := spatialmath.NewPose(
		r3.Vector{X: 10, Y: 20, Z: 30},
		&spatialmath.R4AA{Theta: math.Pi / 2, RZ: 1},
	)

	m := MatrixFromPose(pose)

	want := Matrix4{
		0, -1, 0, 10,
		1, 0, 0, 20,
		0, 0, 1, 30,
		0, 0, 0, 1,
	}
	assertMatrixNear(t, want, m)
	assert.InDelta(t, 20.0, m.At(1, 3), 1e-9)
}

func TestSetTranslation(t *testing.T) {
	m := RotationXMatrix(45)
	m.SetTranslation(r3.Vector{X: 4, Y: 5, Z: 6})
	assert.Equal(t, r3.Vector{X: 4, Y: 5, Z: 6}, m.Translation())
	assert.InDelta(t, math.Sqrt2/2, m.At(1, 1), 1e-12)
}

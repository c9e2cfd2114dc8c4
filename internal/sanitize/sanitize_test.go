package sanitize

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"github.com/verdantvr/grove/internal/geom"
)

func TestClampVector3InRange(t *testing.T) {
	v := ClampVector3(geom.Vector3{X: 1.23456, Y: -2.5, Z: 0})
	assert.Equal(t, geom.Vector3{X: 1.235, Y: -2.5, Z: 0}, v)
}

func TestClampVector3Clamps(t *testing.T) {
	v := ClampVector3(geom.Vector3{X: 5000, Y: -99999, Z: 1000.0004})
	assert.Equal(t, geom.Vector3{X: 1000, Y: -1000, Z: 1000}, v)
}

func TestClampVector3NonNumeric(t *testing.T) {
	for _, bad := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		v := ClampVector3(geom.Vector3{X: bad, Y: 1, Z: 2})
		assert.Equal(t, geom.Vector3{}, v, "input with component %v must collapse to zero", bad)
	}
}

func TestClampQuaternionInRange(t *testing.T) {
	q := ClampQuaternion(geom.Quaternion{X: 0.12344, Y: -0.5, Z: 0.9999, W: 1})
	assert.Equal(t, geom.Quaternion{X: 0.123, Y: -0.5, Z: 1, W: 1}, q)
}

func TestClampQuaternionClamps(t *testing.T) {
	q := ClampQuaternion(geom.Quaternion{X: 7, Y: -3, Z: 0.5, W: 2})
	assert.Equal(t, geom.Quaternion{X: 1, Y: -1, Z: 0.5, W: 1}, q)
}

func TestClampQuaternionNonNumeric(t *testing.T) {
	q := ClampQuaternion(geom.Quaternion{X: math.NaN(), Y: 0, Z: 0, W: 1})
	assert.Equal(t, geom.Identity(), q)
}

func TestClampQuaternionDoesNotRenormalize(t *testing.T) {
	// Component-wise clamping can yield a non-unit quaternion; that is
	// deliberate and must be preserved.
	q := ClampQuaternion(geom.Quaternion{X: 1, Y: 1, Z: 1, W: 1})
	assert.Equal(t, geom.Quaternion{X: 1, Y: 1, Z: 1, W: 1}, q)
}

func TestPoseOrIdentityNil(t *testing.T) {
	p := PoseOrIdentity(nil)
	assert.Equal(t, geom.IdentityPose(), p)
}

func TestPoseOrIdentitySanitizes(t *testing.T) {
	in := geom.Pose{
		Position: geom.Vector3{X: 2000, Y: 1.5, Z: -3},
		Rotation: geom.Quaternion{X: 2, W: 1},
	}
	p := PoseOrIdentity(&in)
	assert.Equal(t, geom.Vector3{X: 1000, Y: 1.5, Z: -3}, p.Position)
	assert.Equal(t, geom.Quaternion{X: 1, W: 1}, p.Rotation)
}

// Property-based tests

func TestPropertyVectorComponentsBoundedAndQuantized(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		in := geom.Vector3{
			X: rapid.Float64Range(-1e9, 1e9).Draw(t, "x"),
			Y: rapid.Float64Range(-1e9, 1e9).Draw(t, "y"),
			Z: rapid.Float64Range(-1e9, 1e9).Draw(t, "z"),
		}
		out := ClampVector3(in)
		for _, c := range []float64{out.X, out.Y, out.Z} {
			if c < -PositionLimit || c > PositionLimit {
				t.Fatalf("component %v out of range", c)
			}
			if !isQuantized(c) {
				t.Fatalf("component %v is not a multiple of 0.001", c)
			}
		}
	})
}

func TestPropertyQuaternionComponentsBounded(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		in := geom.Quaternion{
			X: rapid.Float64Range(-1e6, 1e6).Draw(t, "x"),
			Y: rapid.Float64Range(-1e6, 1e6).Draw(t, "y"),
			Z: rapid.Float64Range(-1e6, 1e6).Draw(t, "z"),
			W: rapid.Float64Range(-1e6, 1e6).Draw(t, "w"),
		}
		out := ClampQuaternion(in)
		for _, c := range []float64{out.X, out.Y, out.Z, out.W} {
			if c < -RotationLimit || c > RotationLimit {
				t.Fatalf("component %v out of range", c)
			}
			if !isQuantized(c) {
				t.Fatalf("component %v is not a multiple of 0.001", c)
			}
		}
	})
}

func TestPropertyIdempotent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		in := geom.Vector3{
			X: rapid.Float64Range(-5000, 5000).Draw(t, "x"),
			Y: rapid.Float64Range(-5000, 5000).Draw(t, "y"),
			Z: rapid.Float64Range(-5000, 5000).Draw(t, "z"),
		}
		once := ClampVector3(in)
		twice := ClampVector3(once)
		if once != twice {
			t.Fatalf("sanitizing twice changed the value: %v != %v", once, twice)
		}
	})
}

// isQuantized reports whether v is a multiple of 0.001 within float error.
func isQuantized(v float64) bool {
	scaled := v * 1000
	return math.Abs(scaled-math.Round(scaled)) < 1e-6
}

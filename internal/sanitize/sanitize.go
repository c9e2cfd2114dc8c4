// Package sanitize bounds untrusted pose data before the relay fans it out.
// It is a defensive boundary against malformed or malicious payloads, not a
// physical normalization step: quaternions are clamped component-wise and
// may leave here non-unit.
package sanitize

import (
	"math"

	"github.com/verdantvr/grove/internal/geom"
)

const (
	// PositionLimit bounds every position axis to [-PositionLimit, PositionLimit].
	PositionLimit = 1000.0
	// RotationLimit bounds every quaternion component to [-RotationLimit, RotationLimit].
	RotationLimit = 1.0
	// precision is the rounding granularity (3 decimal places).
	precision = 1000.0
)

// ClampVector3 clamps each axis to [-1000, 1000] rounded to 3 decimals.
// NaN or infinite components collapse the whole vector to zero.
func ClampVector3(v geom.Vector3) geom.Vector3 {
	if !finite(v.X) || !finite(v.Y) || !finite(v.Z) {
		return geom.Vector3{}
	}
	return geom.Vector3{
		X: clamp(v.X, PositionLimit),
		Y: clamp(v.Y, PositionLimit),
		Z: clamp(v.Z, PositionLimit),
	}
}

// ClampQuaternion clamps each component independently to [-1, 1] rounded to
// 3 decimals. NaN or infinite components collapse to the identity rotation.
func ClampQuaternion(q geom.Quaternion) geom.Quaternion {
	if !finite(q.X) || !finite(q.Y) || !finite(q.Z) || !finite(q.W) {
		return geom.Identity()
	}
	return geom.Quaternion{
		X: clamp(q.X, RotationLimit),
		Y: clamp(q.Y, RotationLimit),
		Z: clamp(q.Z, RotationLimit),
		W: clamp(q.W, RotationLimit),
	}
}

// Pose sanitizes both halves of a pose.
func Pose(p geom.Pose) geom.Pose {
	return geom.Pose{
		Position: ClampVector3(p.Position),
		Rotation: ClampQuaternion(p.Rotation),
	}
}

// PoseOrIdentity sanitizes *p, or returns the identity pose when the field
// was absent from the payload. Missing sub-poses default rather than reject.
func PoseOrIdentity(p *geom.Pose) geom.Pose {
	if p == nil {
		return geom.IdentityPose()
	}
	return Pose(*p)
}

func clamp(v, limit float64) float64 {
	if v > limit {
		v = limit
	} else if v < -limit {
		v = -limit
	}
	return math.Round(v*precision) / precision
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

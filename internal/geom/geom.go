// Package geom provides the small set of 3D value types shared by the wire
// protocol and the client-side interpolation code.
package geom

import "math"

// Vector3 is a point or direction in world space.
type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Quaternion is an orientation. Components are carried as-is: the sync
// protocol clamps them component-wise and does not guarantee unit length.
type Quaternion struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

// Pose pairs a position with an orientation.
type Pose struct {
	Position Vector3    `json:"p"`
	Rotation Quaternion `json:"q"`
}

// Identity returns the identity quaternion {0,0,0,1}.
func Identity() Quaternion {
	return Quaternion{W: 1}
}

// IdentityPose returns a pose at the origin with identity rotation.
func IdentityPose() Pose {
	return Pose{Rotation: Identity()}
}

// Lerp linearly interpolates from a to b by t.
//
// Precondition: t should be in [0,1]; values outside extrapolate.
func Lerp(a, b Vector3, t float64) Vector3 {
	return Vector3{
		X: a.X + (b.X-a.X)*t,
		Y: a.Y + (b.Y-a.Y)*t,
		Z: a.Z + (b.Z-a.Z)*t,
	}
}

// Slerp spherically interpolates from a to b by t, taking the shortest
// path. Near-parallel inputs fall back to normalized linear interpolation
// to avoid division by a vanishing sine.
func Slerp(a, b Quaternion, t float64) Quaternion {
	dot := a.X*b.X + a.Y*b.Y + a.Z*b.Z + a.W*b.W

	// Take the shorter arc.
	if dot < 0 {
		b = Quaternion{X: -b.X, Y: -b.Y, Z: -b.Z, W: -b.W}
		dot = -dot
	}

	if dot > 0.9995 {
		return normalize(Quaternion{
			X: a.X + (b.X-a.X)*t,
			Y: a.Y + (b.Y-a.Y)*t,
			Z: a.Z + (b.Z-a.Z)*t,
			W: a.W + (b.W-a.W)*t,
		})
	}

	theta := math.Acos(dot)
	sinTheta := math.Sin(theta)
	wa := math.Sin((1-t)*theta) / sinTheta
	wb := math.Sin(t*theta) / sinTheta
	return Quaternion{
		X: wa*a.X + wb*b.X,
		Y: wa*a.Y + wb*b.Y,
		Z: wa*a.Z + wb*b.Z,
		W: wa*a.W + wb*b.W,
	}
}

// Distance returns the Euclidean distance between a and b.
func Distance(a, b Vector3) float64 {
	dx, dy, dz := b.X-a.X, b.Y-a.Y, b.Z-a.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

func normalize(q Quaternion) Quaternion {
	n := math.Sqrt(q.X*q.X + q.Y*q.Y + q.Z*q.Z + q.W*q.W)
	if n == 0 {
		return Identity()
	}
	return Quaternion{X: q.X / n, Y: q.Y / n, Z: q.Z / n, W: q.W / n}
}

// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package frame

import (
	"errors"
	"fmt"
	"math"

	"github.com/westphae/quaternion"
)

// enuToNED is the fixed reference-frame rotation between the motion-capture
// convention (ENU-style, as streamed by OptiTrack) and the flight
// controller's NED navigation convention. It is a constant of the frame
// change, never recomputed per sample.
var enuToNED = quaternion.Quaternion{W: 0, X: math.Sqrt2 / 2, Y: math.Sqrt2 / 2, Z: 0}

// UnitTolerance is how far a quaternion magnitude may deviate from 1
// before the sample is rejected as malformed.
const UnitTolerance = 1e-3

var (
	// ErrNonFinite marks a pose containing NaN or Inf components.
	ErrNonFinite = errors.New("frame: non-finite pose component")
	// ErrNotUnit marks an orientation quaternion whose magnitude deviates
	// from 1 beyond UnitTolerance.
	ErrNotUnit = errors.New("frame: orientation quaternion is not unit norm")
)

// Vec3 is a position in meters.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Pose is a rigid-body pose: position plus a unit orientation quaternion.
// The same type carries both the motion-capture and the NED convention;
// which one applies is determined by where the value came from.
type Pose struct {
	Pos  Vec3
	Quat quaternion.Quaternion
}

func norm(q quaternion.Quaternion) float64 {
	return math.Sqrt(q.W*q.W + q.X*q.X + q.Y*q.Y + q.Z*q.Z)
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Validate rejects malformed poses instead of letting them flow through the
// pipeline. A rejected pose is treated the same as a missing one downstream.
func Validate(p Pose) error {
	if !finite(p.Pos.X, p.Pos.Y, p.Pos.Z, p.Quat.W, p.Quat.X, p.Quat.Y, p.Quat.Z) {
		return ErrNonFinite
	}
	if n := norm(p.Quat); math.Abs(n-1) > UnitTolerance {
		return fmt.Errorf("%w: |q|=%g", ErrNotUnit, n)
	}
	return nil
}

// renormalize corrects the numerical drift a quaternion product picks up.
func renormalize(q quaternion.Quaternion) quaternion.Quaternion {
	n := norm(q)
	return quaternion.Quaternion{W: q.W / n, X: q.X / n, Y: q.Y / n, Z: q.Z / n}
}

// rotate applies q v q* with v as a pure quaternion.
func rotate(q quaternion.Quaternion, v Vec3) Vec3 {
	p := quaternion.Prod(q, quaternion.Quaternion{X: v.X, Y: v.Y, Z: v.Z}, q.Conj())
	return Vec3{X: p.X, Y: p.Y, Z: p.Z}
}

// ToNED converts a motion-capture pose into the flight controller's NED
// convention. The function is total: malformed input yields an error, never
// a silently substituted identity pose.
func ToNED(p Pose) (Pose, error) {
	if err := Validate(p); err != nil {
		return Pose{}, err
	}
	return Pose{
		Pos:  rotate(enuToNED, p.Pos),
		Quat: renormalize(quaternion.Prod(enuToNED, p.Quat)),
	}, nil
}

// FromNED is the inverse of ToNED. ToNED followed by FromNED reproduces the
// original pose within floating-point tolerance.
func FromNED(p Pose) (Pose, error) {
	if err := Validate(p); err != nil {
		return Pose{}, err
	}
	inv := enuToNED.Conj()
	return Pose{
		Pos:  rotate(inv, p.Pos),
		Quat: renormalize(quaternion.Prod(inv, p.Quat)),
	}, nil
}

// ToEuler extracts roll, pitch and yaw (radians) from a unit quaternion.
// Pitch is clamped to ±π/2 when the asin argument leaves its domain, which
// happens right at the gimbal singularity.
func ToEuler(q quaternion.Quaternion) (roll, pitch, yaw float64) {
	sinrCosp := 2 * (q.W*q.X + q.Y*q.Z)
	cosrCosp := 1 - 2*(q.X*q.X+q.Y*q.Y)
	roll = math.Atan2(sinrCosp, cosrCosp)

	sinp := 2 * (q.W*q.Y - q.Z*q.X)
	if math.Abs(sinp) >= 1 {
		pitch = math.Copysign(math.Pi/2, sinp)
	} else {
		pitch = math.Asin(sinp)
	}

	sinyCosp := 2 * (q.W*q.Z + q.X*q.Y)
	cosyCosp := 1 - 2*(q.Y*q.Y+q.Z*q.Z)
	yaw = math.Atan2(sinyCosp, cosyCosp)

	return roll, pitch, yaw
}

// FollowOffset computes the NED position a set distance behind a target
// (along its heading) and above it. Above means more negative Z in NED.
func FollowOffset(target Pose, behind, above float64) Vec3 {
	_, _, yaw := ToEuler(target.Quat)
	return Vec3{
		X: target.Pos.X - behind*math.Cos(yaw),
		Y: target.Pos.Y - behind*math.Sin(yaw),
		Z: target.Pos.Z - above,
	}
}

// Distance is the straight-line distance between two positions, used to
// reject implausible per-update position jumps.
func Distance(a, b Vec3) float64 {
	dx, dy, dz := a.X-b.X, a.Y-b.Y, a.Z-b.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// Package ear computes the eye aspect ratio used for blink detection.
package ear

import (
	"errors"
	"math"

	"github.com/andresmejia3/faceauth/internal/types"
)

// ErrInvalidLandmarks is returned when the horizontal eye span collapses,
// which only happens with corrupt keypoints. The frame should be skipped.
var ErrInvalidLandmarks = errors.New("invalid eye landmarks")

// minSpan is the smallest corner-to-corner distance (in pixels) treated as an eye.
const minSpan = 1e-6

// EyeAspectRatio returns (|p1-p5| + |p2-p4|) / (2 * |p0-p3|) for one eye.
func EyeAspectRatio(eye types.EyeLandmarks) (float64, error) {
	a := dist(eye[1], eye[5])
	b := dist(eye[2], eye[4])
	c := dist(eye[0], eye[3])
	if c < minSpan || math.IsNaN(c) {
		return 0, ErrInvalidLandmarks
	}
	r := (a + b) / (2.0 * c)
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return 0, ErrInvalidLandmarks
	}
	return r, nil
}

// FaceEAR returns the mean EAR of both eyes of a face.
func FaceEAR(face types.Face) (float64, error) {
	left, err := EyeAspectRatio(face.LeftEye)
	if err != nil {
		return 0, err
	}
	right, err := EyeAspectRatio(face.RightEye)
	if err != nil {
		return 0, err
	}
	return (left + right) / 2, nil
}

func dist(p, q types.Point) float64 {
	return math.Hypot(p.X-q.X, p.Y-q.Y)
}

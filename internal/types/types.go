package types

import "time"

// Point is a 2-D image coordinate in pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// EyeLandmarks are the six keypoints of one eye in the order
// outer corner, upper lid (2), inner corner, lower lid (2).
type EyeLandmarks [6]Point

// Box is a face region as [top, right, bottom, left] in pixels.
type Box [4]int

// Face is one detected face with the eye keypoints used for blink counting.
type Face struct {
	Loc      Box          `json:"loc"`
	LeftEye  EyeLandmarks `json:"left_eye"`
	RightEye EyeLandmarks `json:"right_eye"`
}

// Frame represents a single camera frame handed to a channel.
type Frame struct {
	Index int
	Data  []byte // JPEG encoded
}

// Embedding is a fixed-length face descriptor (128-d for dlib models).
type Embedding []float64

// EnrollmentRecord is one enrolled identity.
type EnrollmentRecord struct {
	Identity  string    `json:"identity"`
	Embedding Embedding `json:"embedding"`
	CreatedAt time.Time `json:"created_at"`
}

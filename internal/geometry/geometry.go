package geometry

import (
	"errors"
	"math"

	"blinkwatch/internal/model"
)

const eyePointCount = 6

// ErrInvalidEyeShape is returned when an eye contour does not hold exactly
// six points. Callers treat the frame as carrying no usable sample.
var ErrInvalidEyeShape = errors.New("eye shape must contain exactly 6 points")

// Distance returns the Euclidean distance between two pixel coordinates.
func Distance(p1, p2 model.Point) float64 {
	return math.Hypot(float64(p1.X-p2.X), float64(p1.Y-p2.Y))
}

// EyeAspectRatio computes the EAR scalar for a 6-point eye contour:
// the two lid-to-lid vertical distances over twice the corner-to-corner
// width. A zero-width contour yields 0.0 rather than a division error;
// an eye that narrow carries no open/closed signal.
func EyeAspectRatio(eye model.EyeShape) (float64, error) {
	if len(eye) != eyePointCount {
		return 0, ErrInvalidEyeShape
	}
	a := Distance(eye[1], eye[5])
	b := Distance(eye[2], eye[4])
	c := Distance(eye[0], eye[3])
	if c == 0 {
		return 0, nil
	}
	return (a + b) / (2 * c), nil
}

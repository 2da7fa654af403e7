package geometry

import (
	"errors"
	"math"
	"testing"

	"blinkwatch/internal/model"
)

func openEye() model.EyeShape {
	return model.EyeShape{
		{X: 0, Y: 10},
		{X: 3, Y: 6},
		{X: 7, Y: 6},
		{X: 10, Y: 10},
		{X: 7, Y: 14},
		{X: 3, Y: 14},
	}
}

func TestDistance(t *testing.T) {
	got := Distance(model.Point{X: 0, Y: 0}, model.Point{X: 3, Y: 4})
	if got != 5 {
		t.Fatalf("distance: got %v, want 5", got)
	}
	if Distance(model.Point{X: 2, Y: 2}, model.Point{X: 2, Y: 2}) != 0 {
		t.Fatalf("distance of identical points must be 0")
	}
}

func TestEyeAspectRatioOpenEye(t *testing.T) {
	ear, err := EyeAspectRatio(openEye())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// A = B = 8, C = 10 -> (8+8)/20 = 0.8
	if math.Abs(ear-0.8) > 1e-9 {
		t.Fatalf("ear: got %v, want 0.8", ear)
	}
}

func TestEyeAspectRatioWrongPointCount(t *testing.T) {
	for _, n := range []int{0, 5, 7} {
		eye := make(model.EyeShape, n)
		if _, err := EyeAspectRatio(eye); !errors.Is(err, ErrInvalidEyeShape) {
			t.Fatalf("len %d: got err %v, want ErrInvalidEyeShape", n, err)
		}
	}
}

func TestEyeAspectRatioDegenerateWidth(t *testing.T) {
	// All six points collinear on a vertical line: corner-to-corner width 0.
	eye := model.EyeShape{
		{X: 5, Y: 0},
		{X: 5, Y: 1},
		{X: 5, Y: 2},
		{X: 5, Y: 0},
		{X: 5, Y: 4},
		{X: 5, Y: 5},
	}
	ear, err := EyeAspectRatio(eye)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ear != 0.0 {
		t.Fatalf("degenerate eye: got %v, want exactly 0.0", ear)
	}
}

func TestEyeAspectRatioTranslationInvariant(t *testing.T) {
	base := openEye()
	baseEAR, err := EyeAspectRatio(base)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	shifted := make(model.EyeShape, len(base))
	for i, p := range base {
		shifted[i] = model.Point{X: p.X + 137, Y: p.Y - 42}
	}
	shiftedEAR, err := EyeAspectRatio(shifted)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(baseEAR-shiftedEAR) > 1e-12 {
		t.Fatalf("translation changed ear: %v vs %v", baseEAR, shiftedEAR)
	}
}

package driver

import "blinkwatch/internal/model"

// EmbeddedLandmarks reads eye contours already carried on the sample.
// Capture sidecars run the landmark model and embed the first detected
// face's contours; frames without both eyes read as "no face".
type EmbeddedLandmarks struct{}

func (EmbeddedLandmarks) EyeLandmarks(sample model.FrameSample) (model.EyeShape, model.EyeShape, bool) {
	if len(sample.LeftEye) == 0 || len(sample.RightEye) == 0 {
		return nil, nil, false
	}
	return sample.LeftEye, sample.RightEye, true
}

package detector

// Defaults match the capture sidecar's tuning for a 30fps feed.
const (
	DefaultEARThreshold = 0.21
	DefaultConsecFrames = 2
)

// Detector turns a noisy per-frame EAR stream into discrete blink counts.
// A blink registers on the frame where the eye reopens after at least
// ConsecFrames consecutive below-threshold frames: a rising-edge detector
// with a debounce floor, not detection of the closure itself.
//
// One Detector belongs to exactly one frame loop; it is not safe for
// concurrent use.
type Detector struct {
	threshold    float64
	consecFrames int
	run          int
	count        int
}

func New(threshold float64, consecFrames int) *Detector {
	if threshold <= 0 {
		threshold = DefaultEARThreshold
	}
	if consecFrames <= 0 {
		consecFrames = DefaultConsecFrames
	}
	return &Detector{threshold: threshold, consecFrames: consecFrames}
}

// Tick consumes one frame's sample. ok is false when no usable face was
// visible this frame; such frames count as "eye not closed" and break any
// in-progress closure run. If the run already met the debounce floor, the
// blink is still registered on the tick that breaks the run.
//
// Returns the cumulative blink count and whether this tick registered one.
func (d *Detector) Tick(ear float64, ok bool) (int, bool) {
	if ok && ear < d.threshold {
		d.run++
		return d.count, false
	}
	blinked := d.run >= d.consecFrames
	d.run = 0
	if blinked {
		d.count++
	}
	return d.count, blinked
}

// Count returns the cumulative blink count.
func (d *Detector) Count() int { return d.count }

// RunLength returns the current consecutive below-threshold frame count.
func (d *Detector) RunLength() int { return d.run }

func (d *Detector) Threshold() float64 { return d.threshold }

func (d *Detector) ConsecFrames() int { return d.consecFrames }

package driver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"blinkwatch/internal/detector"
	"blinkwatch/internal/events"
	"blinkwatch/internal/geometry"
	"blinkwatch/internal/model"
	"blinkwatch/internal/stats"
	"blinkwatch/internal/storage"
)

// FrameSource supplies per-frame samples on demand. Next blocks until a
// frame is available and returns io.EOF when the stream ends; any other
// error also terminates the session (a stalled source simply stalls the
// loop). Close releases the underlying resource and must be idempotent.
type FrameSource interface {
	Next() (model.FrameSample, error)
	Close() error
}

// LandmarkProvider extracts the two 6-point eye contours for the first
// detected face in a frame. ok is false when no face was found.
type LandmarkProvider interface {
	EyeLandmarks(sample model.FrameSample) (left, right model.EyeShape, ok bool)
}

// Hooks are the driver's outbound notifications, invoked synchronously from
// the frame loop. Consumers that cannot keep up must bridge them onto a
// channel themselves; see sessions.Manager.
type Hooks struct {
	// OnCount fires at most once per tick, with the new cumulative count.
	OnCount func(count int)
	// OnBlink fires once per detected blink with the full event record.
	OnBlink func(ev model.BlinkEvent)
	// OnFrame fires for every processed frame (preview feeds).
	OnFrame func(sample model.FrameSample)
	// OnFinished fires exactly once, on every exit path.
	OnFinished func(summary model.SessionSummary)
}

// Options carries the driver's optional collaborators. Everything here may
// be nil; blink detection and in-memory counting never depend on them.
type Options struct {
	Store  storage.Store
	Events *events.Store
	Stats  *stats.Store
	Logger *slog.Logger
	Hooks  Hooks
}

// Driver owns one camera session: it sequences frame acquisition, landmark
// extraction, EAR computation and detector ticks, and fans the results out
// to its hooks and stores. One driver owns exactly one source and one
// detector; neither is shared.
type Driver struct {
	source    FrameSource
	provider  LandmarkProvider
	det       *detector.Detector
	sessionID string
	userID    int64
	opts      Options

	closedAt time.Time // first frame of the current below-threshold run

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func New(sessionID string, userID int64, source FrameSource, provider LandmarkProvider, det *detector.Detector, opts Options) *Driver {
	if provider == nil {
		provider = EmbeddedLandmarks{}
	}
	if det == nil {
		det = detector.New(0, 0)
	}
	return &Driver{
		source:    source,
		provider:  provider,
		det:       det,
		sessionID: sessionID,
		userID:    userID,
		opts:      opts,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Stop requests a cooperative shutdown. The loop observes it once per
// iteration; worst-case latency is one frame interval. Safe to call from
// any goroutine, any number of times, before or after the loop exits.
func (d *Driver) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
}

// Done is closed after the loop has exited, the source is released and the
// completion hook has fired.
func (d *Driver) Done() <-chan struct{} { return d.done }

// Count returns the blink count observed so far. Only meaningful to read
// after Done() from other goroutines.
func (d *Driver) Count() int { return d.det.Count() }

// Run executes the frame loop until the source ends, an acquisition error
// occurs or Stop is called. The source is released and the completion hook
// fires on every exit path. Callers typically run it on its own goroutine.
func (d *Driver) Run() {
	startedAt := time.Now().UTC()
	var frames uint64

	defer func() {
		if err := d.source.Close(); err != nil && d.opts.Logger != nil {
			d.opts.Logger.Warn("frame source close error", "session_id", d.sessionID, "err", err)
		}
		if d.opts.Stats != nil {
			d.opts.Stats.Finish(d.sessionID)
		}
		if d.opts.Hooks.OnFinished != nil {
			d.opts.Hooks.OnFinished(model.SessionSummary{
				SessionID:  d.sessionID,
				UserID:     d.userID,
				BlinkCount: d.det.Count(),
				Frames:     frames,
				StartedAt:  startedAt,
				EndedAt:    time.Now().UTC(),
			})
		}
		close(d.done)
	}()

	for {
		select {
		case <-d.stop:
			return
		default:
		}

		sample, err := d.source.Next()
		if err != nil {
			// End of stream and device errors both end the session
			// cleanly; recovery is the caller's business.
			if !errors.Is(err, io.EOF) && d.opts.Logger != nil {
				d.opts.Logger.Warn("frame acquisition failed", "session_id", d.sessionID, "err", err)
			}
			return
		}
		if sample.End {
			return
		}
		frames++
		d.processFrame(sample)
	}
}

func (d *Driver) processFrame(sample model.FrameSample) {
	ts := sample.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	ear, ok := d.measure(sample)
	if ok && ear < d.det.Threshold() && d.det.RunLength() == 0 {
		d.closedAt = ts
	}
	count, blinked := d.det.Tick(ear, ok)
	if blinked {
		d.emitBlink(sample, ts, count, ear, ok)
	}
	if d.opts.Stats != nil {
		d.opts.Stats.Observe(d.sessionID, d.userID, count, ear, ok)
	}
	if d.opts.Hooks.OnFrame != nil {
		d.opts.Hooks.OnFrame(sample)
	}
}

// measure reduces a frame to an EAR scalar. A sidecar-computed EAR wins;
// otherwise both eye contours are reduced and averaged. Malformed contours
// degrade to "no sample this frame" rather than propagating.
func (d *Driver) measure(sample model.FrameSample) (float64, bool) {
	if sample.EAR != nil {
		return *sample.EAR, true
	}
	left, right, ok := d.provider.EyeLandmarks(sample)
	if !ok {
		return 0, false
	}
	l, err := geometry.EyeAspectRatio(left)
	if err != nil {
		return 0, false
	}
	r, err := geometry.EyeAspectRatio(right)
	if err != nil {
		return 0, false
	}
	return (l + r) / 2, true
}

func (d *Driver) emitBlink(sample model.FrameSample, ts time.Time, count int, ear float64, earOK bool) {
	ev := model.BlinkEvent{
		UserID:    d.userID,
		SessionID: d.sessionID,
		Timestamp: ts,
		EpochMs:   ts.UnixMilli(),
		EventType: model.EventTypeBlink,
		Source:    sample.Source,
	}
	if earOK {
		v := ear
		ev.EAR = &v
	}
	if !d.closedAt.IsZero() {
		dur := ts.Sub(d.closedAt).Milliseconds()
		if dur >= 0 {
			ev.DurationMs = &dur
		}
		d.closedAt = time.Time{}
	}

	if d.opts.Hooks.OnCount != nil {
		d.opts.Hooks.OnCount(count)
	}
	if d.opts.Events != nil {
		d.opts.Events.Add(ev)
	}
	if d.opts.Store != nil && d.userID != 0 {
		// Persistence is best-effort: a failed insert drops this event and
		// detection carries on.
		if id, err := d.opts.Store.InsertBlinkEvent(context.Background(), ev); err != nil {
			if d.opts.Logger != nil {
				d.opts.Logger.Warn("blink event insert failed",
					"session_id", d.sessionID,
					"user_id", d.userID,
					"err", err,
				)
			}
		} else {
			ev.ID = id
		}
	}
	if d.opts.Hooks.OnBlink != nil {
		d.opts.Hooks.OnBlink(ev)
	}
}

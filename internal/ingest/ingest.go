package ingest

import (
	"context"
	"log/slog"
	"time"

	"blinkwatch/internal/model"
)

// SendNonBlocking forwards a frame sample without ever stalling the
// transport goroutine. A full channel drops the frame; the detector reads
// the gap as a momentary face loss.
func SendNonBlocking(ctx context.Context, out chan<- model.FrameSample, sample model.FrameSample, logger *slog.Logger) bool {
	select {
	case out <- sample:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("frame channel full, dropping frame", "session_id", sample.SessionID, "seq", sample.Seq)
		}
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

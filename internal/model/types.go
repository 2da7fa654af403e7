package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Point is a frame-relative pixel coordinate.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// UnmarshalJSON accepts both {"x":1,"y":2} and [1,2] forms; capture
// sidecars disagree on which one they emit.
func (p *Point) UnmarshalJSON(data []byte) error {
	type plain Point
	var obj plain
	if err := json.Unmarshal(data, &obj); err == nil {
		*p = Point(obj)
		return nil
	}
	var pair [2]int
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("point must be an {x,y} object or [x,y] pair: %w", err)
	}
	p.X = pair[0]
	p.Y = pair[1]
	return nil
}

// EyeShape is the canonical 6-point eye contour, in anatomical order:
// left corner, two upper-lid points, right corner, two lower-lid points.
type EyeShape []Point

// FrameSample is one per-frame record from a capture sidecar. LeftEye and
// RightEye are empty when no face was found this frame. A non-nil EAR
// short-circuits landmark geometry (the sidecar already computed it).
type FrameSample struct {
	SessionID string    `json:"session_id"`
	UserID    int64     `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
	Seq       uint64    `json:"seq,omitempty"`
	LeftEye   EyeShape  `json:"left_eye,omitempty"`
	RightEye  EyeShape  `json:"right_eye,omitempty"`
	EAR       *float64  `json:"ear,omitempty"`
	End       bool      `json:"end,omitempty"`
	Source    string    `json:"source,omitempty"`
}

// BlinkEvent is one detected blink, persisted per user.
type BlinkEvent struct {
	ID         int64     `json:"id"`
	UserID     int64     `json:"user_id"`
	SessionID  string    `json:"session_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	EpochMs    int64     `json:"epoch_ms"`
	DurationMs *int64    `json:"duration_ms,omitempty"`
	EventType  string    `json:"event_type"`
	EAR        *float64  `json:"ear,omitempty"`
	Source     string    `json:"source,omitempty"`
	Metadata   string    `json:"metadata,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// EventTypeBlink tags rows written by the detector path.
const EventTypeBlink = "blink_count"

// BlinkAggregate is the per-user per-day rollup. At most one row exists per
// (UserID, Day); re-aggregation overwrites in place.
type BlinkAggregate struct {
	ID            int64     `json:"id"`
	UserID        int64     `json:"user_id"`
	Day           string    `json:"day"`
	BlinkCount    int       `json:"blink_count"`
	AvgDurationMs *float64  `json:"avg_duration_ms,omitempty"`
	MedianEAR     *float64  `json:"median_ear,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type User struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Age  int    `json:"age"`
}

// SessionStats is the live view of one camera session.
type SessionStats struct {
	SessionID    string    `json:"session_id"`
	UserID       int64     `json:"user_id"`
	BlinkCount   int       `json:"blink_count"`
	LastEAR      float64   `json:"last_ear"`
	FaceVisible  bool      `json:"face_visible"`
	Frames       uint64    `json:"frames"`
	NoFaceFrames uint64    `json:"no_face_frames"`
	Finished     bool      `json:"finished"`
	StartedAt    time.Time `json:"started_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SessionSummary is emitted exactly once when a session's frame loop exits.
type SessionSummary struct {
	SessionID  string    `json:"session_id"`
	UserID     int64     `json:"user_id"`
	BlinkCount int       `json:"blink_count"`
	Frames     uint64    `json:"frames"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
}

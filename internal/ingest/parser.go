package ingest

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"blinkwatch/internal/config"
	"blinkwatch/internal/model"
)

// Parser turns wire frame records into FrameSamples. Capture sidecars emit
// one JSON object per frame; the parser tolerates their timestamp dialects
// and fills in configured defaults for anonymous feeds.
type Parser struct {
	defaultSessionID string
	defaultUserID    int64
}

func NewParser(cfg config.ParserConfig) *Parser {
	sid := cfg.DefaultSessionID
	if sid == "" {
		sid = "default"
	}
	return &Parser{defaultSessionID: sid, defaultUserID: cfg.DefaultUserID}
}

type frameRecord struct {
	SessionID string          `json:"session_id"`
	UserID    int64           `json:"user_id"`
	Timestamp json.RawMessage `json:"timestamp"`
	Seq       uint64          `json:"seq"`
	LeftEye   model.EyeShape  `json:"left_eye"`
	RightEye  model.EyeShape  `json:"right_eye"`
	EAR       *float64        `json:"ear"`
	End       bool            `json:"end"`
}

// ParseFrameBytes decodes one frame record. Contours must carry exactly six
// points or be absent; anything else is a malformed record, not a no-face
// frame.
func (p *Parser) ParseFrameBytes(data []byte) (*model.FrameSample, error) {
	var rec frameRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	if len(rec.LeftEye) != 0 && len(rec.LeftEye) != 6 {
		return nil, fmt.Errorf("left_eye has %d points, want 6", len(rec.LeftEye))
	}
	if len(rec.RightEye) != 0 && len(rec.RightEye) != 6 {
		return nil, fmt.Errorf("right_eye has %d points, want 6", len(rec.RightEye))
	}
	ts, err := parseTimestamp(rec.Timestamp)
	if err != nil {
		return nil, err
	}

	sample := &model.FrameSample{
		SessionID: rec.SessionID,
		UserID:    rec.UserID,
		Timestamp: ts,
		Seq:       rec.Seq,
		LeftEye:   rec.LeftEye,
		RightEye:  rec.RightEye,
		EAR:       rec.EAR,
		End:       rec.End,
	}
	if sample.SessionID == "" {
		sample.SessionID = p.defaultSessionID
	}
	if sample.UserID == 0 {
		sample.UserID = p.defaultUserID
	}
	return sample, nil
}

// ParseFrameLine is ParseFrameBytes for line-oriented transports. Blank
// lines yield (nil, nil).
func (p *Parser) ParseFrameLine(line string) (*model.FrameSample, error) {
	trim := strings.TrimSpace(line)
	if trim == "" {
		return nil, nil
	}
	return p.ParseFrameBytes([]byte(trim))
}

// parseTimestamp accepts RFC3339 strings, integer epoch milliseconds and
// fractional epoch seconds. Absent timestamps read as arrival time.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	trim := strings.TrimSpace(string(raw))
	if trim == "" || trim == "null" {
		return time.Now().UTC(), nil
	}
	if trim[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err != nil {
		return time.Time{}, err
	}
	if n <= 0 {
		return time.Time{}, fmt.Errorf("timestamp must be positive, got %v", n)
	}
	// Heuristic: values this large are epoch milliseconds, anything smaller
	// is epoch seconds (possibly fractional).
	if n >= 1e12 {
		return time.UnixMilli(int64(n)).UTC(), nil
	}
	sec, frac := math.Modf(n)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
}

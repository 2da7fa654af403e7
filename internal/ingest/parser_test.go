package ingest

import (
	"testing"
	"time"

	"blinkwatch/internal/config"
)

func newTestParser() *Parser {
	return NewParser(config.ParserConfig{DefaultSessionID: "cam0", DefaultUserID: 3})
}

func TestParseFrameFullRecord(t *testing.T) {
	line := `{"session_id":"s1","user_id":7,"timestamp":"2026-09-01T10:00:00.250Z","seq":42,` +
		`"left_eye":[{"x":0,"y":10},{"x":3,"y":6},{"x":7,"y":6},{"x":10,"y":10},{"x":7,"y":14},{"x":3,"y":14}],` +
		`"right_eye":[[0,10],[3,6],[7,6],[10,10],[7,14],[3,14]]}`
	sample, err := newTestParser().ParseFrameLine(line)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if sample.SessionID != "s1" || sample.UserID != 7 || sample.Seq != 42 {
		t.Fatalf("identity fields: %+v", sample)
	}
	want := time.Date(2026, 9, 1, 10, 0, 0, 250_000_000, time.UTC)
	if !sample.Timestamp.Equal(want) {
		t.Fatalf("timestamp: %v", sample.Timestamp)
	}
	if len(sample.LeftEye) != 6 || len(sample.RightEye) != 6 {
		t.Fatalf("contours: %d/%d points", len(sample.LeftEye), len(sample.RightEye))
	}
	// Both point encodings must decode to the same coordinates.
	for i := range sample.LeftEye {
		if sample.RightEye[i] != sample.LeftEye[i] {
			t.Fatalf("pair-form point %d mismatch: %+v vs %+v", i, sample.RightEye[i], sample.LeftEye[i])
		}
	}
}

func TestParseFrameSidecarEAR(t *testing.T) {
	sample, err := newTestParser().ParseFrameBytes([]byte(`{"session_id":"s1","ear":0.18}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if sample.EAR == nil || *sample.EAR != 0.18 {
		t.Fatalf("ear: %v", sample.EAR)
	}
}

func TestParseFrameTimestampForms(t *testing.T) {
	base := time.Date(2026, 9, 5, 10, 0, 0, 0, time.UTC) // epoch 1788602400
	cases := []struct {
		name string
		raw  string
		want time.Time
	}{
		{"rfc3339", `"2026-09-05T10:00:00Z"`, base},
		{"space separated", `"2026-09-05 10:00:00"`, base},
		{"epoch millis", `1788602400000`, base},
		{"epoch seconds fractional", `1788602400.5`, base.Add(500 * time.Millisecond)},
	}
	p := newTestParser()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sample, err := p.ParseFrameBytes([]byte(`{"session_id":"s1","timestamp":` + tc.raw + `}`))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if !sample.Timestamp.Equal(tc.want) {
				t.Fatalf("got %v, want %v", sample.Timestamp, tc.want)
			}
		})
	}
}

func TestParseFrameMissingTimestampUsesArrival(t *testing.T) {
	before := time.Now().UTC().Add(-time.Second)
	sample, err := newTestParser().ParseFrameBytes([]byte(`{"session_id":"s1","ear":0.3}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if sample.Timestamp.Before(before) || sample.Timestamp.After(time.Now().UTC().Add(time.Second)) {
		t.Fatalf("arrival timestamp out of range: %v", sample.Timestamp)
	}
}

func TestParseFrameAppliesDefaults(t *testing.T) {
	sample, err := newTestParser().ParseFrameBytes([]byte(`{"ear":0.3}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if sample.SessionID != "cam0" || sample.UserID != 3 {
		t.Fatalf("defaults not applied: %+v", sample)
	}
}

func TestParseFrameRejectsMalformed(t *testing.T) {
	p := newTestParser()
	bad := []string{
		`{"session_id":"s1","left_eye":[[0,0],[1,1]]}`, // wrong contour size
		`{"session_id":"s1","timestamp":"yesterday"}`,  // unparseable timestamp
		`{"session_id":"s1","timestamp":-5}`,           // negative epoch
		`{"session_id":"s1","ear":"low"}`,              // non-numeric ear
		`{"session_id":`,                               // truncated
	}
	for _, line := range bad {
		if _, err := p.ParseFrameBytes([]byte(line)); err == nil {
			t.Fatalf("accepted malformed record: %s", line)
		}
	}
}

func TestParseFrameLineSkipsBlank(t *testing.T) {
	sample, err := newTestParser().ParseFrameLine("   \t  ")
	if err != nil || sample != nil {
		t.Fatalf("blank line: sample=%v err=%v", sample, err)
	}
}

func TestParseFrameEndMarker(t *testing.T) {
	sample, err := newTestParser().ParseFrameBytes([]byte(`{"session_id":"s1","end":true}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !sample.End {
		t.Fatalf("end flag lost")
	}
}

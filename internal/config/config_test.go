package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	path := writeFile(t, "config.yaml", `
log_level: debug
detection:
  ear_threshold: 0.25
storage:
  enabled: true
  driver: sqlite
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.Detection.EARThreshold != 0.25 {
		t.Fatalf("explicit values lost: %+v", cfg)
	}
	// Unset fields fall back to defaults.
	if cfg.Detection.ConsecFrames != 2 || cfg.LogFormat != "json" || cfg.Sessions.MaxActive != 64 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "config.json", `{"detection":{"ear_threshold":0.3,"consec_frames":4}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Detection.EARThreshold != 0.3 || cfg.Detection.ConsecFrames != 4 {
		t.Fatalf("json values lost: %+v", cfg.Detection)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"bad driver":      `{"storage":{"enabled":true,"driver":"oracle"}}`,
		"kafka no broker": `{"ingest":{"kafka":{"enabled":true,"topic":"frames"}}}`,
		"negative camera": `{"detection":{"camera_index":-1}}`,
		"api no addr":     `{"api":{"enabled":true,"addr":""}}`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, "config.json", content)
			if _, err := Load(path); err == nil {
				t.Fatalf("accepted invalid config")
			}
		})
	}
}

func TestManagerReload(t *testing.T) {
	path := writeFile(t, "config.yaml", "detection:\n  ear_threshold: 0.21\n")
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	if err := os.WriteFile(path, []byte("detection:\n  ear_threshold: 0.27\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	// Make the modtime change unambiguous regardless of filesystem
	// timestamp resolution.
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	needs, err := m.NeedsReload()
	if err != nil || !needs {
		t.Fatalf("needs reload: %v %v", needs, err)
	}
	cfg, err := m.Reload()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.Detection.EARThreshold != 0.27 || m.Get().Detection.EARThreshold != 0.27 {
		t.Fatalf("reload not applied: %+v", cfg.Detection)
	}
}

func TestStaticManager(t *testing.T) {
	m := NewStaticManager(nil)
	if m.Get().Detection.EARThreshold != 0.21 {
		t.Fatalf("static defaults: %+v", m.Get().Detection)
	}
	if _, err := m.Reload(); err == nil {
		t.Fatalf("reload must fail without a backing file")
	}
	needs, err := m.NeedsReload()
	if err != nil || needs {
		t.Fatalf("file-less manager never needs reload: %v %v", needs, err)
	}
	next := DefaultConfig()
	next.Detection.EARThreshold = 0.3
	if err := m.Update(next); err != nil {
		t.Fatalf("in-memory update: %v", err)
	}
	if m.Get().Detection.EARThreshold != 0.3 {
		t.Fatalf("update not visible")
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Advanced.MemoryPerConversation != 50 {
		t.Fatalf("expected default window 50, got %d", cfg.Advanced.MemoryPerConversation)
	}
	if cfg.GenAI.MaxStreamDuration().Seconds() != 300 {
		t.Fatalf("expected 300s stream cap, got %s", cfg.GenAI.MaxStreamDuration())
	}
	if cfg.Storage.Persistent() {
		t.Fatalf("default storage must be memory")
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	writeConfig(t, `
genai:
  base_url: http://localhost:9999
  model: test-model
  timeout: 5
  max_stream_duration: 30
advanced:
  memory_per_conversation: 10
database:
  type: sqlite
  sqlite_path: test.db
model_settings:
  test-model:
    add_source_instruction: true
    source_instruction: " Cite your source."
`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.GenAI.BaseURL != "http://localhost:9999" {
		t.Fatalf("base_url not applied: %s", cfg.GenAI.BaseURL)
	}
	if cfg.Advanced.MemoryPerConversation != 10 {
		t.Fatalf("window not applied: %d", cfg.Advanced.MemoryPerConversation)
	}
	rule, ok := cfg.ModelSettings["test-model"]
	if !ok || !rule.AddSourceInstruction {
		t.Fatalf("model rule not loaded: %+v", cfg.ModelSettings)
	}
}

func TestLoadRejectsWindowBelowOne(t *testing.T) {
	writeConfig(t, `
advanced:
  memory_per_conversation: 0
`)

	if _, err := Load(); err == nil {
		t.Fatalf("expected error for memory_per_conversation = 0")
	}
}

func TestLoadRejectsUnknownStorageMode(t *testing.T) {
	writeConfig(t, `
database:
  type: cassandra
`)

	if _, err := Load(); err == nil {
		t.Fatalf("expected error for unknown storage mode")
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	writeConfig(t, `
genai:
  model: from-file
`)
	t.Setenv("GENAI_MODEL", "from-env")
	t.Setenv("GENAI_API_KEY", "sk-test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.GenAI.Model != "from-env" {
		t.Fatalf("env override lost: %s", cfg.GenAI.Model)
	}
	if cfg.APIKey != "sk-test" {
		t.Fatalf("api key not read from env")
	}
}

func TestAllowedExtension(t *testing.T) {
	u := UploadConfig{AllowedExtensions: []string{".txt", ".PDF"}}

	cases := []struct {
		name    string
		allowed bool
	}{
		{"notes.txt", true},
		{"Notes.TXT", true},
		{"paper.pdf", true},
		{"malware.exe", false},
		{"archive.txt.zip", false},
	}
	for _, tc := range cases {
		if got := u.AllowedExtension(tc.name); got != tc.allowed {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.allowed, got)
		}
	}
}

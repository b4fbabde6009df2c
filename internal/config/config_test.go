package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hotmonkey.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestExpandVerbosityFlags(t *testing.T) {
	got := expandVerbosityFlags([]string{"-vvv", "-url", "https://a.test/", "-verbose"})
	want := []string{"-v", "-v", "-v", "-url", "https://a.test/", "-verbose"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expandVerbosityFlags = %v, want %v", got, want)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, rest, err := Load(nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(rest) != 0 {
		t.Errorf("rest = %v, want empty", rest)
	}
	if cfg.Runtime.Queue != QueueFIFO {
		t.Errorf("Queue = %q, want %q", cfg.Runtime.Queue, QueueFIFO)
	}
	if cfg.Watch.Debounce.Duration() != 100*time.Millisecond {
		t.Errorf("Debounce = %v, want 100ms", cfg.Watch.Debounce)
	}
	if cfg.Journal.Type != "memory" {
		t.Errorf("Journal.Type = %q, want memory", cfg.Journal.Type)
	}
}

func TestLoadTOMLScripts(t *testing.T) {
	path := writeConfig(t, `
[runtime]
url = "https://example.com/inbox"
queue = "coalesce"
ignore = ["vendor/", "re:_test\\.lua$"]

[watch]
dir = "userscripts"
debounce = "250ms"

[[script]]
name = "inbox-tools"
entry = "inbox/main.lua"
match = ["https://example.com/*"]
exclude = ["https://example.com/admin*"]
assets = ["https://cdn.example.com/inbox.css"]

[[script]]
name = "search"
entry = "search/main.lua"
include = ["*://*.example.org/search*"]
`)

	cfg, _, err := Load([]string{"-config", path})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Runtime.URL != "https://example.com/inbox" {
		t.Errorf("URL = %q", cfg.Runtime.URL)
	}
	if cfg.Runtime.Queue != QueueCoalesce {
		t.Errorf("Queue = %q, want coalesce", cfg.Runtime.Queue)
	}
	if len(cfg.Runtime.Ignore) != 2 {
		t.Errorf("Ignore = %v, want 2 entries", cfg.Runtime.Ignore)
	}
	if cfg.Watch.Debounce.Duration() != 250*time.Millisecond {
		t.Errorf("Debounce = %v, want 250ms", cfg.Watch.Debounce)
	}
	if len(cfg.Scripts) != 2 {
		t.Fatalf("Scripts = %d, want 2", len(cfg.Scripts))
	}
	inbox, ok := cfg.Script("inbox-tools")
	if !ok {
		t.Fatal("inbox-tools not found")
	}
	if inbox.Entry != "inbox/main.lua" || len(inbox.Assets) != 1 || len(inbox.Exclude) != 1 {
		t.Errorf("inbox-tools = %+v", inbox)
	}
}

func TestFlagsOverrideEnvAndFile(t *testing.T) {
	path := writeConfig(t, `
[runtime]
url = "https://file.test/"
`)
	t.Setenv("HOTMONKEY_URL", "https://env.test/")
	t.Setenv("HOTMONKEY_PORT", "9000")

	cfg, rest, err := Load([]string{"-config", path, "-url", "https://flag.test/", "-vv", "-ignore", "dist/", "extra"})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Runtime.URL != "https://flag.test/" {
		t.Errorf("URL = %q, want flag value", cfg.Runtime.URL)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Port = %d, want env value 9000", cfg.Server.Port)
	}
	if cfg.Verbosity() != 2 {
		t.Errorf("Verbosity = %d, want 2", cfg.Verbosity())
	}
	if !reflect.DeepEqual(cfg.Runtime.Ignore, []string{"dist/"}) {
		t.Errorf("Ignore = %v", cfg.Runtime.Ignore)
	}
	if !reflect.DeepEqual(rest, []string{"extra"}) {
		t.Errorf("rest = %v, want [extra]", rest)
	}
}

func TestMissingExplicitConfigFails(t *testing.T) {
	if _, _, err := Load([]string{"-config", filepath.Join(t.TempDir(), "nope.toml")}); err == nil {
		t.Error("expected error for missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"bad queue", func(c *Config) { c.Runtime.Queue = "lifo" }, true},
		{"missing name", func(c *Config) { c.Scripts = []ScriptConfig{{Entry: "a.lua"}} }, true},
		{"missing entry", func(c *Config) { c.Scripts = []ScriptConfig{{Name: "a"}} }, true},
		{"duplicate", func(c *Config) {
			c.Scripts = []ScriptConfig{{Name: "a", Entry: "a.lua"}, {Name: "a", Entry: "b.lua"}}
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

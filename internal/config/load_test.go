package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "amps.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, `
streams:
  - id: 1
    name: News One
    source: https://example.com/news.m3u8
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Host != defaultHost {
		t.Errorf("expected default host, got %q", cfg.Server.Host)
	}
	if cfg.Server.Port != defaultPort {
		t.Errorf("expected default port, got %d", cfg.Server.Port)
	}
	if cfg.Server.Workers != defaultWorkers {
		t.Errorf("expected default workers, got %d", cfg.Server.Workers)
	}
}

func TestLoadRejectsDuplicateChannelID(t *testing.T) {
	path := writeTempConfig(t, `
streams:
  - id: 1
    name: A
    source: https://example.com/a.m3u8
  - id: 1
    name: B
    source: https://example.com/b.m3u8
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected duplicate channel id to fail validation")
	}
}

func TestLoadRejectsUnknownProfile(t *testing.T) {
	path := writeTempConfig(t, `
streams:
  - id: 1
    name: A
    source: https://example.com/a.m3u8
    profile: does-not-exist
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected unknown ffmpeg profile to fail validation")
	}
}

func TestLoadRejectsInvalidVariantName(t *testing.T) {
	path := writeTempConfig(t, `
streams:
  - id: 1
    name: A
    source: https://example.com/a.m3u8
    variants:
      - name: "bad name!"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected invalid variant name to fail validation")
	}
}

func TestLoadRejectsScheduledEntryWithEndBeforeStart(t *testing.T) {
	path := writeTempConfig(t, `
streams: []
scheduled_streams:
  - id: 1
    name: A
    source: https://example.com/a.m3u8
    start: 2026-01-01T12:00:00Z
    end: 2026-01-01T11:00:00Z
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected end-before-start scheduled entry to fail validation")
	}
}

func TestApplyEnvOverridesTokenWinsOverFile(t *testing.T) {
	t.Setenv("AMPS_TOKEN", "env-token")
	path := writeTempConfig(t, `
server:
  token: file-token
streams: []
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Token != "env-token" {
		t.Fatalf("expected environment token to win, got %q", cfg.Server.Token)
	}
}

func TestResolvePathPrefersEnvironment(t *testing.T) {
	t.Setenv("AMPS_CONFIG", "/env/path.yaml")
	if got := ResolvePath("/flag/path.yaml"); got != "/env/path.yaml" {
		t.Fatalf("expected AMPS_CONFIG to win, got %q", got)
	}
}

func TestResolvePathFallsBackToFlag(t *testing.T) {
	t.Setenv("AMPS_CONFIG", "")
	if got := ResolvePath("/flag/path.yaml"); got != "/flag/path.yaml" {
		t.Fatalf("expected flag value fallback, got %q", got)
	}
}

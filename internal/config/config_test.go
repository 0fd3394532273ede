package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tradegate/internal/security/secretbox"
)

func TestLoadDotEnv_SetsMissingVariables(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "TG_FOO=bar\nTG_QUOTED=\"hello world\"\nexport TG_EXPORTED=yes\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	for _, k := range []string{"TG_FOO", "TG_QUOTED", "TG_EXPORTED"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv error: %v", err)
	}
	if got := os.Getenv("TG_FOO"); got != "bar" {
		t.Fatalf("TG_FOO = %q, want %q", got, "bar")
	}
	if got := os.Getenv("TG_QUOTED"); got != "hello world" {
		t.Fatalf("TG_QUOTED = %q, want %q", got, "hello world")
	}
	if got := os.Getenv("TG_EXPORTED"); got != "yes" {
		t.Fatalf("TG_EXPORTED = %q, want %q", got, "yes")
	}
}

func TestLoadDotEnv_DoesNotOverrideExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("TG_FOO=from_file\n"), 0o644); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("TG_FOO", "from_env")
	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv error: %v", err)
	}
	if got := os.Getenv("TG_FOO"); got != "from_env" {
		t.Fatalf("TG_FOO = %q, want %q", got, "from_env")
	}
}

func TestLoadDotEnv_MissingFileIsFine(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "nope.env")); err != nil {
		t.Fatalf("LoadDotEnv error: %v", err)
	}
}

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("CONFIG_FILE", filepath.Join(dir, "config.yaml"))
	t.Setenv("BROKERS_FILE", filepath.Join(dir, "brokers.yaml"))
	t.Setenv("WEBHOOK_SECRET", "s3cret")
	t.Setenv("STORE_MODE", "memory")
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.ListenAddr != ":18080" {
		t.Fatalf("ListenAddr = %q, want %q", cfg.ListenAddr, ":18080")
	}
	if cfg.DispatchTimeout != 10*time.Second {
		t.Fatalf("DispatchTimeout = %v, want 10s", cfg.DispatchTimeout)
	}
	if cfg.DispatchWorkers != 10 {
		t.Fatalf("DispatchWorkers = %d, want 10", cfg.DispatchWorkers)
	}
	if cfg.BreakerCooldown != 0 {
		t.Fatalf("BreakerCooldown = %v, want 0", cfg.BreakerCooldown)
	}
	if _, ok := cfg.Brokers.Get("topstep"); !ok {
		t.Fatal("expected default broker table")
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := isolate(t)
	file := "dispatch_timeout: 4s\nmax_age_seconds: 12\nlisten_addr: \":9000\"\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(file), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("LISTEN_ADDR", ":9100")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.DispatchTimeout != 4*time.Second {
		t.Fatalf("DispatchTimeout = %v, want 4s", cfg.DispatchTimeout)
	}
	if cfg.MaxAgeSeconds != 12 {
		t.Fatalf("MaxAgeSeconds = %d, want 12", cfg.MaxAgeSeconds)
	}
	if cfg.ListenAddr != ":9100" {
		t.Fatalf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9100")
	}
}

func TestLoad_OpensSealedSecret(t *testing.T) {
	isolate(t)
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i + 7)
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	box, err := secretbox.New(encoded)
	if err != nil {
		t.Fatalf("secretbox.New: %v", err)
	}
	sealed, err := box.Seal("hook-secret")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	t.Setenv("CREDENTIALS_KEY", encoded)
	t.Setenv("WEBHOOK_SECRET", sealed)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.WebhookSecret != "hook-secret" {
		t.Fatalf("WebhookSecret = %q, want %q", cfg.WebhookSecret, "hook-secret")
	}
}

func TestLoad_SealedSecretWithoutKeyFails(t *testing.T) {
	isolate(t)
	t.Setenv("WEBHOOK_SECRET", "enc:AAAA")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for sealed secret without CREDENTIALS_KEY")
	}
}

func TestLoad_RequiresWebhookSecret(t *testing.T) {
	isolate(t)
	t.Setenv("WEBHOOK_SECRET", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing WEBHOOK_SECRET")
	}
}

func TestParseWeekdays(t *testing.T) {
	days, err := ParseWeekdays("Mon, tuesday,fri")
	if err != nil {
		t.Fatalf("ParseWeekdays error: %v", err)
	}
	if !days[time.Monday] || !days[time.Tuesday] || !days[time.Friday] || days[time.Wednesday] {
		t.Fatalf("unexpected days: %v", days)
	}
	if _, err := ParseWeekdays("funday"); err == nil {
		t.Fatal("expected error for unknown weekday")
	}
}

func TestParseClock(t *testing.T) {
	h, m, err := ParseClock("16:50")
	if err != nil || h != 16 || m != 50 {
		t.Fatalf("ParseClock = %d:%d, %v, want 16:50", h, m, err)
	}
	if _, _, err := ParseClock("25:00"); err == nil {
		t.Fatal("expected error for invalid clock")
	}
}

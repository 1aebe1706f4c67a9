package sync

import (
	"flag"
	"io"
	"testing"
)

func parseTestConfig(t *testing.T, args []string) Config {
	t.Helper()
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cfg, err := ParseConfig(fs, args)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	return cfg
}

func TestParseConfigDefaults(t *testing.T) {
	cfg := parseTestConfig(t, nil)
	if cfg.HTTPAddr != ":8090" {
		t.Fatalf("http addr = %q, want %q", cfg.HTTPAddr, ":8090")
	}
	if cfg.DBPath != "sync.db" {
		t.Fatalf("db path = %q, want %q", cfg.DBPath, "sync.db")
	}
	if cfg.AuthBaseURL != "" || cfg.SessionPublicKey != "" {
		t.Fatalf("auth config = %+v, want empty", cfg)
	}
}

func TestParseConfigReadsEnvironment(t *testing.T) {
	t.Setenv("TENEBRAE_SYNC_HTTP_ADDR", ":9999")
	t.Setenv("TENEBRAE_SYNC_DB_PATH", "/var/lib/tenebrae/sync.db")
	t.Setenv("TENEBRAE_AUTH_BASE_URL", "https://auth.tenebrae.world")
	t.Setenv("TENEBRAE_OAUTH_RESOURCE_SECRET", "env-secret")
	t.Setenv("TENEBRAE_SESSION_ISSUER", "https://auth.tenebrae.world")
	t.Setenv("TENEBRAE_SESSION_AUDIENCE", "sync")
	t.Setenv("TENEBRAE_SESSION_PUBLIC_KEY", "env-key")

	cfg := parseTestConfig(t, nil)
	if cfg.HTTPAddr != ":9999" {
		t.Fatalf("http addr = %q, want %q", cfg.HTTPAddr, ":9999")
	}
	if cfg.DBPath != "/var/lib/tenebrae/sync.db" {
		t.Fatalf("db path = %q, want %q", cfg.DBPath, "/var/lib/tenebrae/sync.db")
	}
	if cfg.OAuthResourceSecret != "env-secret" {
		t.Fatalf("resource secret = %q, want %q", cfg.OAuthResourceSecret, "env-secret")
	}
	if cfg.SessionPublicKey != "env-key" {
		t.Fatalf("session key = %q, want %q", cfg.SessionPublicKey, "env-key")
	}
}

func TestParseConfigFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("TENEBRAE_SYNC_HTTP_ADDR", ":9999")
	t.Setenv("TENEBRAE_SESSION_ISSUER", "https://env.example")

	cfg := parseTestConfig(t, []string{
		"-http-addr", ":7070",
		"-session-issuer", "https://flag.example",
		"-session-audience", "sync",
	})
	if cfg.HTTPAddr != ":7070" {
		t.Fatalf("http addr = %q, want flag override %q", cfg.HTTPAddr, ":7070")
	}
	if cfg.SessionIssuer != "https://flag.example" {
		t.Fatalf("issuer = %q, want flag override", cfg.SessionIssuer)
	}
	if cfg.SessionAudience != "sync" {
		t.Fatalf("audience = %q, want %q", cfg.SessionAudience, "sync")
	}
}

func TestParseConfigRejectsUnknownFlag(t *testing.T) {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	if _, err := ParseConfig(fs, []string{"-no-such-flag"}); err == nil {
		t.Fatal("expected error for unknown flag")
	}
}

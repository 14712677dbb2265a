package config

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

func TestParseRejectsMissingConfigFile(t *testing.T) {
	opt := New()
	err := opt.Parse([]string{"--config", "/nonexistent/config.yaml"})
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestParseVersionSkipsConfigLoad(t *testing.T) {
	opt := New()
	if err := opt.Parse([]string{"--version"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !opt.ShowVersion {
		t.Error("ShowVersion not set")
	}
}

func TestParseFlags(t *testing.T) {
	path := writeConfig(t, validYAML)
	opt := New()
	if err := opt.Parse([]string{"-f", path, "--debug", "--ask-password", "-c"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !opt.IsDebug() {
		t.Error("debug flag not set")
	}
	if !opt.AskPassword {
		t.Error("ask-password flag not set")
	}
	if !opt.ShowConfig {
		t.Error("print-config flag not set")
	}
	if opt.ConfigFile != path {
		t.Errorf("config file = %q", opt.ConfigFile)
	}
}

func TestWatchReloadsRefreshIntervals(t *testing.T) {
	path := writeConfig(t, validYAML)
	opt := New()
	if err := opt.Parse([]string{"--config", path}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := opt.ToConfig(); err != nil {
		t.Fatalf("initial config: %v", err)
	}

	type change struct {
		cfg *Config
		err error
	}
	changes := make(chan change, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := opt.Watch(ctx, func(cfg *Config, err error) {
		changes <- change{cfg, err}
	}); err != nil {
		t.Fatalf("watch: %v", err)
	}

	// Changing the refresh cadence is accepted.
	updated := strings.Replace(validYAML, "ttl_seconds: 3600", "ttl_seconds: 300", 1)
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case c := <-changes:
		if c.err != nil {
			t.Fatalf("reload rejected: %v", c.err)
		}
		if c.cfg.Token.TTLSeconds != 300 {
			t.Errorf("ttl_seconds = %d after reload", c.cfg.Token.TTLSeconds)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("config change not observed")
	}

	// Changing the upstream is rejected; it requires a restart.
	updated = strings.Replace(updated, `host: "db.example.com"`, `host: "other"`, 1)
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case c := <-changes:
		if c.err == nil {
			t.Fatal("upstream change should be rejected")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("config change not observed")
	}
}

func TestWatchRequiresConfigFile(t *testing.T) {
	opt := New()
	if err := opt.Watch(context.Background(), func(*Config, error) {}); err == nil {
		t.Error("expected error when no config file is in use")
	}
}

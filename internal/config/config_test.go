package config

import "testing"

func TestApplyDefaults(t *testing.T) {
	var cfg Config
	applyDefaults(&cfg)

	if cfg.ServerPort != "8080" {
		t.Fatalf("expected default port 8080, got %q", cfg.ServerPort)
	}
	if cfg.DiditAPIBaseURL != "https://verification.didit.me" {
		t.Fatalf("unexpected default API base URL: %q", cfg.DiditAPIBaseURL)
	}
	if cfg.ReconcileSweepSchedule == "" {
		t.Fatal("expected a default sweep schedule")
	}
	// Security-sensitive toggles never default on.
	if cfg.AllowUnverifiedWebhooks || cfg.GenderGateFailOpen {
		t.Fatal("permissive toggles must default to false")
	}
}

func TestApplyDefaultsKeepsExplicitValues(t *testing.T) {
	cfg := Config{
		ServerPort:             "9090",
		DiditAPIBaseURL:        "https://sandbox.didit.me",
		ReconcileSweepSchedule: "*/5 * * * *",
	}
	applyDefaults(&cfg)

	if cfg.ServerPort != "9090" || cfg.DiditAPIBaseURL != "https://sandbox.didit.me" || cfg.ReconcileSweepSchedule != "*/5 * * * *" {
		t.Fatalf("defaults overwrote explicit values: %+v", cfg)
	}
}

func TestLoadConfigReadsEnvironment(t *testing.T) {
	t.Setenv("SERVER_PORT", "8181")
	t.Setenv("DIDIT_API_KEY", "key-123")
	t.Setenv("REGISTRATION_TOKEN_SECRET", "tok-secret")
	t.Setenv("ALLOW_UNVERIFIED_WEBHOOKS", "true")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ServerPort != "8181" {
		t.Fatalf("expected env port, got %q", cfg.ServerPort)
	}
	if cfg.DiditAPIKey != "key-123" || cfg.RegistrationTokenSecret != "tok-secret" {
		t.Fatalf("env values not loaded: %+v", cfg)
	}
	if !cfg.AllowUnverifiedWebhooks {
		t.Fatal("boolean env value not loaded")
	}
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleTOML = `
mode = "trade"
log_level = "debug"

[storage]
backend = "file"
dir = "/tmp/posengine"

[[venues]]
name = "paper-main"
kind = "paper"
[venues.paper]
cash = 1000.0
[venues.paper.marks]
BTC = 100.0

[[venues]]
name = "exchange-a"
kind = "rest"
base_url = "https://api.example.test"
api_key = "k"
api_secret = "s"
timeout = "3s"

[[scopes]]
id = "master"
venue = "paper-main"
tick_interval = "2s"
entry_notional = 100.0
min_strength = 0.5

[exits]
catastrophic_stop_pct = -4.0
primary_stop_pct = -1.5
loss_grace = "10m"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMergesOverDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleTOML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Exits.CatastrophicStopPct != -4 || cfg.Exits.LossGrace.Duration != 10*time.Minute {
		t.Fatalf("exits = %+v", cfg.Exits)
	}
	// Untouched sections keep their defaults.
	if cfg.Exits.MaxHold.Duration != 10*time.Hour || cfg.Nonce.StaleJump.Duration != time.Minute {
		t.Fatalf("defaults lost: exits %+v nonce %+v", cfg.Exits, cfg.Nonce)
	}
	if len(cfg.Scopes) != 1 || cfg.Scopes[0].TickInterval.Duration != 2*time.Second {
		t.Fatalf("scopes = %+v", cfg.Scopes)
	}
	v, ok := cfg.Venue("paper-main")
	if !ok || v.Paper.Cash != 1000 || v.Paper.Marks["BTC"] != 100 {
		t.Fatalf("paper venue = %+v", v)
	}
	if v.Credential() != "paper-main" {
		t.Fatalf("credential = %q", v.Credential())
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("POSENGINE_MODE", "monitor")
	t.Setenv("POSENGINE_VENUE_EXCHANGE_A_API_SECRET", "from-env")
	t.Setenv("POSENGINE_SERVER_CORS_ORIGINS", "https://a.test, ,https://b.test")
	t.Setenv("POSENGINE_RECONCILE_INTERVAL", "90s")
	t.Setenv("POSENGINE_SERVER_PORT", "not-a-number")

	cfg, err := Load(writeConfig(t, sampleTOML))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Mode != "monitor" {
		t.Fatalf("mode = %q", cfg.Mode)
	}
	v, _ := cfg.Venue("exchange-a")
	if v.APISecret != "from-env" {
		t.Fatalf("api secret = %q", v.APISecret)
	}
	if got := cfg.Server.CORSOrigins; len(got) != 2 || got[1] != "https://b.test" {
		t.Fatalf("cors = %v", got)
	}
	if cfg.Reconcile.Interval.Duration != 90*time.Second {
		t.Fatalf("reconcile interval = %v", cfg.Reconcile.Interval)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("unparseable override applied: port = %d", cfg.Server.Port)
	}
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "yolo"
	cfg.Storage.Backend = "sqlite"
	cfg.Venues = []VenueConfig{{Name: "x", Kind: "rest"}}
	cfg.Scopes = []ScopeConfig{
		{ID: "a", Venue: "missing", MinStrength: 2},
		{ID: "a", Venue: "x"},
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{
		`unknown mode "yolo"`,
		`unknown backend "sqlite"`,
		"venues.x: base_url",
		"venues.x: api_key",
		"api_secret or secret_path",
		`scopes.a: unknown venue "missing"`,
		"min_strength",
		`duplicate id "a"`,
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("error missing %q:\n%s", want, msg)
		}
	}
}

func TestValidateRequiresScope(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "at least one scope") {
		t.Fatalf("err = %v", err)
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "pg"
	cfg.Server.APIToken = "tok"
	cfg.Venues = []VenueConfig{{Name: "a", APIKey: "key", APISecret: "secret"}}

	out := RedactedConfig(&cfg)
	if out.Postgres.Password != "***" || out.Server.APIToken != "***" {
		t.Fatalf("not redacted: %+v %+v", out.Postgres, out.Server)
	}
	if out.Venues[0].APIKey != "***" || out.Venues[0].APISecret != "***" {
		t.Fatalf("venue not redacted: %+v", out.Venues[0])
	}
	if out.Redis.Password != "" {
		t.Fatal("empty secret should stay empty")
	}
	if cfg.Venues[0].APISecret != "secret" {
		t.Fatal("redaction mutated the original")
	}
}

func TestEnvName(t *testing.T) {
	tests := map[string]string{
		"exchange-a": "EXCHANGE_A",
		"Paper.Main": "PAPER_MAIN",
		"v2":         "V2",
	}
	for in, want := range tests {
		if got := envName(in); got != want {
			t.Errorf("envName(%q) = %q, want %q", in, got, want)
		}
	}
}

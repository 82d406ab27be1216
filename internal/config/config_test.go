package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/spf13/pflag"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.Server.Addr != defaultAddr || cfg.Server.Mode != ModeHTTP {
		t.Fatalf("unexpected server defaults: %+v", cfg.Server)
	}
	if cfg.History.Backend != BackendFile || cfg.History.RetentionDays != 30 {
		t.Fatalf("unexpected history defaults: %+v", cfg.History)
	}
	if cfg.History.PruneSchedule != "0 4 * * *" {
		t.Fatalf("prune schedule = %q", cfg.History.PruneSchedule)
	}
	if cfg.TickInterval != time.Second {
		t.Fatalf("tick = %v", cfg.TickInterval)
	}
	if !cfg.Notification.OnFailure || cfg.Notification.OnSuccess {
		t.Fatalf("unexpected notify policy: %+v", cfg.Notification)
	}
	if cfg.History.ReconcileInterrupted {
		t.Fatal("reconcile should default to off")
	}
}

func TestLoadEnvOverridesDotEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	content := "AUTORUN_ADDR=127.0.0.1:9000\nAUTORUN_HISTORY_BACKEND=sqlite\nAUTORUN_RETENTION_DAYS=7\n"
	if err := os.WriteFile(envFile, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AUTORUN_ADDR", "127.0.0.1:8000")
	// godotenv sets variables that were unset; make sure the test cleans them.
	t.Setenv("AUTORUN_HISTORY_BACKEND", "")
	os.Unsetenv("AUTORUN_HISTORY_BACKEND")
	t.Setenv("AUTORUN_RETENTION_DAYS", "")
	os.Unsetenv("AUTORUN_RETENTION_DAYS")

	cfg := Load(envFile, filepath.Join(dir, "missing.env"))

	if cfg.Server.Addr != "127.0.0.1:8000" {
		t.Fatalf("environment should win over .env, got %q", cfg.Server.Addr)
	}
	if cfg.History.Backend != BackendSQLite {
		t.Fatalf("backend = %q", cfg.History.Backend)
	}
	if cfg.History.RetentionDays != 7 {
		t.Fatalf("retention = %d", cfg.History.RetentionDays)
	}
}

func TestFlagsOverrideEnv(t *testing.T) {
	t.Setenv("AUTORUN_MODE", "mcp")
	t.Setenv("AUTORUN_TICK_INTERVAL", "5s")
	cfg := Load()

	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	cfg.BindServeFlags(fs)
	cfg.BindStoreFlags(fs)
	if err := fs.Parse([]string{"--mode", "both", "--state-dir", "/tmp/autorun-test"}); err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Mode != ModeBoth {
		t.Fatalf("mode = %q", cfg.Server.Mode)
	}
	if cfg.TickInterval != 5*time.Second {
		t.Fatalf("unset flag should keep env value, got %v", cfg.TickInterval)
	}
	if cfg.StateDir != "/tmp/autorun-test" {
		t.Fatalf("state dir = %q", cfg.StateDir)
	}
}

func TestFinalizeDerivesPaths(t *testing.T) {
	stateDir := t.TempDir()
	cases := []struct {
		backend string
		want    string
	}{
		{BackendFile, filepath.Join(stateDir, "history.json")},
		{BackendSQLite, filepath.Join(stateDir, "history.db")},
	}
	for _, tc := range cases {
		t.Run(tc.backend, func(t *testing.T) {
			cfg := Load()
			cfg.StateDir = stateDir
			cfg.History.Backend = tc.backend
			cfg.History.Path = ""
			if err := cfg.Finalize(); err != nil {
				t.Fatalf("Finalize: %v", err)
			}
			if cfg.History.Path != tc.want {
				t.Fatalf("path = %q, want %q", cfg.History.Path, tc.want)
			}
			if cfg.FunctionsDir != filepath.Join(stateDir, "functions") {
				t.Fatalf("functions dir = %q", cfg.FunctionsDir)
			}
		})
	}
}

func TestFinalizeRejectsInvalid(t *testing.T) {
	cases := map[string]func(*Config){
		"mode":     func(c *Config) { c.Server.Mode = "grpc" },
		"backend":  func(c *Config) { c.History.Backend = "etcd" },
		"postgres": func(c *Config) { c.History.Backend = BackendPostgres; c.History.PostgresDSN = "" },
		"timezone": func(c *Config) { c.Timezone = "Mars/Olympus_Mons" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Load()
			cfg.StateDir = t.TempDir()
			mutate(cfg)
			if err := cfg.Finalize(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLocation(t *testing.T) {
	cfg := &Config{UseUTC: true, Timezone: "Asia/Tokyo"}
	loc, err := cfg.Location()
	if err != nil || loc != time.UTC {
		t.Fatalf("UseUTC should win: %v %v", loc, err)
	}
	cfg.UseUTC = false
	loc, err = cfg.Location()
	if err != nil {
		t.Fatalf("Location: %v", err)
	}
	if loc.String() != "Asia/Tokyo" {
		t.Fatalf("loc = %v", loc)
	}
}

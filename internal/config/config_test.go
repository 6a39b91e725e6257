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
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.yaml", `
logging:
  level: DEBUG
  console: true
storage:
  driver: sqlite
  path: ./data/test.db
  busy_timeout: 3s
scheduler:
  timezone: UTC
runner:
  workers: 4
  queue_size: 64
`)

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "DEBUG" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.Path != "./data/test.db" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if cfg.Runner.Workers != 4 || cfg.Runner.QueueSize != 64 {
		t.Fatalf("runner = %+v", cfg.Runner)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get did not return the committed config")
	}
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json",
		`{"storage":{"driver":"memory"},"notify":{"enabled":false}}`)
	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Driver != "memory" {
		t.Fatalf("driver = %q", cfg.Storage.Driver)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.yaml", "storge:\n  driver: memory\n")
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("misspelled key accepted")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{"storage":{"driver":"memory"}}{"extra":1}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("trailing JSON accepted")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "defaults valid", mutate: func(c *Config) {}},
		{name: "memory driver", mutate: func(c *Config) { c.Storage = StorageConfig{Driver: "memory"} }},
		{name: "sqlite without path", mutate: func(c *Config) { c.Storage = StorageConfig{Driver: "sqlite"} }, wantErr: true},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Storage = StorageConfig{Driver: "postgres"} }, wantErr: true},
		{name: "unknown driver", mutate: func(c *Config) { c.Storage.Driver = "oracle" }, wantErr: true},
		{name: "bad busy timeout", mutate: func(c *Config) { c.Storage.BusyTimeout = "soon" }, wantErr: true},
		{name: "negative workers", mutate: func(c *Config) { c.Runner.Workers = -1 }, wantErr: true},
		{name: "notify without token", mutate: func(c *Config) { c.Notify.Enabled = true; c.Notify.ChatID = 5 }, wantErr: true},
		{name: "notify without chat", mutate: func(c *Config) { c.Notify.Enabled = true; c.Notify.Token = "t" }, wantErr: true},
		{name: "notify complete", mutate: func(c *Config) {
			c.Notify.Enabled = true
			c.Notify.Token = "t"
			c.Notify.ChatID = 5
		}},
		{name: "metrics enabled without addr", mutate: func(c *Config) { c.Metrics = MetricsConfig{Enabled: true} }, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationField("x", " 5s ")
	if err != nil || d != 5*time.Second {
		t.Fatalf("got (%v, %v)", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty = (%v, %v)", d, err)
	}
	if _, err := ParseDurationField("x", "-3s"); err == nil {
		t.Fatal("negative accepted")
	}
	if _, err := ParseDurationField("x", "nope"); err == nil {
		t.Fatal("garbage accepted")
	}

	d, err = ParseDurationOrDefault("x", "", 7*time.Second)
	if err != nil || d != 7*time.Second {
		t.Fatalf("default = (%v, %v)", d, err)
	}
}

func TestSubscribePublishUnsubscribe(t *testing.T) {
	t.Parallel()
	m := NewManager("unused")
	ch := m.Subscribe(1)

	cfg := Default()
	m.publish(cfg)
	select {
	case got := <-ch:
		if got != cfg {
			t.Fatal("wrong config delivered")
		}
	default:
		t.Fatal("nothing delivered")
	}

	// Slow subscriber: oldest dropped, newest kept.
	first, second := Default(), Default()
	m.publish(first)
	m.publish(second)
	if got := <-ch; got != second {
		t.Fatal("expected the newest config after overflow")
	}

	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed on unsubscribe")
	}
	m.Unsubscribe(ch) // double unsubscribe is a no-op
}

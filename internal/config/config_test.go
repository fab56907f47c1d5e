package config_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/1ureka/roverlink/internal/config"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestDefaults(t *testing.T) {
	cfg := config.Default()

	if !cfg.DropOldPackets {
		t.Error("dropoldpackets should default to true")
	}
	if cfg.WatchdogInterval != 100 || cfg.StatisticsInterval != 1000 || cfg.IdleTimeout != 5000 ||
		cfg.TCPVerifyTimeout != 5000 || cfg.SentLogCap != 500 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadYAML(t *testing.T) {
	p := writeFile(t, "drive.yaml", `
name: Soro_DriveChannel
protocol: UDP
endpoint: client
serveraddress: 10.0.0.5
serverport: 5501
idletimeout: 2500
`)

	cfg, err := config.Load(p)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Name != "Soro_DriveChannel" || cfg.Protocol != config.ProtocolUDP || cfg.Endpoint != config.EndpointClient {
		t.Errorf("identity mismatch: %+v", cfg)
	}
	if cfg.ServerHostPort() != "10.0.0.5:5501" {
		t.Errorf("ServerHostPort = %q", cfg.ServerHostPort())
	}
	if cfg.BindHostPort() != ":0" {
		t.Errorf("client BindHostPort = %q", cfg.BindHostPort())
	}
	if cfg.IdleTimeout != 2500 {
		t.Errorf("idletimeout = %d", cfg.IdleTimeout)
	}
	if cfg.WatchdogInterval != config.DefaultWatchdogInterval || !cfg.DropOldPackets {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestLoadJSONServer(t *testing.T) {
	p := writeFile(t, "arm.json", `{"name":"Soro_ArmChannel","protocol":"tcp","endpoint":"server","serverport":5502,"hostaddress":"127.0.0.1","dropoldpackets":false}`)

	cfg, err := config.Load(p)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Protocol != config.ProtocolTCP || cfg.DropOldPackets {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.BindHostPort() != "127.0.0.1:5502" {
		t.Errorf("server BindHostPort = %q", cfg.BindHostPort())
	}
}

func TestLoadEnvOverride(t *testing.T) {
	p := writeFile(t, "gimbal.yaml", "name: Soro_Gimbal\nserverport: 5503\n")
	t.Setenv("ROVERLINK_SERVERPORT", "6000")
	t.Setenv("ROVERLINK_WATCHDOGINTERVAL", "25")

	cfg, err := config.Load(p)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ServerPort != 6000 || cfg.WatchdogInterval != 25 {
		t.Errorf("env override not applied: %+v", cfg)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestLoadInvalid(t *testing.T) {
	p := writeFile(t, "bad.yaml", "name: x\nprotocol: sctp\n")

	_, err := config.Load(p)
	if !config.IsInvalid(err) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestLoadURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/links/drive.json":
			w.Write([]byte(`{"name":"Soro_DriveChannel","endpoint":"client","serveraddress":"127.0.0.1","serverport":9000}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	cfg, err := config.LoadURL(context.Background(), srv.URL+"/links/drive.json")
	if err != nil {
		t.Fatalf("LoadURL failed: %v", err)
	}
	if cfg.Name != "Soro_DriveChannel" || cfg.ServerPort != 9000 {
		t.Errorf("unexpected config: %+v", cfg)
	}

	if _, err := config.LoadURL(context.Background(), srv.URL+"/links/missing.yaml"); err == nil {
		t.Error("expected an error for a 404")
	}
}

func TestValidate(t *testing.T) {
	valid := func() config.Config {
		cfg := config.Default()
		cfg.Name = "TestLink"
		cfg.Endpoint = config.EndpointClient
		cfg.ServerAddress = "127.0.0.1"
		cfg.ServerPort = 9000
		return cfg
	}

	testCases := []struct {
		name   string
		mutate func(*config.Config)
		ok     bool
	}{
		{"valid client", func(c *config.Config) {}, true},
		{"valid server without address", func(c *config.Config) { c.Endpoint = config.EndpointServer; c.ServerAddress = "" }, true},
		{"uppercase enums", func(c *config.Config) { c.Protocol = " TCP "; c.Endpoint = "Client" }, true},
		{"empty name", func(c *config.Config) { c.Name = "" }, false},
		{"bad protocol", func(c *config.Config) { c.Protocol = "quic" }, false},
		{"bad endpoint", func(c *config.Config) { c.Endpoint = "peer" }, false},
		{"port out of range", func(c *config.Config) { c.ServerPort = 70000 }, false},
		{"client without address", func(c *config.Config) { c.ServerAddress = "" }, false},
		{"client without port", func(c *config.Config) { c.ServerPort = 0 }, false},
		{"zero watchdog", func(c *config.Config) { c.WatchdogInterval = 0 }, false},
		{"negative sent log", func(c *config.Config) { c.SentLogCap = -1 }, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && !errors.Is(err, config.ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

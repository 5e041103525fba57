package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
)

func TestLoadServerDefaults(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	ServerFlags(fs)
	if err := fs.Parse(nil); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadServer(fs)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Endpoint != "0.0.0.0:8080" {
		t.Fatalf("unexpected default endpoint: %q", cfg.Server.Endpoint)
	}
	if cfg.Hub.InboxSize != 128 || cfg.Hub.OutboxSize != 256 {
		t.Fatalf("unexpected hub defaults: %+v", cfg.Hub)
	}
	if cfg.Transport.MaxFrameBytes != 10<<20 {
		t.Fatalf("unexpected max frame bytes: %d", cfg.Transport.MaxFrameBytes)
	}
}

func TestLoadServerFlagOverride(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	ServerFlags(fs)
	if err := fs.Parse([]string{
		"--endpoint=127.0.0.1:9999",
		"--hub-inbox-size=64",
		"--certfile=/tmp/cert.pem",
		"--keyfile=/tmp/key.pem",
		"--pwfile=/tmp/htpasswd",
		"--authorizations-file=/tmp/authz.yaml",
		"--metrics-addr=127.0.0.1:9999",
		"--inbound-rate=50",
		"--inbound-burst=100",
		"--max-frame-bytes=1024",
		"--log-level=debug",
	}); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadServer(fs)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Endpoint != "127.0.0.1:9999" {
		t.Fatalf("--endpoint not applied: %q", cfg.Server.Endpoint)
	}
	if cfg.Hub.InboxSize != 64 {
		t.Fatalf("--hub-inbox-size not applied: %d", cfg.Hub.InboxSize)
	}
	if cfg.Server.CertFile != "/tmp/cert.pem" {
		t.Fatalf("--certfile not applied: %q", cfg.Server.CertFile)
	}
	if cfg.Server.KeyFile != "/tmp/key.pem" {
		t.Fatalf("--keyfile not applied: %q", cfg.Server.KeyFile)
	}
	if cfg.Auth.PasswordFile != "/tmp/htpasswd" {
		t.Fatalf("--pwfile not applied: %q", cfg.Auth.PasswordFile)
	}
	if cfg.Authz.File != "/tmp/authz.yaml" {
		t.Fatalf("--authorizations-file not applied: %q", cfg.Authz.File)
	}
	if cfg.Metrics.ListenAddr != "127.0.0.1:9999" {
		t.Fatalf("--metrics-addr not applied: %q", cfg.Metrics.ListenAddr)
	}
	if cfg.Transport.InboundRatePerSec != 50 {
		t.Fatalf("--inbound-rate not applied: %v", cfg.Transport.InboundRatePerSec)
	}
	if cfg.Transport.InboundBurst != 100 {
		t.Fatalf("--inbound-burst not applied: %d", cfg.Transport.InboundBurst)
	}
	if cfg.Transport.MaxFrameBytes != 1024 {
		t.Fatalf("--max-frame-bytes not applied: %d", cfg.Transport.MaxFrameBytes)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("--log-level not applied: %q", cfg.Logging.Level)
	}
}

func TestLoadServerEnvOverride(t *testing.T) {
	t.Setenv("SQUAWKBUS_SERVER_ENDPOINT", "10.0.0.1:1234")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	ServerFlags(fs)
	if err := fs.Parse(nil); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadServer(fs)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Endpoint != "10.0.0.1:1234" {
		t.Fatalf("env override not applied: %q", cfg.Server.Endpoint)
	}
}

func TestLoadServerConfigFile(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte("server:\n  endpoint: \"192.168.1.1:7000\"\nlogging:\n  level: debug\n")
	if err := os.WriteFile(filepath.Join(dir, "squawkbus.yaml"), yaml, 0o600); err != nil {
		t.Fatal(err)
	}

	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(wd)

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	ServerFlags(fs)
	if err := fs.Parse(nil); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadServer(fs)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Endpoint != "192.168.1.1:7000" {
		t.Fatalf("config file value not applied: %q", cfg.Server.Endpoint)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("config file value not applied: %q", cfg.Logging.Level)
	}
}

func TestLoadClientDefaults(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	ClientFlags(fs)
	if err := fs.Parse(nil); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadClient(fs)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Host != "127.0.0.1" || cfg.Port != 8080 {
		t.Fatalf("unexpected default host/port: %q:%d", cfg.Host, cfg.Port)
	}
	if cfg.AuthMethod != "none" {
		t.Fatalf("unexpected default auth method: %q", cfg.AuthMethod)
	}
}

func TestLoadClientFlagOverride(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	ClientFlags(fs)
	if err := fs.Parse([]string{
		"--host=10.0.0.5",
		"--port=9999",
		"--tls",
		"--cafile=/tmp/ca.pem",
		"--authentication-mode=htpasswd",
		"--username=alice",
		"--password=s3cret",
	}); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadClient(fs)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Host != "10.0.0.5" || cfg.Port != 9999 {
		t.Fatalf("--host/--port not applied: %q:%d", cfg.Host, cfg.Port)
	}
	if !cfg.TLS {
		t.Fatal("--tls not applied")
	}
	if cfg.CAFile != "/tmp/ca.pem" {
		t.Fatalf("--cafile not applied: %q", cfg.CAFile)
	}
	if cfg.AuthMethod != "htpasswd" {
		t.Fatalf("--authentication-mode not applied: %q", cfg.AuthMethod)
	}
	if cfg.Username != "alice" || cfg.Password != "s3cret" {
		t.Fatalf("--username/--password not applied: %q/%q", cfg.Username, cfg.Password)
	}
}

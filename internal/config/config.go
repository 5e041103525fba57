// Package config loads server and client runtime configuration from flags,
// SQUAWKBUS_-prefixed environment variables, and an optional config file,
// following go-server-3/internal/config's viper pattern.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ServerConfig holds every setting the server binary needs, per
// SPEC_FULL.md §6's flag/config-key table.
type ServerConfig struct {
	Server    TransportSection `mapstructure:"server"`
	Auth      AuthSection      `mapstructure:"auth"`
	Authz     AuthzSection     `mapstructure:"authz"`
	Metrics   MetricsSection   `mapstructure:"metrics"`
	Hub       HubSection       `mapstructure:"hub"`
	Transport LimitsSection    `mapstructure:"transport"`
	Logging   LoggingSection   `mapstructure:"logging"`
}

type TransportSection struct {
	Endpoint string `mapstructure:"endpoint"`
	TLS      bool   `mapstructure:"tls"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

type AuthSection struct {
	PasswordFile string `mapstructure:"password_file"`
}

type AuthzSection struct {
	File   string `mapstructure:"file"`
	Inline string `mapstructure:"inline"`
}

type MetricsSection struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

type HubSection struct {
	InboxSize  int `mapstructure:"inbox_size"`
	OutboxSize int `mapstructure:"outbox_size"`
}

type LimitsSection struct {
	InboundRatePerSec float64 `mapstructure:"inbound_rate_per_sec"`
	InboundBurst      int     `mapstructure:"inbound_burst"`
	MaxFrameBytes     uint32  `mapstructure:"max_frame_bytes"`
}

type LoggingSection struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// serverFlagBindings pairs each literal CLI flag name (SPEC_FULL.md §6's
// table) with the dotted viper config key it feeds, since the two are not
// the same string (e.g. --certfile -> server.cert_file).
var serverFlagBindings = []struct {
	flag string
	key  string
}{
	{"endpoint", "server.endpoint"},
	{"tls", "server.tls"},
	{"certfile", "server.cert_file"},
	{"keyfile", "server.key_file"},
	{"pwfile", "auth.password_file"},
	{"authorizations-file", "authz.file"},
	{"authorizations", "authz.inline"},
	{"metrics-addr", "metrics.listen_addr"},
	{"hub-inbox-size", "hub.inbox_size"},
	{"outbox-size", "hub.outbox_size"},
	{"inbound-rate", "transport.inbound_rate_per_sec"},
	{"inbound-burst", "transport.inbound_burst"},
	{"max-frame-bytes", "transport.max_frame_bytes"},
	{"log-level", "logging.level"},
}

// LoadServer builds a ServerConfig from the given already-parsed flag set,
// SQUAWKBUS_-prefixed environment variables, and an optional squawkbus.yaml
// found on the current directory or /etc/squawkbus.
func LoadServer(flags *pflag.FlagSet) (ServerConfig, error) {
	v := viper.New()

	v.SetDefault("server.endpoint", "0.0.0.0:8080")
	v.SetDefault("server.tls", false)
	v.SetDefault("server.cert_file", "")
	v.SetDefault("server.key_file", "")

	v.SetDefault("auth.password_file", "")

	v.SetDefault("authz.file", "")
	v.SetDefault("authz.inline", "")

	v.SetDefault("metrics.listen_addr", ":9090")

	v.SetDefault("hub.inbox_size", 128)
	v.SetDefault("hub.outbox_size", 256)

	v.SetDefault("transport.inbound_rate_per_sec", 200)
	v.SetDefault("transport.inbound_burst", 400)
	v.SetDefault("transport.max_frame_bytes", 10<<20)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetConfigName("squawkbus")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/squawkbus")
	v.SetEnvPrefix("SQUAWKBUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for _, b := range serverFlagBindings {
			f := flags.Lookup(b.flag)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(b.key, f); err != nil {
				return ServerConfig{}, fmt.Errorf("config: bind flag %q: %w", b.flag, err)
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return ServerConfig{}, fmt.Errorf("config: read config file: %w", err)
		}
	}

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return ServerConfig{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

// ServerFlags registers the literal CLI flags of SPEC_FULL.md §6 onto fs
// (e.g. --endpoint, --certfile, --hub-inbox-size); call fs.Parse, then
// LoadServer(fs), which binds each flag to its dotted viper config key via
// serverFlagBindings.
func ServerFlags(fs *pflag.FlagSet) {
	fs.String("endpoint", "0.0.0.0:8080", "listen address")
	fs.Bool("tls", false, "enable TLS")
	fs.String("certfile", "", "TLS certificate file")
	fs.String("keyfile", "", "TLS key file")
	fs.String("pwfile", "", "htpasswd-style credential file")
	fs.String("authorizations-file", "", "authorization policy YAML file")
	fs.String("authorizations", "", "inline authorization policy YAML")
	fs.String("metrics-addr", ":9090", "Prometheus metrics listen address")
	fs.Int("hub-inbox-size", 128, "hub event inbox buffer size")
	fs.Int("outbox-size", 256, "per-connection outbox buffer size")
	fs.Float64("inbound-rate", 200, "per-connection inbound frame rate limit")
	fs.Int("inbound-burst", 400, "per-connection inbound frame burst")
	fs.Int("max-frame-bytes", 10<<20, "maximum accepted frame size in bytes")
	fs.String("log-level", "info", "log level")
}

// ClientConfig holds the settings the CLI client needs to connect, per
// spec.md §6's client CLI surface.
type ClientConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	TLS         bool   `mapstructure:"tls"`
	CAFile      string `mapstructure:"cafile"`
	AuthMethod  string `mapstructure:"authentication_mode"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	LogLevel    string `mapstructure:"log_level"`
}

// clientFlagBindings mirrors serverFlagBindings for the client binary.
var clientFlagBindings = []struct {
	flag string
	key  string
}{
	{"host", "host"},
	{"port", "port"},
	{"tls", "tls"},
	{"cafile", "cafile"},
	{"authentication-mode", "authentication_mode"},
	{"username", "username"},
	{"password", "password"},
	{"log-level", "log_level"},
}

// LoadClient builds a ClientConfig from the given already-parsed flag set,
// SQUAWKBUS_CLIENT_-prefixed environment variables, and defaults. Unlike
// LoadServer it reads no config file.
func LoadClient(flags *pflag.FlagSet) (ClientConfig, error) {
	v := viper.New()

	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 8080)
	v.SetDefault("tls", false)
	v.SetDefault("cafile", "")
	v.SetDefault("authentication_mode", "none")
	v.SetDefault("username", "")
	v.SetDefault("password", "")
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix("SQUAWKBUS_CLIENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for _, b := range clientFlagBindings {
			f := flags.Lookup(b.flag)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(b.key, f); err != nil {
				return ClientConfig{}, fmt.Errorf("config: bind flag %q: %w", b.flag, err)
			}
		}
	}

	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return ClientConfig{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

// ClientFlags registers the CLI client's literal flags onto fs, per
// spec.md §6: --host, --port, --tls, --cafile, --authentication-mode,
// --username, --password, plus --log-level, which LoadClient reads into
// ClientConfig.LogLevel; the client binary builds no logger and does not
// use it.
func ClientFlags(fs *pflag.FlagSet) {
	fs.String("host", "127.0.0.1", "server host")
	fs.Int("port", 8080, "server port")
	fs.Bool("tls", false, "use TLS")
	fs.String("cafile", "", "CA certificate file used to verify the server (omit to skip verification)")
	fs.String("authentication-mode", "none", "authentication method (none, htpasswd)")
	fs.String("username", "", "username for htpasswd authentication")
	fs.String("password", "", "password for htpasswd authentication")
	fs.String("log-level", "info", "log level")
}

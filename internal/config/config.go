package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"callhome/internal/logger"
	"callhome/internal/topology"
	"callhome/internal/transport"
)

// Config holds all application settings loaded from file and environment variables.
// Struct tags are used by the Viper mapstructure decoder.
type Config struct {
	Server   Server              `mapstructure:"server"`
	Limits   transport.Limits    `mapstructure:"limits"`
	Node     topology.NodeParams `mapstructure:"node"`
	CallHome CallHome            `mapstructure:"callhome"`
	Store    Store               `mapstructure:"store"`
	Events   Events              `mapstructure:"events"`
	Metrics  Metrics             `mapstructure:"metrics"`
	Log      logger.Config       `mapstructure:"log"`
}

type Server struct {
	Host             string        `mapstructure:"host"`
	SSHPort          int           `mapstructure:"ssh_port"`
	TLSPort          int           `mapstructure:"tls_port"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	HelloTimeout     time.Duration `mapstructure:"hello_timeout"`
}

// SSHAddr is the listen address of the SSH call-home port.
func (s Server) SSHAddr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.SSHPort))
}

// TLSAddr is the listen address of the TLS call-home port.
func (s Server) TLSAddr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.TLSPort))
}

// CallHome points at the allowed-devices file and the keystore.
type CallHome struct {
	DevicesFile string `mapstructure:"devices_file"`
	KeystoreDir string `mapstructure:"keystore_dir"`

	// SupersedePolicy controls a pending session replaced by a newer
	// request for the same device.
	// "warn":   log and keep the old promise pending (default)
	// "cancel": cancel the old promise
	SupersedePolicy string `mapstructure:"supersede_policy"`

	// TraceDir, when set, receives one message trace file per session.
	TraceDir string `mapstructure:"trace_dir"`

	// Capabilities are advertised in the controller hello, in addition to
	// base:1.0.
	Capabilities []string `mapstructure:"capabilities"`
}

// Store enables status persistence when DSN is set.
type Store struct {
	DSN string `mapstructure:"dsn"`
}

// Events enables status events when NatsURL is set.
type Events struct {
	NatsURL string `mapstructure:"nats_url"`
	Subject string `mapstructure:"subject"`
}

// Metrics enables the Prometheus endpoint when Addr is set.
type Metrics struct {
	Addr string `mapstructure:"addr"`
}

// Load reads configuration from a file and allows environment variables to override any value.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.BindEnv("server.host", "CALLHOME_HOST")
	v.BindEnv("server.ssh_port", "CALLHOME_SSH_PORT")
	v.BindEnv("server.tls_port", "CALLHOME_TLS_PORT")
	v.BindEnv("callhome.devices_file", "CALLHOME_DEVICES_FILE")
	v.BindEnv("store.dsn", "CALLHOME_DSN")
	v.BindEnv("events.nats_url", "NATS_URL")
	v.BindEnv("log.level", "LOG_LEVEL")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if !isNotFound(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects settings the services cannot start with.
func (c *Config) Validate() error {
	var errs []error
	for name, port := range map[string]int{"server.ssh_port": c.Server.SSHPort, "server.tls_port": c.Server.TLSPort} {
		if port < 0 || port > 65535 {
			errs = append(errs, fmt.Errorf("%s: %d out of range", name, port))
		}
	}
	if c.Server.SSHPort != 0 && c.Server.SSHPort == c.Server.TLSPort {
		errs = append(errs, fmt.Errorf("server.ssh_port and server.tls_port are both %d", c.Server.SSHPort))
	}
	switch c.CallHome.SupersedePolicy {
	case "", "warn", "cancel":
	default:
		errs = append(errs, fmt.Errorf("callhome.supersede_policy: unknown value %q", c.CallHome.SupersedePolicy))
	}
	if c.Node.BackoffMultiplier < 1 {
		errs = append(errs, fmt.Errorf("node.backoff_multiplier: %v is below 1", c.Node.BackoffMultiplier))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// isNotFound returns true when err indicates the config file does not exist.
func isNotFound(err error) bool {
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		return true
	}
	var pathErr *os.PathError
	return errors.As(err, &pathErr) && os.IsNotExist(pathErr)
}

// setDefaults defines baseline values for all configuration parameters.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.ssh_port", 4334)
	v.SetDefault("server.tls_port", 4335)
	v.SetDefault("server.handshake_timeout", 10*time.Second)
	v.SetDefault("server.hello_timeout", 10*time.Second)

	v.SetDefault("limits.max_connections", 64)
	v.SetDefault("limits.accept_rate", 0)
	v.SetDefault("limits.accept_burst", 0)

	v.SetDefault("node.tcp_only", false)
	v.SetDefault("node.schemaless", false)
	v.SetDefault("node.reconnect_on_changed_schema", false)
	v.SetDefault("node.connection_timeout", 10*time.Second)
	v.SetDefault("node.request_timeout", 60*time.Second)
	v.SetDefault("node.max_connection_attempts", 0)
	v.SetDefault("node.min_backoff", 2*time.Second)
	v.SetDefault("node.max_backoff", 30*time.Minute)
	v.SetDefault("node.backoff_multiplier", 1.5)
	v.SetDefault("node.backoff_jitter", 0.1)
	v.SetDefault("node.keepalive_delay", 120*time.Second)
	v.SetDefault("node.concurrent_rpc_limit", 0)
	v.SetDefault("node.actor_response_wait_time", 5*time.Second)
	v.SetDefault("node.lock_datastore", true)

	v.SetDefault("callhome.devices_file", "devices.yaml")
	v.SetDefault("callhome.keystore_dir", "keystore")
	v.SetDefault("callhome.supersede_policy", "warn")
	v.SetDefault("callhome.capabilities", []string{})
	v.SetDefault("callhome.trace_dir", "")

	v.SetDefault("events.subject", "callhome.device.status")
	v.SetDefault("metrics.addr", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.output", "stdout")
}

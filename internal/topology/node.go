// Package topology keeps one client per enabled device node. For call-home
// nodes the client is a session promise handed out by a ClientFactory and
// completed once the device connects.
package topology

import (
	"time"

	"callhome/internal/future"
	"callhome/internal/netconf"
)

// Protocol is the transport a node is reached over.
type Protocol string

const (
	ProtocolSSH Protocol = "SSH"
	ProtocolTLS Protocol = "TLS"
)

// NodeParams are the connection parameters of a node.
type NodeParams struct {
	TCPOnly                  bool          `mapstructure:"tcp_only"`
	Schemaless               bool          `mapstructure:"schemaless"`
	ReconnectOnChangedSchema bool          `mapstructure:"reconnect_on_changed_schema"`
	ConnectionTimeout        time.Duration `mapstructure:"connection_timeout"`
	RequestTimeout           time.Duration `mapstructure:"request_timeout"`
	MaxConnectionAttempts    int           `mapstructure:"max_connection_attempts"`
	MinBackoff               time.Duration `mapstructure:"min_backoff"`
	MaxBackoff               time.Duration `mapstructure:"max_backoff"`
	BackoffMultiplier        float64       `mapstructure:"backoff_multiplier"`
	BackoffJitter            float64       `mapstructure:"backoff_jitter"`
	KeepaliveDelay           time.Duration `mapstructure:"keepalive_delay"`
	ConcurrentRPCLimit       int           `mapstructure:"concurrent_rpc_limit"`
	ActorResponseWaitTime    time.Duration `mapstructure:"actor_response_wait_time"`
	LockDatastore            bool          `mapstructure:"lock_datastore"`
}

// Node describes a device the topology should hold a session to.
type Node struct {
	ID       string
	Host     string
	Port     int
	Protocol Protocol
	Params   NodeParams
}

// ClientConfig asks a ClientFactory for a session to one node.
type ClientConfig struct {
	Name              string
	ConnectionTimeout time.Duration
	Listener          netconf.SessionListener
}

// ConfigFor builds the client configuration of node n.
func ConfigFor(n Node, l netconf.SessionListener) ClientConfig {
	return ClientConfig{
		Name:              n.ID,
		ConnectionTimeout: n.Params.ConnectionTimeout,
		Listener:          l,
	}
}

// ClientFactory hands out session promises. CreateClient must not block.
type ClientFactory interface {
	CreateClient(cfg ClientConfig) *future.Promise[*netconf.Session]
}

// Topology enables and disables device nodes.
type Topology interface {
	EnableNode(n Node)
	DisableNode(id string)
}

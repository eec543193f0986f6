package pool

import (
	"fmt"
	"time"
)

var (
	defaultSuppressWindow      = time.Second * 30
	defaultDegradedLogInterval = time.Second * 10
	defaultConnectTimeout      = time.Second * 5
	defaultMinAvailable        = 1
)

// ServerConfig describes one server of the cluster. Adapter-specific settings
// go in DSN and Params.
type ServerConfig struct {
	Name    string
	Adapter string
	// Primary marks the server receiving writes. When no server is marked the
	// first one is used.
	Primary bool
	// Weight is the relative share of reads a replica receives. nil means 1;
	// replicas with weight 0 are not connected at all.
	Weight         *int
	ConnectTimeout time.Duration
	DSN            string
	Params         map[string]string
}

// Weight is a helper for setting ServerConfig.Weight.
func Weight(w int) *int {
	return &w
}

func (s ServerConfig) weight() int {
	if s.Weight == nil {
		return 1
	}
	return *s.Weight
}

type Config struct {
	// Adapter is the kind used for servers that do not name one.
	Adapter string
	Servers []ServerConfig
	// SuppressWindow is how long a failed replica stays out of rotation
	// before a reconnect is attempted.
	SuppressWindow time.Duration
	// ConnectTimeout applies to servers without their own.
	ConnectTimeout time.Duration
	// MinAvailableReplicas resets the quarantine stack to the full replica set
	// when a suppression would leave fewer replicas than this. Defaults to 1.
	MinAvailableReplicas int
	// DegradedLogInterval limits how often reads falling back to the primary are logged.
	DegradedLogInterval time.Duration
	MetricsEmitter      MetricsEmitterFunction
}

// servers returns the primary and the replicas with pool-level defaults
// merged in.
func (c *Config) servers() (ServerConfig, []ServerConfig, error) {
	if len(c.Servers) == 0 {
		return ServerConfig{}, nil, ErrNoServers
	}
	primaryIdx := 0
	marked := 0
	for i, s := range c.Servers {
		if s.Primary {
			primaryIdx = i
			marked++
		}
	}
	if marked > 1 {
		return ServerConfig{}, nil, fmt.Errorf("%d servers are marked primary", marked)
	}
	var primary ServerConfig
	replicas := make([]ServerConfig, 0, len(c.Servers)-1)
	names := make(map[string]struct{}, len(c.Servers))
	for i, s := range c.Servers {
		if s.Adapter == "" {
			s.Adapter = c.Adapter
		}
		if s.ConnectTimeout == 0 {
			s.ConnectTimeout = c.ConnectTimeout
		}
		if s.Name == "" {
			s.Name = fmt.Sprintf("%s[%d]", s.Adapter, i)
		}
		if _, ok := names[s.Name]; ok {
			return ServerConfig{}, nil, fmt.Errorf("server name %q is used more than once", s.Name)
		}
		names[s.Name] = struct{}{}
		if i == primaryIdx {
			s.Primary = true
			primary = s
			continue
		}
		if w := s.weight(); w < 0 {
			return ServerConfig{}, nil, fmt.Errorf("server %q: weight %d is negative", s.Name, w)
		}
		replicas = append(replicas, s)
	}
	return primary, replicas, nil
}

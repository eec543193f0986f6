package model

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kong/db-cluster-pool/pkg/pool"
)

const (
	defaultMaxConnections = 50
	defaultMinConnections = 20
	defaultAdapter        = "pgx"
	defaultLogLevel       = "info"
)

var dsnNoTLS = "postgres://%s:%s@%s:%s/%s?sslmode=disable&pool_max_conns=%d&pool_min_conns=%d"

var dsnTLS = "postgres://%s:%s@%s:%s/%s?sslmode=verify-ca&sslrootcert=%s&pool_max_conns=%d&pool_min_conns=%d"

const caBundleFSPath = "/config/ca_certs/aws-postgres-cabundle-secret"

type roHost struct {
	host   string
	port   string
	weight int
}

// ClusterConfig is the environment configuration of the service: one
// read-write host and any number of weighted read-only hosts.
type ClusterConfig struct {
	user           string
	database       string
	password       string
	hostURL        string
	port           string
	roHosts        []roHost
	enableTLS      bool
	caBundleFSPath string
	adapter        string
	connectTimeout time.Duration
	suppressWindow time.Duration
	minAvailable   int

	StatsdAddr    string
	LogLevel      string
	RunMigrations bool
}

func validate(cc *ClusterConfig) error {
	if cc.user == "" {
		return fmt.Errorf("env variable PG_USER cannot be empty")
	}
	if cc.password == "" {
		return fmt.Errorf("env variable PG_PASSWORD cannot be empty")
	}
	if cc.hostURL == "" {
		return fmt.Errorf("env variable PG_HOST cannot be empty")
	}
	if cc.port == "" {
		return fmt.Errorf("env variable PG_PORT cannot be empty")
	}
	if cc.database == "" {
		return fmt.Errorf("env variable PG_DATABASE cannot be empty")
	}
	if cc.enableTLS && cc.caBundleFSPath == "" {
		return fmt.Errorf("ENABLE_TLS requires a CA bundle")
	}
	return nil
}

func isTrue(v string) bool {
	return v == "yes" || v == "true"
}

// LoadClusterConfig reads the configuration from the environment.
//
// PG_RO_HOSTS lists read-only hosts as host[:port][=weight], comma separated.
// A missing port means PG_PORT and a missing weight means 1. PG_RO_HOST is
// accepted as a single-host fallback.
func LoadClusterConfig() (*ClusterConfig, error) {
	cc := &ClusterConfig{
		user:           os.Getenv("PG_USER"),
		password:       os.Getenv("PG_PASSWORD"),
		hostURL:        os.Getenv("PG_HOST"),
		port:           os.Getenv("PG_PORT"),
		database:       os.Getenv("PG_DATABASE"),
		enableTLS:      isTrue(os.Getenv("ENABLE_TLS")),
		caBundleFSPath: caBundleFSPath,
		adapter:        os.Getenv("DB_ADAPTER"),
		StatsdAddr:     os.Getenv("STATSD_ADDR"),
		LogLevel:       os.Getenv("LOG_LEVEL"),
		RunMigrations:  isTrue(os.Getenv("RUN_MIGRATIONS")),
	}
	if cc.adapter == "" {
		cc.adapter = defaultAdapter
	}
	if cc.LogLevel == "" {
		cc.LogLevel = defaultLogLevel
	}
	if err := validate(cc); err != nil {
		return nil, err
	}

	var err error
	if cc.connectTimeout, err = durationEnv("PG_CONNECT_TIMEOUT"); err != nil {
		return nil, err
	}
	if cc.suppressWindow, err = durationEnv("POOL_SUPPRESS_WINDOW"); err != nil {
		return nil, err
	}
	if v := os.Getenv("POOL_MIN_AVAILABLE"); v != "" {
		if cc.minAvailable, err = strconv.Atoi(v); err != nil || cc.minAvailable < 1 {
			return nil, fmt.Errorf("env variable POOL_MIN_AVAILABLE must be a positive integer")
		}
	}

	roHosts := os.Getenv("PG_RO_HOSTS")
	if roHosts == "" {
		roHosts = os.Getenv("PG_RO_HOST")
	}
	if cc.roHosts, err = parseROHosts(roHosts, cc.port); err != nil {
		return nil, err
	}
	return cc, nil
}

func durationEnv(name string) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("env variable %s: %w", name, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("env variable %s cannot be negative", name)
	}
	return d, nil
}

func parseROHosts(v, defaultPort string) ([]roHost, error) {
	var hosts []roHost
	seen := map[string]bool{}
	for _, entry := range strings.Split(v, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		h := roHost{port: defaultPort, weight: 1}
		if addr, weight, ok := strings.Cut(entry, "="); ok {
			w, err := strconv.Atoi(weight)
			if err != nil || w < 0 {
				return nil, fmt.Errorf("env variable PG_RO_HOSTS: invalid weight in %q", entry)
			}
			h.weight = w
			entry = addr
		}
		if host, port, err := net.SplitHostPort(entry); err == nil {
			h.host, h.port = host, port
		} else {
			h.host = entry
		}
		if h.host == "" {
			return nil, fmt.Errorf("env variable PG_RO_HOSTS: missing host in %q", entry)
		}
		addr := net.JoinHostPort(h.host, h.port)
		if seen[addr] {
			return nil, fmt.Errorf("env variable PG_RO_HOSTS: %s is listed more than once", addr)
		}
		seen[addr] = true
		hosts = append(hosts, h)
	}
	return hosts, nil
}

func (cc *ClusterConfig) dsn(host, port string) string {
	if !cc.enableTLS {
		return fmt.Sprintf(dsnNoTLS, cc.user, cc.password, host, port, cc.database,
			defaultMaxConnections, defaultMinConnections)
	}
	return fmt.Sprintf(dsnTLS, cc.user, cc.password, host, port, cc.database, cc.caBundleFSPath,
		defaultMaxConnections, defaultMinConnections)
}

// PrimaryDSN is the connection string of the read-write host.
func (cc *ClusterConfig) PrimaryDSN() string {
	return cc.dsn(cc.hostURL, cc.port)
}

// PoolConfig turns the configuration into servers for a cluster pool. The
// read-write host is the primary; read-only hosts become weighted replicas.
func (cc *ClusterConfig) PoolConfig(emitter pool.MetricsEmitterFunction) *pool.Config {
	servers := []pool.ServerConfig{{
		Name:    "rw:" + net.JoinHostPort(cc.hostURL, cc.port),
		Primary: true,
		DSN:     cc.PrimaryDSN(),
		Params:  map[string]string{"application_name": "db-cluster-pool"},
	}}
	for _, h := range cc.roHosts {
		servers = append(servers, pool.ServerConfig{
			Name:   "ro:" + net.JoinHostPort(h.host, h.port),
			Weight: pool.Weight(h.weight),
			DSN:    cc.dsn(h.host, h.port),
			Params: map[string]string{"application_name": "db-cluster-pool"},
		})
	}
	return &pool.Config{
		Adapter:              cc.adapter,
		Servers:              servers,
		SuppressWindow:       cc.suppressWindow,
		ConnectTimeout:       cc.connectTimeout,
		MinAvailableReplicas: cc.minAvailable,
		MetricsEmitter:       emitter,
	}
}

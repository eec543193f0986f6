// Package metrics forwards pool counters and store gauges to DogStatsD.
// Until Setup succeeds every call is a no-op.
package metrics

import (
	"fmt"
	"sync"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/kong/db-cluster-pool/pkg/pool"
)

const namespace = "db_cluster_pool."

var (
	mu     sync.RWMutex
	client statsd.ClientInterface = &statsd.NoOpClient{}
)

// Setup points the package at the agent listening on addr, e.g. "127.0.0.1:8125".
func Setup(addr string, tags ...string) error {
	c, err := statsd.New(addr, statsd.WithNamespace(namespace), statsd.WithTags(tags))
	if err != nil {
		return fmt.Errorf("create statsd client: %w", err)
	}
	use(c)
	return nil
}

func use(c statsd.ClientInterface) {
	mu.Lock()
	old := client
	client = c
	mu.Unlock()
	old.Close()
}

func current() statsd.ClientInterface {
	mu.RLock()
	defer mu.RUnlock()
	return client
}

func Gauge(name string, value float64, tags ...string) {
	_ = current().Gauge(name, value, tags, 1)
}

func Count(name string, value int64, tags ...string) {
	_ = current().Count(name, value, tags, 1)
}

// Emit has the pool.MetricsEmitterFunction signature and sends pool.Metric
// values as counters. Anything else is ignored.
func Emit(metric interface{}, tags []pool.MetricsTag) {
	m, ok := metric.(pool.Metric)
	if !ok {
		return
	}
	statsdTags := make([]string, 0, len(tags))
	for _, tag := range tags {
		statsdTags = append(statsdTags, tag.Key+":"+tag.Value)
	}
	Count(m.Key, int64(m.Value), statsdTags...)
}

var _ pool.MetricsEmitterFunction = Emit

// Flush sends buffered metrics.
func Flush() error {
	return current().Flush()
}

// Close flushes and drops the client; later calls are no-ops again.
func Close() {
	use(&statsd.NoOpClient{})
}

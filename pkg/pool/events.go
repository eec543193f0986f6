package pool

import (
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type (
	Metric struct {
		Key   string
		Value float64
	}
	MetricsTag struct {
		Key   string
		Value string
	}
	// MetricsEmitterFunction receives pool counters; metrics is a Metric.
	MetricsEmitterFunction func(metrics interface{}, tags []MetricsTag)
)

const (
	metricSuppressed     = "db_cluster_pool_suppressed_count"
	metricReinstated     = "db_cluster_pool_reinstated_count"
	metricReset          = "db_cluster_pool_reset_count"
	metricExhausted      = "db_cluster_pool_replicas_exhausted_count"
	metricBroadcastError = "db_cluster_pool_broadcast_error_count"
)

type eventLog[C Conn] struct {
	logger   *zap.Logger
	emitter  MetricsEmitterFunction
	degraded *rate.Limiter
}

func newEventLog[C Conn](logger *zap.Logger, emitter MetricsEmitterFunction, degradedInterval time.Duration) *eventLog[C] {
	return &eventLog[C]{
		logger:   logger,
		emitter:  emitter,
		degraded: rate.NewLimiter(rate.Every(degradedInterval), 1),
	}
}

func (e *eventLog[C]) emit(key string, m *member[C]) {
	if e.emitter == nil {
		return
	}
	var tags []MetricsTag
	if m != nil {
		tags = []MetricsTag{{"connection", m.name}, {"role", m.role.String()}}
	}
	e.emitter(Metric{key, 1}, tags)
}

func fields[C Conn](m *member[C], extra ...zap.Field) []zap.Field {
	return append([]zap.Field{
		zap.String("connection", m.name),
		zap.Stringer("connection_id", m.id),
		zap.Stringer("role", m.role),
	}, extra...)
}

func (e *eventLog[C]) established(m *member[C]) {
	e.logger.Info("connection established", fields(m, zap.String("adapter", m.kind), zap.Int("weight", m.weight))...)
}

func (e *eventLog[C]) suppressed(m *member[C], reason error, window time.Duration) {
	e.logger.Warn("removing connection from the read pool",
		fields(m, zap.NamedError("reason", reason), zap.Duration("duration", window))...)
	e.emit(metricSuppressed, m)
}

func (e *eventLog[C]) reinstated(m *member[C]) {
	e.logger.Info("adding dead connection back to the read pool", fields(m)...)
	e.emit(metricReinstated, m)
}

func (e *eventLog[C]) reconnectFailed(m *member[C], err error, retryIn time.Duration) {
	e.logger.Warn("failed to reconnect when adding connection back to the read pool",
		fields(m, zap.Error(err), zap.Duration("retry_in", retryIn))...)
}

func (e *eventLog[C]) allDead(replicas int) {
	e.logger.Warn("all read connections are marked dead; trying them all again",
		zap.Int("replicas", replicas))
	e.emit(metricReset, nil)
}

func (e *eventLog[C]) exhausted(tried int, cause error) {
	e.emit(metricExhausted, nil)
	if !e.degraded.Allow() {
		return
	}
	e.logger.Warn("no replica could serve the read; using the primary",
		zap.Int("tried", tried), zap.NamedError("last_error", cause))
}

func (e *eventLog[C]) broadcastError(m *member[C], op string, err error) {
	e.logger.Warn("error in broadcast operation", fields(m, zap.String("operation", op), zap.Error(err))...)
	e.emit(metricBroadcastError, m)
}

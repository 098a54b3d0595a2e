package mqkit

import (
	"context"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsExtension 以 Prometheus 指标记录消费情况。
type MetricsExtension struct {
	BaseExtension
	received  *prometheus.CounterVec
	processed *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	idle      *prometheus.CounterVec
}

// NewMetricsExtension 创建并向 reg 注册指标；reg 为 nil 时不注册。
func NewMetricsExtension(reg prometheus.Registerer, namespace string) (*MetricsExtension, error) {
	namespace = metricNamespace(namespace)
	e := &MetricsExtension{
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Messages received from the transport.",
		}, []string{"queue"}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_processed_total",
			Help:      "Messages settled by the consumer, by status.",
		}, []string{"queue", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_processing_seconds",
			Help:      "Time from receive to settle.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue"}),
		idle: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumer_idle_total",
			Help:      "Receive calls that returned no message.",
		}, []string{"queue"}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{e.received, e.processed, e.duration, e.idle} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return e, nil
}

// metricNamespace 将前缀转换为合法的指标名前缀，如 "oro.app" -> "oro_app"。
func metricNamespace(prefix string) string {
	ns := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		}
		return '_'
	}, prefix)
	if ns == "" || strings.Trim(ns, "_") == "" {
		return "mqkit"
	}
	if ns[0] >= '0' && ns[0] <= '9' {
		ns = "_" + ns
	}
	return ns
}

func (e *MetricsExtension) OnPreReceived(ctx context.Context, c *Context) {
	e.received.WithLabelValues(c.QueueName).Inc()
}

func (e *MetricsExtension) OnPostReceived(ctx context.Context, c *Context) {
	e.processed.WithLabelValues(c.QueueName, string(c.Status)).Inc()
	e.duration.WithLabelValues(c.QueueName).Observe(time.Since(c.ReceivedAt).Seconds())
}

func (e *MetricsExtension) OnIdle(ctx context.Context, c *Context) {
	e.idle.WithLabelValues(c.QueueName).Inc()
}

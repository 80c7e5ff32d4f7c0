package relay

import (
	"github.com/giongto35/cloud-relay/pkg/api"
	"github.com/giongto35/cloud-relay/pkg/buffer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "relay"

type metrics struct {
	connections *prometheus.GaugeVec
	messages    *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	frames      prometheus.Counter
	frameBytes  prometheus.Counter
	waits       *prometheus.CounterVec
	encryption  *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer, registry *Registry, pools buffer.Pools) *metrics {
	f := promauto.With(reg)
	m := &metrics{
		connections: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections", Help: "Live connections by role.",
		}, []string{"role"}),
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_total", Help: "Dispatched control messages by type.",
		}, []string{"type"}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dropped_total", Help: "Units dropped without delivery.",
		}, []string{"reason"}),
		frames: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_total", Help: "Relayed raw frames.",
		}),
		frameBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "frame_bytes_total", Help: "Relayed raw frame bytes.",
		}),
		waits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "waits_total", Help: "Bounded wait outcomes.",
		}, []string{"op", "status"}),
		encryption: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "encryption_total", Help: "Encryption negotiation outcomes.",
		}, []string{"status"}),
	}
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "sessions", Help: "Live sessions.",
	}, func() float64 { return float64(registry.Sessions()) })

	for name, pool := range map[string]*buffer.Pool{"rx": pools.Rx, "tx": pools.Tx} {
		pool := pool
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "buffers", Name: "total",
			Help: "Pooled buffers.", ConstLabels: prometheus.Labels{"pool": name},
		}, func() float64 { return float64(pool.Stats().Total) })
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "buffers", Name: "in_use",
			Help: "Pooled buffers in use.", ConstLabels: prometheus.Labels{"pool": name},
		}, func() float64 { return float64(pool.Stats().InUse) })
	}
	return m
}

func (m *metrics) classified(from, to api.Role) {
	m.connections.WithLabelValues(from.String()).Dec()
	m.connections.WithLabelValues(to.String()).Inc()
}

func (m *metrics) wait(op string, ok bool) {
	status := api.StatusOk
	if !ok {
		status = api.StatusFailed
	}
	m.waits.WithLabelValues(op, status).Inc()
}

func (m *metrics) frame(n int) {
	m.frames.Inc()
	m.frameBytes.Add(float64(n))
}

package monitoring

import (
	"context"
	"fmt"
	"net/http/pprof"

	"github.com/giongto35/cloud-relay/pkg/config"
	"github.com/giongto35/cloud-relay/pkg/logger"
	"github.com/giongto35/cloud-relay/pkg/network/httpx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Monitoring struct {
	conf   config.Monitoring
	server *httpx.Server
	log    *logger.Logger
}

// New creates new monitoring service.
// Metrics are served from the gatherer, nil means the default registry.
func New(conf config.Monitoring, gatherer prometheus.Gatherer, log *logger.Logger) (*Monitoring, error) {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	log = log.Extend(log.With().Str("s", "monitoring"))
	serv, err := httpx.NewServer(
		fmt.Sprintf(":%d", conf.Port),
		func(serv *httpx.Server) httpx.Handler {
			h := serv.MuxX(conf.URLPrefix)

			if conf.ProfilingEnabled {
				h.Prefix(conf.URLPrefix + "/debug/pprof")
				h.HandleFunc("/", pprof.Index).
					HandleFunc("/cmdline", pprof.Cmdline).
					HandleFunc("/profile", pprof.Profile).
					HandleFunc("/symbol", pprof.Symbol).
					HandleFunc("/trace", pprof.Trace).
					Handle("/allocs", pprof.Handler("allocs")).
					Handle("/block", pprof.Handler("block")).
					Handle("/goroutine", pprof.Handler("goroutine")).
					Handle("/heap", pprof.Handler("heap")).
					Handle("/mutex", pprof.Handler("mutex")).
					Handle("/threadcreate", pprof.Handler("threadcreate"))
				log.Info().Msgf("Profiling is enabled at %v", serv.Addr+conf.URLPrefix+"/debug/pprof")
				h.Prefix(conf.URLPrefix)
			}

			if conf.MetricEnabled {
				h.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
				log.Info().Msgf("Prometheus metric is enabled at %v", serv.Addr+conf.URLPrefix+"/metrics")
			}
			return h
		},
		httpx.WithPortRoll(true),
		httpx.WithLogger(log),
	)
	if err != nil {
		return nil, err
	}
	return &Monitoring{conf: conf, server: serv, log: log}, nil
}

func (m *Monitoring) Run() {
	m.log.Info().Msgf("Starting monitoring server at %v", m.server.Addr)
	m.server.Run()
}

func (m *Monitoring) Shutdown(ctx context.Context) error {
	m.log.Info().Msg("Shutting down monitoring server")
	return m.server.Shutdown(ctx)
}

func (m *Monitoring) String() string {
	return fmt.Sprintf("monitoring::%s:%d", m.conf.URLPrefix, m.conf.Port)
}

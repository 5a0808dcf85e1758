// prometheus registry and the /metrics endpoint
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set owns its registry so tests can build isolated instances
type Set struct {
	reg *prometheus.Registry

	ConnectionsActive prometheus.Gauge
	RequestsTotal     *prometheus.CounterVec
	TimeoutsTotal     prometheus.Counter
	JobsDroppedTotal  prometheus.Counter
}

func New(logDropped func() uint64) *Set {
	s := &Set{
		reg: prometheus.NewRegistry(),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "webserv_connections_active",
			Help: "Currently open client connections.",
		}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webserv_requests_total",
			Help: "Responses built, by status code.",
		}, []string{"code"}),
		TimeoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webserv_timeouts_total",
			Help: "Connections evicted for inactivity.",
		}),
		JobsDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webserv_jobs_dropped_total",
			Help: "Jobs rejected because the worker queue was full.",
		}),
	}

	s.reg.MustRegister(s.ConnectionsActive, s.RequestsTotal,
		s.TimeoutsTotal, s.JobsDroppedTotal)

	if logDropped != nil {
		s.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "webserv_log_lines_dropped",
			Help: "Log lines dropped by the async writer.",
		}, func() float64 { return float64(logDropped()) }))
	}
	return s
}

// ObserveStatus is the engine's response hook
func (s *Set) ObserveStatus(status int) {
	s.RequestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
}

// ObserveConns is the engine's connection-delta hook
func (s *Set) ObserveConns(delta int) {
	s.ConnectionsActive.Add(float64(delta))
}

// Serve exposes /metrics until ctx is done
func (s *Set) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

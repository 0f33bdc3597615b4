/*
Package metrics exposes process-wide Prometheus collectors for queue depth, session throughput,
and transport outcomes, served over HTTP for scraping.
*/
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors groups the counters and gauges this program reports.
type Collectors struct {
	SessionsAccepted  prometheus.Counter
	SessionsRejected  prometheus.Counter
	MessagesEnqueued  prometheus.Counter
	QueueDepth        *prometheus.GaugeVec
	TransportOutcomes *prometheus.CounterVec
}

// NewCollectors registers a fresh set of collectors against the default Prometheus registry.
func NewCollectors() *Collectors {
	return &Collectors{
		SessionsAccepted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "submitd_sessions_accepted_total",
			Help: "Total number of inbound SMTP connections accepted.",
		}),
		SessionsRejected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "submitd_sessions_rejected_total",
			Help: "Total number of inbound SMTP connections rejected by the per-IP rate limit.",
		}),
		MessagesEnqueued: promauto.NewCounter(prometheus.CounterOpts{
			Name: "submitd_messages_enqueued_total",
			Help: "Total number of messages successfully committed to the spool.",
		}),
		QueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "submitd_queue_depth",
			Help: "Number of destinations currently in the queued and pending_cleanup states.",
		}, []string{"state"}),
		TransportOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "submitd_transport_outcomes_total",
			Help: "Count of client transport send attempts by outcome severity.",
		}, []string{"severity"}),
	}
}

// Serve starts an HTTP server exposing /metrics on addr and blocks until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errCh:
		return err
	}
}

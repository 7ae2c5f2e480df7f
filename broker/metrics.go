package broker

import (
	"net"
	"net/http"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

type metrics struct {
	reg        *prometheus.Registry
	clients    prometheus.Gauge
	running    prometheus.Gauge
	corpus     prometheus.Gauge
	objectives prometheus.Gauge
	executions prometheus.Gauge
	timeouts   prometheus.Gauge
	relayed    prometheus.Counter
}

func newMetrics() *metrics {
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fuzzkit",
			Name:      name,
			Help:      help,
		})
	}
	m := &metrics{
		reg:        prometheus.NewRegistry(),
		clients:    gauge("clients", "Clients that ever connected."),
		running:    gauge("clients_running", "Clients that have not stopped."),
		corpus:     gauge("corpus_size", "Sum of the client corpus sizes."),
		objectives: gauge("objectives", "Sum of the client solution counts."),
		executions: gauge("executions", "Executions over all clients and restarts."),
		timeouts:   gauge("timeouts", "Timed out executions over all clients and restarts."),
		relayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fuzzkit",
			Name:      "relayed_testcases_total",
			Help:      "Testcases accepted for relaying.",
		}),
	}
	m.reg.MustRegister(m.clients, m.running, m.corpus, m.objectives, m.executions, m.timeouts, m.relayed)
	return m
}

func (m *metrics) update(t Totals) {
	m.clients.Set(float64(t.Clients))
	m.running.Set(float64(t.Running))
	m.corpus.Set(float64(t.Corpus))
	m.objectives.Set(float64(t.Objectives))
	m.executions.Set(float64(t.Executions))
	m.timeouts.Set(float64(t.Timeouts))
}

// serve binds addr synchronously so a taken port is reported to the caller.
func (m *metrics) serve(addr string) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot listen for metrics on %v", addr)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Warnf("metrics server failed: %v", err)
		}
	}()
	log.Infof("serving metrics on %v", ln.Addr())
	return srv, nil
}

// Package metrics exposes daemon counters in prometheus format.
package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/temoto/alive/v2"
	"github.com/temoto/sensord/log2"
)

const namespace = "sensord"

const (
	StageSubmit   = "submit"
	StageDelivery = "delivery"
)

type Metrics struct {
	Registry *prometheus.Registry

	Cycles              prometheus.Counter
	SensorErrors        prometheus.Counter
	SkippedDisconnected prometheus.Counter
	EncodeErrors        prometheus.Counter
	Published           prometheus.Counter
	PublishErrors       *prometheus.CounterVec
	Connects            prometheus.Counter
	ConnectionState     prometheus.Gauge
	LoopInterval        prometheus.Gauge
	Pressure            prometheus.Gauge
	Temperature         prometheus.Gauge
	Messages            *prometheus.CounterVec
	LogErrors           prometheus.Counter
}

// New registers collectors on a private registry, safe to call many times (tests).
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	m := &Metrics{
		Registry:            reg,
		Cycles:              f.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "cycles_total", Help: "Telemetry cycles run"}),
		SensorErrors:        f.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "sensor_errors_total", Help: "Cycles aborted by sensor read failure"}),
		SkippedDisconnected: f.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "skipped_disconnected_total", Help: "Cycles skipped transmit while disconnected"}),
		EncodeErrors:        f.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "encode_errors_total", Help: "Payload encode failures"}),
		Published:           f.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "published_total", Help: "Messages delivered to broker"}),
		PublishErrors:       f.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "publish_errors_total", Help: "Publish failures by stage"}, []string{"stage"}),
		Connects:            f.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "connects_total", Help: "Transitions into connected state"}),
		ConnectionState:     f.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "connection_state", Help: "0=idle 1=connecting 2=connected 3=disconnected"}),
		LoopInterval:        f.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "loop_interval_seconds", Help: "Current telemetry loop interval"}),
		Pressure:            f.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "pressure_kpa", Help: "Last sampled pressure"}),
		Temperature:         f.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "temperature_celsius", Help: "Last sampled temperature"}),
		Messages:            f.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "messages_total", Help: "Incoming messages by path"}, []string{"path"}),
		LogErrors:           f.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "log_errors_total", Help: "Messages logged at error level"}),
	}
	return m
}

// Serve runs HTTP listener until a is stopped.
// ready reports readiness for /readyz, nil means always ready.
func (m *Metrics) Serve(a *alive.Alive, log *log2.Log, listen string, ready func() bool) error {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return errors.Annotatef(err, "metrics listen=%s", listen)
	}
	srv := &http.Server{Handler: m.Handler(ready), ReadHeaderTimeout: 10 * time.Second}
	if !a.Add(2) {
		_ = ln.Close()
		return errors.New("metrics: alive stopped")
	}
	go func() {
		defer a.Done()
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Errorf("metrics serve err=%v", err)
		}
	}()
	go func() {
		defer a.Done()
		<-a.StopChan()
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()
	log.Infof("metrics listen=%s", ln.Addr())
	return nil
}

func (m *Metrics) Handler(ready func() bool) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if ready != nil && !ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}

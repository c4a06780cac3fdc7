// Package metrics exposes Prometheus collectors for triage activity and HTTP
// traffic. All recording methods are safe on a nil *Metrics.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "triage"

type Metrics struct {
	PatientsRegistered *prometheus.CounterVec
	Escalations        *prometheus.CounterVec
	ScanDuration       prometheus.Histogram
	ScanEscalated      prometheus.Counter
	ScanErrors         prometheus.Counter
	ScansSkipped       prometheus.Counter
	MLAvailable        prometheus.Gauge
	HTTPRequests       *prometheus.CounterVec
	HTTPDuration       *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg. Collectors that
// are already registered are reused.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		PatientsRegistered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "patients_registered_total",
			Help:      "Patients registered, by initial priority.",
		}, []string{"priority"}),
		Escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Automatic priority escalations, by trigger and new priority.",
		}, []string{"trigger", "priority"}),
		ScanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "escalation_scan_duration_seconds",
			Help:      "Duration of escalation scan passes.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		ScanEscalated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalation_scan_escalated_total",
			Help:      "Patients escalated by the periodic scan.",
		}),
		ScanErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalation_scan_errors_total",
			Help:      "Per-patient failures during escalation scans.",
		}),
		ScansSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalation_scans_skipped_total",
			Help:      "Scan ticks skipped because a previous pass was still running or another instance held the lock.",
		}),
		MLAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ml_service_available",
			Help:      "1 when the last ML service health check succeeded.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	collectors := []prometheus.Collector{
		m.PatientsRegistered, m.Escalations, m.ScanDuration, m.ScanEscalated,
		m.ScanErrors, m.ScansSkipped, m.MLAvailable, m.HTTPRequests, m.HTTPDuration,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) ObserveRegistration(priority string) {
	if m == nil {
		return
	}
	m.PatientsRegistered.WithLabelValues(priority).Inc()
}

// ObserveEscalation records one escalation. trigger is "wait" or "vitals".
func (m *Metrics) ObserveEscalation(trigger, priority string) {
	if m == nil {
		return
	}
	m.Escalations.WithLabelValues(trigger, priority).Inc()
}

func (m *Metrics) ObserveScan(d time.Duration, escalated, failed int) {
	if m == nil {
		return
	}
	m.ScanDuration.Observe(d.Seconds())
	m.ScanEscalated.Add(float64(escalated))
	m.ScanErrors.Add(float64(failed))
}

func (m *Metrics) ScanSkipped() {
	if m == nil {
		return
	}
	m.ScansSkipped.Inc()
}

func (m *Metrics) SetMLAvailable(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.MLAvailable.Set(1)
		return
	}
	m.MLAvailable.Set(0)
}

// Middleware records request counts and latency keyed by the matched route
// pattern, so path parameters do not explode label cardinality.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					status = he.Code
				} else {
					status = http.StatusInternalServerError
				}
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method
			m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			m.HTTPDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the Prometheus exposition format for g.
func Handler(g prometheus.Gatherer) echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
}

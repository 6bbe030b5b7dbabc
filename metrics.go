package main

import (
	"errors"

	"github.com/example/quietora/internal/apperr"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the service's Prometheus collectors.
type Metrics struct {
	requestDuration *prometheus.HistogramVec
	heartbeats      *prometheus.CounterVec
	authAttempts    *prometheus.CounterVec
}

const resultOK = "ok"

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "quietora",
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests by route template and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quietora",
			Name:      "heartbeats_total",
			Help:      "Total number of heartbeats received, by outcome.",
		}, []string{"result"}),
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quietora",
			Name:      "auth_attempts_total",
			Help:      "Total number of register, login and bootstrap attempts, by outcome.",
		}, []string{"operation", "result"}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{m.requestDuration, m.heartbeats, m.authAttempts} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

// resultLabel is "ok", the business error kind, or "error" for infrastructure failures.
func resultLabel(err error) string {
	if err == nil {
		return resultOK
	}
	var e *apperr.Error
	if errors.As(err, &e) {
		return e.Kind.String()
	}
	return "error"
}

func (m *Metrics) RecordHeartbeat(err error) {
	m.heartbeats.WithLabelValues(resultLabel(err)).Inc()
}

func (m *Metrics) RecordAuthAttempt(operation string, err error) {
	m.authAttempts.WithLabelValues(operation, resultLabel(err)).Inc()
}

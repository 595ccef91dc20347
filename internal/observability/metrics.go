// Package observability exposes the delivery core's Prometheus metrics.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Presence reports the current registry size.
type Presence interface {
	Counts() (users, connections int)
}

// Metrics tracks:
//   - live connections and present users (sampled from the registry)
//   - inbound frames by kind and outcome
//   - fanout deliveries and misses by event kind
//   - connections removed by the reaper
//   - call state transitions
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// FramesTotal counts inbound frames.
	// Labels: channel (chat|signal), kind, outcome (ok|error)
	FramesTotal *prometheus.CounterVec

	// FanoutDeliveries counts connections that accepted a pushed event.
	// Labels: kind
	FanoutDeliveries *prometheus.CounterVec

	// FanoutMisses counts recipients with no live connection.
	// Labels: kind
	FanoutMisses *prometheus.CounterVec

	ReapedTotal prometheus.Counter

	// CallTransitions counts states entered by calls.
	// Labels: state (ringing|connected|rejected|missed|ended|disconnected)
	CallTransitions *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewMetrics registers every collector with reg. Tests pass a fresh
// prometheus.NewRegistry so runs stay isolated.
func NewMetrics(reg *prometheus.Registry, presence Presence, activeCalls func() int) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		FramesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_frames_total",
				Help: "Inbound frames by channel, kind and outcome",
			},
			[]string{"channel", "kind", "outcome"},
		),
		FanoutDeliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_fanout_deliveries_total",
				Help: "Connections that accepted a pushed event",
			},
			[]string{"kind"},
		),
		FanoutMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_fanout_misses_total",
				Help: "Recipients that had no live connection",
			},
			[]string{"kind"},
		),
		ReapedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "courier_reaped_connections_total",
			Help: "Dead connections evicted by the reaper",
		}),
		CallTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_call_transitions_total",
				Help: "Call states entered",
			},
			[]string{"state"},
		),
		gatherer: reg,
	}

	if presence != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "courier_connections",
			Help: "Connections currently tracked by the registry",
		}, func() float64 {
			_, conns := presence.Counts()
			return float64(conns)
		})
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "courier_present_users",
			Help: "Users with at least one live connection",
		}, func() float64 {
			users, _ := presence.Counts()
			return float64(users)
		})
	}
	if activeCalls != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "courier_active_calls",
			Help: "Calls ringing or connected",
		}, func() float64 { return float64(activeCalls()) })
	}
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) Frame(channel, kind string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.FramesTotal.WithLabelValues(channel, kind, outcome).Inc()
}

func (m *Metrics) Fanout(kind string, delivered, missed int) {
	if m == nil {
		return
	}
	m.FanoutDeliveries.WithLabelValues(kind).Add(float64(delivered))
	m.FanoutMisses.WithLabelValues(kind).Add(float64(missed))
}

func (m *Metrics) Reaped(n int) {
	if m == nil {
		return
	}
	m.ReapedTotal.Add(float64(n))
}

func (m *Metrics) CallTransition(status string) {
	if m == nil {
		return
	}
	m.CallTransitions.WithLabelValues(status).Inc()
}

// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package rcon

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the prometheus collectors a [Session] reports to. A single Metrics value may be
// shared by any number of sessions; series are labelled with the session's address. A nil *Metrics
// disables reporting.
type Metrics struct {
	packets          *prometheus.CounterVec
	bytes            *prometheus.CounterVec
	executes         *prometheus.CounterVec
	executeDuration  *prometheus.HistogramVec
	responseSegments *prometheus.HistogramVec
	transitions      *prometheus.CounterVec
}

// NewMetrics creates the session collectors and registers them with reg. A nil reg registers with
// [prometheus.DefaultRegisterer]. Registering twice with the same registerer panics, as
// [prometheus.Registerer.MustRegister] does.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		packets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rcon",
				Subsystem: "session",
				Name:      "packets_total",
				Help:      "RCON packets sent and received.",
			},
			[]string{"addr", "direction"},
		),
		bytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rcon",
				Subsystem: "session",
				Name:      "bytes_total",
				Help:      "RCON bytes sent and received.",
			},
			[]string{"addr", "direction"},
		),
		executes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rcon",
				Subsystem: "session",
				Name:      "executes_total",
				Help:      "Commands executed, by result.",
			},
			[]string{"addr", "result"},
		),
		executeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "rcon",
				Subsystem: "session",
				Name:      "execute_duration_seconds",
				Help:      "Command round trip duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"addr"},
		),
		responseSegments: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "rcon",
				Subsystem: "session",
				Name:      "response_segments",
				Help:      "Packets reassembled into one command response.",
				Buckets:   []float64{1, 2, 3, 5, 8, 13, 21},
			},
			[]string{"addr"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rcon",
				Subsystem: "session",
				Name:      "state_transitions_total",
				Help:      "Session state transitions, by target state.",
			},
			[]string{"addr", "state"},
		),
	}
	reg.MustRegister(m.packets, m.bytes, m.executes, m.executeDuration, m.responseSegments, m.transitions)
	return m
}

func (m *Metrics) sent(addr string, packets, n int) {
	if m == nil {
		return
	}
	m.packets.WithLabelValues(addr, "out").Add(float64(packets))
	m.bytes.WithLabelValues(addr, "out").Add(float64(n))
}

func (m *Metrics) received(addr string, n int64) {
	if m == nil {
		return
	}
	m.packets.WithLabelValues(addr, "in").Inc()
	m.bytes.WithLabelValues(addr, "in").Add(float64(n))
}

func (m *Metrics) executed(addr string, segments int, err error, d time.Duration) {
	if m == nil {
		return
	}
	m.executes.WithLabelValues(addr, ResultLabel(err)).Inc()
	m.executeDuration.WithLabelValues(addr).Observe(d.Seconds())
	if err == nil {
		m.responseSegments.WithLabelValues(addr).Observe(float64(segments))
	}
}

func (m *Metrics) transitioned(addr string, to State) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(addr, to.String()).Inc()
}

// ResultLabel maps an error returned by a [Session] to a short, stable label: "ok", "auth",
// "timeout", "protocol", "io", "connection" or "error".
func ResultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	case errors.Is(err, ErrIO):
		return "io"
	case errors.Is(err, ErrConnection):
		return "connection"
	default:
		return "error"
	}
}

// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package telemetry observes auth requests with Prometheus metrics from a
// dispatcher after hook.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stacklok/betterauth/pkg/endpoint"
)

// Metrics holds the request instruments.
type Metrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// New creates the metrics set on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "betterauth",
			Name:      "requests_total",
			Help:      "Auth requests by path, method, and status.",
		}, []string{"path", "method", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "betterauth",
			Name:      "request_duration_seconds",
			Help:      "Auth request duration by path and method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"path", "method"}),
	}
	m.registry.MustRegister(m.requests, m.duration)
	return m
}

// Handler serves the scrape endpoint for this metrics set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Hooks returns the observation hooks: a before hook stamping the start time
// and an after hook recording count and duration.
func (m *Metrics) Hooks() []endpoint.Hook {
	const startKey = "telemetry_start"
	return []endpoint.Hook{{
		Before: func(c *endpoint.Context) error {
			c.Set(startKey, time.Now())
			return nil
		},
		After: func(c *endpoint.Context, resp *endpoint.Response) error {
			path := c.RoutePath()
			method := c.Request.Method
			m.requests.WithLabelValues(path, method, strconv.Itoa(resp.Status)).Inc()
			if v, ok := c.Get(startKey); ok {
				if start, ok := v.(time.Time); ok {
					m.duration.WithLabelValues(path, method).Observe(time.Since(start).Seconds())
				}
			}
			return nil
		},
	}}
}

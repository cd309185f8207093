// Copyright 2022-2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package httpclient builds the shared, Prometheus-instrumented *http.Client
// every substituter fetch goes through, adapted directly from the teacher's
// pkg/http/instrumented_client.go: the same DNS/TLS/duration histograms and
// in-flight gauge, renamed from a generic profiling-agent client to this
// module's single outbound-fetch client.
package httpclient

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	inFlightGauge            prometheus.Gauge
	requestTotalCount        *prometheus.CounterVec
	dnsLatencyHistogram      *prometheus.HistogramVec
	tlsLatencyHistogram      *prometheus.HistogramVec
	requestDurationHistogram *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		inFlightGauge: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "debuginfod_http_client_in_flight_requests",
			Help: "A gauge of in-flight substituter fetch requests.",
		}),
		requestTotalCount: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "debuginfod_http_client_requests_total",
			Help: "Total substituter fetch requests by status code and method.",
		}, []string{"code", "method"}),
		dnsLatencyHistogram: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:                        "debuginfod_http_client_dns_duration_seconds",
				Help:                        "DNS resolution latency for substituter fetches.",
				NativeHistogramBucketFactor: 1.1,
			},
			[]string{"event"},
		),
		tlsLatencyHistogram: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:                        "debuginfod_http_client_tls_duration_seconds",
				Help:                        "TLS handshake latency for substituter fetches.",
				NativeHistogramBucketFactor: 1.1,
			},
			[]string{"event"},
		),
		requestDurationHistogram: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:                        "debuginfod_http_client_request_duration_seconds",
				Help:                        "Substituter fetch request latency.",
				NativeHistogramBucketFactor: 1.1,
			},
			[]string{"code", "method"},
		),
	}
}

func instrument(tripper http.RoundTripper, m *metrics) http.RoundTripper {
	if m == nil {
		return tripper
	}
	trace := &promhttp.InstrumentTrace{
		DNSStart:          func(t float64) { m.dnsLatencyHistogram.WithLabelValues("dns_start").Observe(t) },
		DNSDone:           func(t float64) { m.dnsLatencyHistogram.WithLabelValues("dns_done").Observe(t) },
		TLSHandshakeStart: func(t float64) { m.tlsLatencyHistogram.WithLabelValues("tls_handshake_start").Observe(t) },
		TLSHandshakeDone:  func(t float64) { m.tlsLatencyHistogram.WithLabelValues("tls_handshake_done").Observe(t) },
	}
	return promhttp.InstrumentRoundTripperInFlight(
		m.inFlightGauge,
		promhttp.InstrumentRoundTripperCounter(
			m.requestTotalCount,
			promhttp.InstrumentRoundTripperTrace(
				trace,
				promhttp.InstrumentRoundTripperDuration(m.requestDurationHistogram, tripper),
			),
		),
	)
}

// New builds the shared client used by every http(s):// substituter fetch.
// timeout bounds a single round trip (spec.md §5's "bounded per-attempt
// timeout"); retries across attempts are the caller's responsibility
// (pkg/substituter's HTTP backend, via cenkalti/backoff).
func New(reg prometheus.Registerer, timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: instrument(http.DefaultTransport, newMetrics(reg)),
		Timeout:   timeout,
	}
}

// Package metrics はゲートウェイのPrometheusメトリクスを提供する。
//
// プロキシ結果の分類・所要時間・リトライ回数・認証拒否を記録し、
// バックエンド再起動時の到達不能やタイムアウトの傾向を観測可能にする。
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ProxyRequestsTotal はサービス別・結果分類別のプロキシリクエスト数。
	ProxyRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_proxy_requests_total",
			Help: "Total number of proxied requests by service and outcome",
		},
		[]string{"service", "outcome"},
	)
	// ProxyRequestDuration はサービス別のプロキシ所要時間。
	ProxyRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_proxy_request_duration_seconds",
			Help:    "Duration of proxied requests by service",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)
	// ProxyRetriesTotal はサービス別のリトライ実施回数（初回試行を除く）。
	ProxyRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_proxy_retries_total",
			Help: "Total number of retry attempts by service",
		},
		[]string{"service"},
	)
	// AuthDeniedTotal は理由別の認証拒否数。
	AuthDeniedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_auth_denied_total",
			Help: "Total number of denied requests by reason",
		},
		[]string{"reason"},
	)
	// NoRouteTotal はルート未登録による404応答数。
	NoRouteTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_no_route_total",
			Help: "Total number of requests that matched no route",
		},
	)
)

var registerOnce sync.Once

// Register は全メトリクスをデフォルトレジストリに登録する。
// 複数回呼び出しても登録は一度だけ行われる。
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			ProxyRequestsTotal,
			ProxyRequestDuration,
			ProxyRetriesTotal,
			AuthDeniedTotal,
			NoRouteTotal,
		)
	})
}

// ObserveProxy は1回のプロキシ処理の結果と所要時間を記録する。
func ObserveProxy(service, outcome string, attempts int, elapsed time.Duration) {
	ProxyRequestsTotal.WithLabelValues(service, outcome).Inc()
	ProxyRequestDuration.WithLabelValues(service).Observe(elapsed.Seconds())
	if attempts > 1 {
		ProxyRetriesTotal.WithLabelValues(service).Add(float64(attempts - 1))
	}
}

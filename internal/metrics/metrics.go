// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 認証フロー、セッション検証、アカウント統合、通知ディスパッチャーから利用する。
type MetricsCollector interface {
	RecordLogin(provider, result string)
	ObserveProviderRequest(provider, step string, d time.Duration)
	RecordSessionValidation(result string)
	RecordMerge(result string)
	RecordIdentityEvent(result string)
	RecordSessionsSwept(count int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	logins          *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec
	sessionChecks   *prometheus.CounterVec
	merges          *prometheus.CounterVec
	identityEvents  *prometheus.CounterVec
	sessionsSwept   prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tsudoi_login_total",
			Help: "provider別のOAuthコールバック結果の合計数",
		}, []string{"provider", "result"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tsudoi_provider_request_duration_seconds",
			Help:    "providerへのリクエストのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider", "step"}),
		sessionChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tsudoi_session_validation_total",
			Help: "セッション検証結果の合計数",
		}, []string{"result"}),
		merges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tsudoi_account_merge_total",
			Help: "アカウント統合の結果の合計数",
		}, []string{"result"}),
		identityEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tsudoi_identity_event_total",
			Help: "identity連携イベントの送信結果の合計数",
		}, []string{"result"}),
		sessionsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tsudoi_sessions_swept_total",
			Help: "クリーンアップで削除した期限切れセッションの合計数",
		}),
	}

	reg.MustRegister(
		c.logins,
		c.providerLatency,
		c.sessionChecks,
		c.merges,
		c.identityEvents,
		c.sessionsSwept,
	)

	return c
}

// RecordLogin はコールバックの結果を記録する。resultは signed_in、linked、またはエラーコード。
func (c *Collector) RecordLogin(provider, result string) {
	c.logins.WithLabelValues(provider, result).Inc()
}

// ObserveProviderRequest はトークン交換やユーザー情報取得の所要時間を記録する。
func (c *Collector) ObserveProviderRequest(provider, step string, d time.Duration) {
	c.providerLatency.WithLabelValues(provider, step).Observe(d.Seconds())
}

func (c *Collector) RecordSessionValidation(result string) {
	c.sessionChecks.WithLabelValues(result).Inc()
}

func (c *Collector) RecordMerge(result string) {
	c.merges.WithLabelValues(result).Inc()
}

func (c *Collector) RecordIdentityEvent(result string) {
	c.identityEvents.WithLabelValues(result).Inc()
}

// RecordSessionsSwept は削除した期限切れセッション数を加算する。
func (c *Collector) RecordSessionsSwept(count int64) {
	c.sessionsSwept.Add(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
// Acceptヘッダーで要求されればOpenMetrics形式で返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// SetupMetricsRoute はメトリクス用ポートのルートを返す。/metrics以外は404。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", Handler(gatherer))
	return mux
}

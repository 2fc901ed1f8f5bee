// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// platformアダプタ、ワーカー、サービス層から利用する。
type MetricsCollector interface {
	ObserveRemoteCall(op string, duration time.Duration, err error)
	RecordCoinUpdate(result string)
	RecordPresencePing(success bool)
	RecordLeaderboardRefresh(success bool)
	RecordDiagnosticSent(transport string)
	RecordDiagnosticDropped(reason string)
	RecordHTTPStatus(statusCode int)
}

// コイン更新結果のラベル値
const (
	CoinUpdateConfirmed = "confirmed" // 再取得した残高で確定
	CoinUpdateEstimated = "estimated" // 再取得に失敗しローカル推定値を表示
	CoinUpdateFailed    = "failed"    // 残高更新RPC自体が失敗
)

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	remoteCalls        *prometheus.CounterVec
	remoteLatency      *prometheus.HistogramVec
	coinUpdates        *prometheus.CounterVec
	presencePings      *prometheus.CounterVec
	leaderboardRefresh *prometheus.CounterVec
	diagnosticsSent    *prometheus.CounterVec
	diagnosticsDropped *prometheus.CounterVec
	httpStatus         *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		remoteCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "yowx_remote_calls_total",
			Help: "バックエンド呼び出しの操作別・結果別の合計数",
		}, []string{"op", "outcome"}),
		remoteLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "yowx_remote_call_latency_seconds",
			Help:    "バックエンド呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		coinUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "yowx_coin_updates_total",
			Help: "コイン残高更新の結果別の合計数",
		}, []string{"result"}),
		presencePings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "yowx_presence_pings_total",
			Help: "プレゼンス送信の合計数",
		}, []string{"outcome"}),
		leaderboardRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "yowx_leaderboard_refresh_total",
			Help: "リーダーボード再取得の合計数",
		}, []string{"outcome"}),
		diagnosticsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "yowx_diagnostics_sent_total",
			Help: "送信に成功した診断メッセージの合計数",
		}, []string{"transport"}),
		diagnosticsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "yowx_diagnostics_dropped_total",
			Help: "破棄された診断メッセージの理由別の合計数",
		}, []string{"reason"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "yowx_http_status_total",
			Help: "ローカルAPIのステータスコード別レスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.remoteCalls,
		c.remoteLatency,
		c.coinUpdates,
		c.presencePings,
		c.leaderboardRefresh,
		c.diagnosticsSent,
		c.diagnosticsDropped,
		c.httpStatus,
	)

	return c
}

// ObserveRemoteCall はバックエンド呼び出しの結果とレイテンシを記録する。
// platform.Observerを実装する。
func (c *Collector) ObserveRemoteCall(op string, duration time.Duration, err error) {
	c.remoteCalls.WithLabelValues(op, outcome(err == nil)).Inc()
	c.remoteLatency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordCoinUpdate はコイン残高更新の結果を記録する。
func (c *Collector) RecordCoinUpdate(result string) {
	c.coinUpdates.WithLabelValues(result).Inc()
}

// RecordPresencePing はプレゼンス送信の結果を記録する。
func (c *Collector) RecordPresencePing(success bool) {
	c.presencePings.WithLabelValues(outcome(success)).Inc()
}

// RecordLeaderboardRefresh はリーダーボード再取得の結果を記録する。
func (c *Collector) RecordLeaderboardRefresh(success bool) {
	c.leaderboardRefresh.WithLabelValues(outcome(success)).Inc()
}

// RecordDiagnosticSent は診断メッセージの送信成功を記録する。
func (c *Collector) RecordDiagnosticSent(transport string) {
	c.diagnosticsSent.WithLabelValues(transport).Inc()
}

// RecordDiagnosticDropped は診断メッセージの破棄を記録する。
func (c *Collector) RecordDiagnosticDropped(reason string) {
	c.diagnosticsDropped.WithLabelValues(reason).Inc()
}

// RecordHTTPStatus はローカルAPIのレスポンスステータスを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// NopCollector は何も記録しないMetricsCollector。テストやメトリクス無効時に使う。
type NopCollector struct{}

func (NopCollector) ObserveRemoteCall(string, time.Duration, error) {}
func (NopCollector) RecordCoinUpdate(string) {}
func (NopCollector) RecordPresencePing(bool) {}
func (NopCollector) RecordLeaderboardRefresh(bool) {}
func (NopCollector) RecordDiagnosticSent(string) {}
func (NopCollector) RecordDiagnosticDropped(string) {}
func (NopCollector) RecordHTTPStatus(int) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

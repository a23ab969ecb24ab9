// Package metrics 提供信令服务器和传输会话的Prometheus指标
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 传输方向
const (
	DirectionSend    = "send"
	DirectionReceive = "receive"
)

var (
	// 信令服务器
	relayEndpoints = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "clipshare_relay_endpoints",
			Help: "Number of registered endpoints on the relay",
		},
	)

	relayMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clipshare_relay_messages_total",
			Help: "Total relay messages handled, by type",
		},
		[]string{"type"},
	)

	relayShareRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clipshare_relay_share_requests_total",
			Help: "Total share requests, by outcome",
		},
		[]string{"outcome"},
	)

	// 传输会话
	transferBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clipshare_transfer_bytes_total",
			Help: "Total payload bytes moved over data channels",
		},
		[]string{"direction"},
	)

	transferSessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clipshare_transfer_sessions_total",
			Help: "Total transfer sessions, by direction, content kind and outcome",
		},
		[]string{"direction", "kind", "outcome"},
	)

	negotiationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clipshare_negotiations_total",
			Help: "Total connection negotiations, by role and outcome",
		},
		[]string{"role", "outcome"},
	)
)

// SetRelayEndpoints 设置已注册端点数
func SetRelayEndpoints(n int) {
	relayEndpoints.Set(float64(n))
}

// RecordRelayMessage 记录一条信令消息
func RecordRelayMessage(msgType string) {
	relayMessagesTotal.WithLabelValues(msgType).Inc()
}

// RecordShareRequest 记录一次共享请求的结果（matched / no_sharer）
func RecordShareRequest(outcome string) {
	relayShareRequestsTotal.WithLabelValues(outcome).Inc()
}

// AddTransferBytes 累加传输字节数
func AddTransferBytes(direction string, n int) {
	transferBytesTotal.WithLabelValues(direction).Add(float64(n))
}

// RecordSession 记录一次会话结束
func RecordSession(direction, kind, outcome string) {
	transferSessionsTotal.WithLabelValues(direction, kind, outcome).Inc()
}

// RecordNegotiation 记录一次协商结果
func RecordNegotiation(role, outcome string) {
	negotiationsTotal.WithLabelValues(role, outcome).Inc()
}

// Handler 返回/metrics处理器
func Handler() http.Handler {
	return promhttp.Handler()
}

package rpcconn

import (
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"
)

// ConnectionMetrics contains atomic metrics for a connection.
// Metrics can be exported with Register or read directly.
type ConnectionMetrics struct {
	// ConnectCount indicates the number of established sockets.
	ConnectCount atomic.Uint64
	// DisconnectCount indicates the number of closed sockets.
	DisconnectCount atomic.Uint64

	// MsgSendCount indicates the number of writes to the socket.
	MsgSendCount atomic.Uint64
	// MsgRecvCount indicates the number of responses that settled a call.
	MsgRecvCount atomic.Uint64
	// MsgErrCount indicates the number of write and dispatch errors.
	MsgErrCount atomic.Uint64
	// MsgInflightCount indicates the number of calls written and awaiting a response.
	MsgInflightCount atomic.Int64
	// OfflineQueueLen indicates the number of writes buffered while disconnected.
	OfflineQueueLen atomic.Int64

	// ConnRetryGauge indicates the number of reconnection attempts since the last connect.
	ConnRetryGauge atomic.Uint32
}

// Register exports the metrics to set as gauges named prefix_<metric>.
//
// Register panics if a metric with the same name is already registered in set.
func (m *ConnectionMetrics) Register(set *metrics.Set, prefix string) {
	set.NewGauge(prefix+"_connect_total", func() float64 { return float64(m.ConnectCount.Load()) })
	set.NewGauge(prefix+"_disconnect_total", func() float64 { return float64(m.DisconnectCount.Load()) })
	set.NewGauge(prefix+"_msg_send_total", func() float64 { return float64(m.MsgSendCount.Load()) })
	set.NewGauge(prefix+"_msg_recv_total", func() float64 { return float64(m.MsgRecvCount.Load()) })
	set.NewGauge(prefix+"_msg_err_total", func() float64 { return float64(m.MsgErrCount.Load()) })
	set.NewGauge(prefix+"_msg_inflight", func() float64 { return float64(m.MsgInflightCount.Load()) })
	set.NewGauge(prefix+"_offline_queue_len", func() float64 { return float64(m.OfflineQueueLen.Load()) })
	set.NewGauge(prefix+"_conn_retry", func() float64 { return float64(m.ConnRetryGauge.Load()) })
}

func (m *ConnectionMetrics) incConnectCount() {
	m.ConnectCount.Add(1)
}

func (m *ConnectionMetrics) incDisconnectCount() {
	m.DisconnectCount.Add(1)
}

func (m *ConnectionMetrics) incMsgSendCount() {
	m.MsgSendCount.Add(1)
}

func (m *ConnectionMetrics) incMsgRecvCount() {
	m.MsgRecvCount.Add(1)
}

func (m *ConnectionMetrics) incMsgErrCount() {
	m.MsgErrCount.Add(1)
}

func (m *ConnectionMetrics) incMsgInflightCount() {
	m.MsgInflightCount.Add(1)
}

func (m *ConnectionMetrics) decMsgInflightCount() {
	m.MsgInflightCount.Add(-1)
}

func (m *ConnectionMetrics) setOfflineQueueLen(n int) {
	m.OfflineQueueLen.Store(int64(n))
}

func (m *ConnectionMetrics) incConnRetryGauge() {
	m.ConnRetryGauge.Add(1)
}

func (m *ConnectionMetrics) resetConnRetryGauge() {
	m.ConnRetryGauge.Store(0)
}

package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mini-grpc/status"
)

func TestCallCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, "test")

	m.CallStarted(SideServer, "/svc/M")
	m.CallStarted(SideServer, "/svc/M")
	m.CallHandled(SideServer, "/svc/M", status.OK, time.Millisecond)
	m.CallHandled(SideServer, "/svc/M", status.NotFound, time.Millisecond)
	m.MsgSent(SideClient, "/svc/M")
	m.MsgReceived(SideClient, "/svc/M")
	m.MsgReceived(SideClient, "/svc/M")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.started.WithLabelValues(SideServer, "/svc/M")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.handled.WithLabelValues(SideServer, "/svc/M", "NotFound")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.msgSent.WithLabelValues(SideClient, "/svc/M")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.msgReceived.WithLabelValues(SideClient, "/svc/M")))

	expected := `
# HELP test_rpc_calls_handled_total Total number of calls completed, by status code.
# TYPE test_rpc_calls_handled_total counter
test_rpc_calls_handled_total{code="NotFound",method="/svc/M",side="server"} 1
test_rpc_calls_handled_total{code="OK",method="/svc/M",side="server"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "test_rpc_calls_handled_total"))
}

func TestConnectionsGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, "test")

	m.SetConnections("127.0.0.1:1", 3)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.connections.WithLabelValues("127.0.0.1:1")))
	m.DeleteEndpoint("127.0.0.1:1")
	assert.Equal(t, 0, testutil.CollectAndCount(m.connections))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.CallStarted(SideClient, "/svc/M")
		m.CallHandled(SideClient, "/svc/M", status.OK, time.Second)
		m.MsgSent(SideClient, "/svc/M")
		m.MsgReceived(SideClient, "/svc/M")
		m.SetConnections("x", 1)
		m.DeleteEndpoint("x")
	})
}

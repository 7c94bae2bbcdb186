package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew_RegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SetConnectionState(StateConnected)
	m.IncReconnects()
	m.IncFramesDropped("uninterested")
	m.IncFramesDropped("uninterested")
	m.IncControlMessage("subscribe")
	m.SetActiveSubscriptions(3)
	m.AddRecorderRows("inserted", 5)
	m.ObserveFlush(10 * time.Millisecond)

	if got := testutil.ToFloat64(m.ConnectionState); got != StateConnected {
		t.Errorf("ConnectionState = %v, want %d", got, StateConnected)
	}
	if got := testutil.ToFloat64(m.Reconnects); got != 1 {
		t.Errorf("Reconnects = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.FramesDropped.WithLabelValues("uninterested")); got != 2 {
		t.Errorf("FramesDropped{uninterested} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ControlMessages.WithLabelValues("subscribe")); got != 1 {
		t.Errorf("ControlMessages{subscribe} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ActiveSubscriptions); got != 3 {
		t.Errorf("ActiveSubscriptions = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.RecorderRows.WithLabelValues("inserted")); got != 5 {
		t.Errorf("RecorderRows{inserted} = %v, want 5", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	if len(families) == 0 {
		t.Error("expected registered metric families")
	}
}

func TestNew_NilRegistry(t *testing.T) {
	m := New(nil)
	m.IncHeartbeatTimeout()
	if got := testutil.ToFloat64(m.HeartbeatTimeouts); got != 1 {
		t.Errorf("HeartbeatTimeouts = %v, want 1", got)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics

	m.SetConnectionState(StateReconnecting)
	m.SetEpoch(4)
	m.IncReconnects()
	m.IncConnectFailure("transport")
	m.IncHeartbeatTimeout()
	m.IncFramesReceived()
	m.IncFramesSent()
	m.IncOutboundDropped("stale_epoch")
	m.IncFramesDropped("unparsable")
	m.IncMessagesRouted("book")
	m.IncControlMessage("unsubscribe")
	m.SetActiveSubscriptions(1)
	m.SetActiveStreams(1)
	m.AddRecorderRows("failed", 1)
	m.ObserveFlush(time.Second)
}

package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordConnect("ok", time.Second)
	m.RecordOutbound("response.create", nil)
	m.RecordInbound("session.created")
	m.RecordMalformed()
	m.RecordStale("response.audio.delta")
	m.RecordTurnStarted()
	m.RecordTurnCancelled()
	m.RecordCaptureFrame(true)
	m.RecordPlayback(10)
	m.RecordDisconnect()
}

func TestRecordConnectAndOutbound(t *testing.T) {
	m := New("test")
	m.RecordConnect("ok", 2*time.Second)
	m.RecordConnect("token", 0)
	m.RecordOutbound("response.create", nil)
	m.RecordOutbound("response.create", nil)
	m.RecordOutbound("response.cancel", errors.New("closed"))

	if got := testutil.ToFloat64(m.SessionsActive); got != 1 {
		t.Fatalf("sessions_active = %v", got)
	}
	if got := testutil.ToFloat64(m.ConnectAttempts.WithLabelValues("token")); got != 1 {
		t.Fatalf("connect_attempts{token} = %v", got)
	}
	if got := testutil.ToFloat64(m.OutboundMessages.WithLabelValues("response.create")); got != 2 {
		t.Fatalf("outbound{response.create} = %v", got)
	}
	if got := testutil.ToFloat64(m.OutboundFailures.WithLabelValues("response.cancel")); got != 1 {
		t.Fatalf("outbound_failures{response.cancel} = %v", got)
	}
}

func TestHandlerExposesNamespace(t *testing.T) {
	m := New("test")
	m.RecordMalformed()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "test_malformed_frames_total 1") {
		t.Fatalf("body missing counter:\n%s", rec.Body.String())
	}
}

package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

var resetMu sync.Mutex

func withRegistry(t *testing.T, reg *prometheus.Registry) {
	resetMu.Lock()
	ResetForTesting(reg)
	t.Cleanup(func() {
		ResetForTesting(prometheus.DefaultRegisterer)
		resetMu.Unlock()
	})
}

func gatherFamilies(t *testing.T, reg *prometheus.Registry) []*dto.MetricFamily {
	t.Helper()
	fams, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	return fams
}

func counterValue(t *testing.T, fams []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range fams {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			if !labelsMatch(m, labels) {
				continue
			}
			if m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
			if m.GetGauge() != nil {
				return m.GetGauge().GetValue()
			}
		}
	}
	return 0
}

func histogramCount(t *testing.T, fams []*dto.MetricFamily, name string) uint64 {
	t.Helper()
	for _, fam := range fams {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			if m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func labelsMatch(m *dto.Metric, labels map[string]string) bool {
	if len(labels) == 0 {
		return true
	}
	got := make(map[string]string, len(m.GetLabel()))
	for _, lp := range m.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range labels {
		if got[k] != v {
			return false
		}
	}
	return true
}

func TestMetrics_RegisterOnce(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	withRegistry(t, reg)

	fams1 := gatherFamilies(t, reg)
	if len(fams1) == 0 {
		t.Fatal("expected metrics registered")
	}

	ResetForTesting(reg)
	fams2 := gatherFamilies(t, reg)
	if len(fams1) != len(fams2) {
		t.Fatalf("metric count changed after second reset: %d vs %d", len(fams1), len(fams2))
	}
}

func TestMetrics_DelayedCallCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	withRegistry(t, reg)

	RecordDelayedCall("interceptor", OutcomeResolved, 100*time.Millisecond, 120*time.Millisecond)
	RecordDelayedCall("interceptor", OutcomeResolved, 100*time.Millisecond, 110*time.Millisecond)
	RecordDelayedCall("interceptor", OutcomeRejected, 50*time.Millisecond, 60*time.Millisecond)
	RecordDelayedCall("http_proxy", OutcomeCancelled, 2*time.Second, 0)

	fams := gatherFamilies(t, reg)

	tests := []struct {
		component string
		outcome   string
		want      float64
	}{
		{"interceptor", OutcomeResolved, 2},
		{"interceptor", OutcomeRejected, 1},
		{"http_proxy", OutcomeCancelled, 1},
	}

	for _, tt := range tests {
		got := counterValue(t, fams, "slowmo_delayed_calls_total",
			map[string]string{"component": tt.component, "outcome": tt.outcome})
		if got != tt.want {
			t.Errorf("slowmo_delayed_calls_total{component=%s,outcome=%s} = %v, want %v",
				tt.component, tt.outcome, got, tt.want)
		}
	}

	if got := histogramCount(t, fams, "slowmo_injected_delay_seconds"); got != 4 {
		t.Errorf("slowmo_injected_delay_seconds sample count = %d, want 4", got)
	}
	if got := histogramCount(t, fams, "slowmo_call_duration_seconds"); got != 3 {
		t.Errorf("slowmo_call_duration_seconds sample count = %d, want 3 (zero duration skipped)", got)
	}
}

func TestMetrics_KnobMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	withRegistry(t, reg)

	SetKnobDelayMillis(250)
	RecordKnobUpdate("control")
	RecordKnobUpdate("mqtt")
	RecordKnobUpdate("mqtt")
	RecordKnobRejected("parse_error")

	fams := gatherFamilies(t, reg)

	if got := counterValue(t, fams, "slowmo_knob_delay_milliseconds", nil); got != 250 {
		t.Errorf("slowmo_knob_delay_milliseconds = %v, want 250", got)
	}
	if got := counterValue(t, fams, "slowmo_knob_updates_total", map[string]string{"source": "mqtt"}); got != 2 {
		t.Errorf("slowmo_knob_updates_total{source=mqtt} = %v, want 2", got)
	}
	if got := counterValue(t, fams, "slowmo_knob_updates_total", map[string]string{"source": "control"}); got != 1 {
		t.Errorf("slowmo_knob_updates_total{source=control} = %v, want 1", got)
	}
	if got := counterValue(t, fams, "slowmo_knob_updates_rejected_total", map[string]string{"reason": "parse_error"}); got != 1 {
		t.Errorf("slowmo_knob_updates_rejected_total{reason=parse_error} = %v, want 1", got)
	}
}

func TestMetrics_HTTPRequestMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	withRegistry(t, reg)

	RecordControlRequest(200, time.Millisecond)
	RecordControlRequest(400, -time.Second) // negative latency clamps
	RecordControlRateLimited()
	RecordProxyRequest(502, 30*time.Millisecond)
	RecordUpstreamError()

	fams := gatherFamilies(t, reg)

	if got := counterValue(t, fams, "slowmo_control_http_requests_total", map[string]string{"code": "200"}); got != 1 {
		t.Errorf("control requests {code=200} = %v, want 1", got)
	}
	if got := counterValue(t, fams, "slowmo_control_http_requests_total", map[string]string{"code": "400"}); got != 1 {
		t.Errorf("control requests {code=400} = %v, want 1", got)
	}
	if got := counterValue(t, fams, "slowmo_control_rate_limited_total", nil); got != 1 {
		t.Errorf("rate limited = %v, want 1", got)
	}
	if got := counterValue(t, fams, "slowmo_proxy_http_requests_total", map[string]string{"code": "502"}); got != 1 {
		t.Errorf("proxy requests {code=502} = %v, want 1", got)
	}
	if got := counterValue(t, fams, "slowmo_proxy_upstream_errors_total", nil); got != 1 {
		t.Errorf("upstream errors = %v, want 1", got)
	}
}

func TestMetrics_MQTTMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	withRegistry(t, reg)

	SetMQTTConnected(true)
	RecordMQTTConnect()
	RecordMQTTMessage()
	RecordMQTTMessage()
	RecordMQTTDisconnect()
	SetMQTTConnected(false)
	RecordMQTTReconnect()

	fams := gatherFamilies(t, reg)

	if got := counterValue(t, fams, "mqtt_connection_status", nil); got != 0 {
		t.Errorf("mqtt_connection_status = %v, want 0", got)
	}
	if got := counterValue(t, fams, "mqtt_connects_total", nil); got != 1 {
		t.Errorf("mqtt_connects_total = %v, want 1", got)
	}
	if got := counterValue(t, fams, "mqtt_in_msgs_total", nil); got != 2 {
		t.Errorf("mqtt_in_msgs_total = %v, want 2", got)
	}
	if got := counterValue(t, fams, "mqtt_disconnects_total", nil); got != 1 {
		t.Errorf("mqtt_disconnects_total = %v, want 1", got)
	}
	if got := counterValue(t, fams, "mqtt_reconnects_total", nil); got != 1 {
		t.Errorf("mqtt_reconnects_total = %v, want 1", got)
	}
}

func TestCodeLabel(t *testing.T) {
	t.Parallel()

	if got := codeLabel(-1); got != "0" {
		t.Fatalf("codeLabel(-1) = %q, want 0", got)
	}
	if got := codeLabel(204); got != "204" {
		t.Fatalf("codeLabel(204) = %q, want 204", got)
	}
}

package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/consultant-1379/sc-envoy-sub001/internal/reselect"
)

// scrape returns the text exposition of m.
func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	s := NewServer("127.0.0.1:0", m, zap.NewNop())
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics status = %d", rec.Code)
	}
	return rec.Body.String()
}

func assertSeries(t *testing.T, out string, series ...string) {
	t.Helper()
	for _, s := range series {
		if !strings.Contains(out, s+"\n") {
			t.Errorf("missing series %s", s)
		}
	}
}

func TestRecorder(t *testing.T) {
	m := New()

	m.PhaseCompleted("screening-1", false)
	m.PhaseCompleted("screening-1", false)
	m.PhaseCompleted("routing", true)
	m.ActionExecuted("add_header")
	m.LocalReply(400, "nf_discovery_empty_result")
	m.Lookup("slf", "found")
	m.EventReported("ERIC_EVENT_SC_USER_DEFINED_EVENT", "warning")

	assertSeries(t, scrape(t, m),
		`sbiscreen_phases_total{phase="screening-1",stopped="false"} 2`,
		`sbiscreen_phases_total{phase="routing",stopped="true"} 1`,
		`sbiscreen_actions_total{kind="add_header"} 1`,
		`sbiscreen_local_replies_total{details="nf_discovery_empty_result",status="400"} 1`,
		`sbiscreen_lookups_total{kind="slf",outcome="found"} 1`,
		`sbiscreen_events_reported_total{event_type="ERIC_EVENT_SC_USER_DEFINED_EVENT",severity="warning"} 1`,
	)
}

func TestReselectObserver(t *testing.T) {
	m := New()
	observe := m.ReselectObserver()
	observe(reselect.OutcomeOriginal)
	observe(reselect.OutcomeAdvanced)
	observe(reselect.OutcomeAdvanced)

	assertSeries(t, scrape(t, m),
		`sbiscreen_reselect_decisions_total{outcome="advanced"} 2`,
		`sbiscreen_reselect_decisions_total{outcome="original"} 1`,
	)
}

func TestStreamsAndMessages(t *testing.T) {
	m := New()
	m.StreamOpened()
	m.StreamOpened()
	m.StreamClosed()
	m.StreamError("send")
	m.MessageProcessed("request", "continue", 2*time.Millisecond)
	m.FilterConfigLoaded(time.Unix(1700000000, 0), 12)

	assertSeries(t, scrape(t, m),
		`sbiscreen_active_streams 1`,
		`sbiscreen_stream_errors_total{stage="send"} 1`,
		`sbiscreen_messages_total{outcome="continue",side="request"} 1`,
		`sbiscreen_processing_duration_seconds_count{side="request"} 1`,
		`sbiscreen_kvt_entries 12`,
		`sbiscreen_filter_config_loaded_timestamp_seconds 1.7e+09`,
	)
}

func TestHealth(t *testing.T) {
	s := NewServer("127.0.0.1:0", New(), zap.NewNop())
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Errorf("GET /health = %d %q", rec.Code, rec.Body.String())
	}
}

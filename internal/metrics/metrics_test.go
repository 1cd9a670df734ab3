package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// counterValue sums the counters in c whose labels include value.
func counterValue(t *testing.T, c prometheus.Collector, value string) float64 {
	t.Helper()

	ch := make(chan prometheus.Metric, 64)
	c.Collect(ch)
	close(ch)

	var total float64
	for m := range ch {
		var pb dto.Metric
		if err := m.Write(&pb); err != nil || pb.Counter == nil {
			continue
		}
		for _, l := range pb.Label {
			if l.GetValue() == value {
				total += pb.Counter.GetValue()
			}
		}
	}
	return total
}

func TestCounters(t *testing.T) {
	tests := []struct {
		name   string
		c      prometheus.Collector
		label  string
		record func()
		delta  float64
	}{
		{"request status", RequestsTotal, "404", func() {
			RecordRequest("/api/components/{id}", 404, 5*time.Millisecond)
		}, 1},
		{"component changes", ComponentChanges, "updated", func() {
			RecordComponentChanges("updated", 3)
			RecordComponentChanges("updated", 0)
		}, 3},
		{"failed report", ReportsTotal, "failed", func() {
			RecordReport("sent")
			RecordReport("failed")
		}, 1},
		{"upstream error", UpstreamErrors, "api.wordpress.org", func() {
			RecordUpstreamFetch("api.wordpress.org", time.Second, nil)
			RecordUpstreamFetch("api.wordpress.org", time.Second, errors.New("timeout"))
		}, 1},
		{"sync without ecosystem", ComponentSyncs, "none", func() {
			RecordComponentSync("", "skipped")
		}, 1},
		{"storage error", StorageErrors, "delete", func() {
			RecordStorageError("delete")
		}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := counterValue(t, tt.c, tt.label)
			tt.record()
			if got := counterValue(t, tt.c, tt.label) - before; got != tt.delta {
				t.Errorf("counter grew by %v, want %v", got, tt.delta)
			}
		})
	}
}

func TestOutcome(t *testing.T) {
	if outcome(nil) != "ok" || outcome(errors.New("x")) != "error" {
		t.Error("unexpected job outcome labels")
	}
}

func TestHandlerExposesVulnzMetrics(t *testing.T) {
	RecordIngest("ok")
	RecordSearch(10*time.Millisecond, 3)
	RecordJob("purge", time.Second, nil)
	IncrementActiveRequests()
	DecrementActiveRequests()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	for _, name := range []string{
		"vulnz_component_ingests_total",
		"vulnz_search_duration_seconds",
		"vulnz_search_results",
		"vulnz_job_duration_seconds",
		"vulnz_active_requests",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("/metrics output missing %s", name)
		}
	}
}

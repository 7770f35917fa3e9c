package metrics_test

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kikiluvv/slopedit/internal/metrics"
)

func TestRecordLoad(t *testing.T) {
	before := testutil.ToFloat64(metrics.ProjectLoadTotal.WithLabelValues("parse_error"))
	metrics.RecordLoad("parse_error", 20*time.Millisecond)
	after := testutil.ToFloat64(metrics.ProjectLoadTotal.WithLabelValues("parse_error"))
	if after != before+1 {
		t.Errorf("parse_error loads = %v, want %v", after, before+1)
	}
}

func TestRecordSave(t *testing.T) {
	okBefore := testutil.ToFloat64(metrics.ProjectSaveTotal.WithLabelValues("ok"))
	errBefore := testutil.ToFloat64(metrics.ProjectSaveTotal.WithLabelValues("error"))

	metrics.RecordSave(nil)
	metrics.RecordSave(errors.New("disk full"))

	if got := testutil.ToFloat64(metrics.ProjectSaveTotal.WithLabelValues("ok")); got != okBefore+1 {
		t.Errorf("ok saves = %v, want %v", got, okBefore+1)
	}
	if got := testutil.ToFloat64(metrics.ProjectSaveTotal.WithLabelValues("error")); got != errBefore+1 {
		t.Errorf("failed saves = %v, want %v", got, errBefore+1)
	}
}

func TestRecordEncodeResetsProgress(t *testing.T) {
	metrics.EncodeProgress.Set(0.7)
	metrics.RecordEncode("finished")
	if got := testutil.ToFloat64(metrics.EncodeProgress); got != 0 {
		t.Errorf("progress after finish = %v, want 0", got)
	}
}

func TestPromhttpExposure(t *testing.T) {
	metrics.MeterReadMissesTotal.Inc()

	rec := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, name := range []string{"slopedit_meter_read_misses_total", "slopedit_project_load_duration_seconds"} {
		if !strings.Contains(body, name) {
			t.Errorf("metric %s not exposed", name)
		}
	}
}

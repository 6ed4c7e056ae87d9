package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	Init()
	Init()

	before := testutil.ToFloat64(jobsTotal.WithLabelValues("success"))
	ObserveJob("success", 150*time.Millisecond)
	if got := testutil.ToFloat64(jobsTotal.WithLabelValues("success")); got != before+1 {
		t.Errorf("jobs_total{success} = %v, want %v", got, before+1)
	}

	pages := testutil.ToFloat64(pagesWritten)
	AddPages(7)
	if got := testutil.ToFloat64(pagesWritten); got != pages+7 {
		t.Errorf("pages_written_total = %v, want %v", got, pages+7)
	}

	IncRangeValidation(false)
	if got := testutil.ToFloat64(rangeValidations.WithLabelValues("false")); got < 1 {
		t.Errorf("range_validations_total{valid=false} = %v", got)
	}

	SetQueueDepth("stream", 3)
	if got := testutil.ToFloat64(queueDepth.WithLabelValues("stream")); got != 3 {
		t.Errorf("queue_depth{stream} = %v", got)
	}
}

func TestHandler(t *testing.T) {
	Init()
	IncSource("blank")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `combinepdf_sources_total{kind="blank"}`) {
		t.Errorf("sources_total missing from exposition")
	}
}

package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

var ctx = context.Background()

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(ctx) })

	m, err := NewMetricsWithMeter(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetricsWithMeter: %v", err)
	}
	return m, reader
}

// counterTotal sums every data point of the named int64 counter.
func counterTotal(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s is %T, want Sum[int64]", name, m.Data)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestMetrics_Counters(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.Ingested(ctx, "inline", "completed")
	m.Ingested(ctx, "async", "pending")
	m.Embedded(ctx, "deterministic", time.Millisecond, nil)
	m.Embedded(ctx, "ollama", time.Millisecond, errors.New("down"))
	m.JobFinished(ctx, "completed")
	m.Searched(ctx, time.Millisecond, nil)
	m.RetentionApplied(ctx, "t1", 3, 2, 1)
	m.BreakerChanged(ctx, "open")

	tests := []struct {
		name string
		want int64
	}{
		{"memorymesh.messages.ingested", 2},
		{"memorymesh.embedding.calls", 2},
		{"memorymesh.jobs.outcomes", 1},
		{"memorymesh.search.requests", 1},
		{"memorymesh.retention.actions", 5},
		{"memorymesh.retention.failures", 1},
		{"memorymesh.breaker.transitions", 1},
	}
	for _, tt := range tests {
		if got := counterTotal(t, reader, tt.name); got != tt.want {
			t.Errorf("%s = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.Ingested(ctx, "inline", "completed")
	m.Embedded(ctx, "x", time.Second, nil)
	m.JobFinished(ctx, "failed")
	m.Searched(ctx, time.Second, nil)
	m.RetentionApplied(ctx, "t", 1, 1, 1)
	m.BreakerChanged(ctx, "open")
}

func TestSpansAndMiddleware(t *testing.T) {
	_, span := StartSearchSpan(ctx, "t1", 5)
	End(span, errors.New("boom"))

	h := HTTPMiddleware("memorymesh")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusTeapot)
	}
}

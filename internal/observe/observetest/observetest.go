// Package observetest provides helpers for asserting recorded metrics in
// tests: a Metrics sink backed by an in-memory reader plus accessors for the
// recorded values.
package observetest

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/donnalabs/donna/internal/observe"
)

// NewMetrics returns a Metrics instance whose recordings a test can read
// back through the returned ManualReader.
func NewMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// CounterTotal sums every data point of the named int64 counter or
// up-down counter. Unknown names report zero.
func CounterTotal(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var total int64
	for _, met := range find(t, reader, name) {
		sum, ok := met.Data.(metricdata.Sum[int64])
		if !ok {
			t.Fatalf("metric %q is not an int64 sum", name)
		}
		for _, dp := range sum.DataPoints {
			total += dp.Value
		}
	}
	return total
}

// HistogramCount sums the sample counts of the named float64 histogram.
// Unknown names report zero.
func HistogramCount(t *testing.T, reader *sdkmetric.ManualReader, name string) uint64 {
	t.Helper()
	var total uint64
	for _, met := range find(t, reader, name) {
		hist, ok := met.Data.(metricdata.Histogram[float64])
		if !ok {
			t.Fatalf("metric %q is not a float64 histogram", name)
		}
		for _, dp := range hist.DataPoints {
			total += dp.Count
		}
	}
	return total
}

func find(t *testing.T, reader *sdkmetric.ManualReader, name string) []metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var out []metricdata.Metrics
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name == name {
				out = append(out, met)
			}
		}
	}
	return out
}

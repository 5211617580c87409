package otel

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// WritePrometheus collects the current metric state and writes it in the
// Prometheus text exposition format.
func (p *Provider) WritePrometheus(ctx context.Context, w io.Writer) error {
	if p == nil || p.reader == nil {
		return nil
	}
	var rm metricdata.ResourceMetrics
	if err := p.reader.Collect(ctx, &rm); err != nil {
		return fmt.Errorf("collect metrics: %w", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			writeMetric(w, m)
		}
	}
	return nil
}

func writeMetric(w io.Writer, m metricdata.Metrics) {
	name := promName(m.Name)
	switch data := m.Data.(type) {
	case metricdata.Sum[int64]:
		kind := "gauge"
		if data.IsMonotonic {
			kind = "counter"
			name += "_total"
		}
		header(w, name, m.Description, kind)
		for _, dp := range data.DataPoints {
			fmt.Fprintf(w, "%s%s %d\n", name, labels(dp.Attributes, nil), dp.Value)
		}
	case metricdata.Sum[float64]:
		kind := "gauge"
		if data.IsMonotonic {
			kind = "counter"
			name += "_total"
		}
		header(w, name, m.Description, kind)
		for _, dp := range data.DataPoints {
			fmt.Fprintf(w, "%s%s %s\n", name, labels(dp.Attributes, nil), formatFloat(dp.Value))
		}
	case metricdata.Gauge[int64]:
		header(w, name, m.Description, "gauge")
		for _, dp := range data.DataPoints {
			fmt.Fprintf(w, "%s%s %d\n", name, labels(dp.Attributes, nil), dp.Value)
		}
	case metricdata.Histogram[float64]:
		if m.Unit == "s" {
			name += "_seconds"
		}
		header(w, name, m.Description, "histogram")
		for _, dp := range data.DataPoints {
			var cumulative uint64
			for i, bound := range dp.Bounds {
				cumulative += dp.BucketCounts[i]
				le := attribute.String("le", formatFloat(bound))
				fmt.Fprintf(w, "%s_bucket%s %d\n", name, labels(dp.Attributes, &le), cumulative)
			}
			inf := attribute.String("le", "+Inf")
			fmt.Fprintf(w, "%s_bucket%s %d\n", name, labels(dp.Attributes, &inf), dp.Count)
			fmt.Fprintf(w, "%s_sum%s %s\n", name, labels(dp.Attributes, nil), formatFloat(dp.Sum))
			fmt.Fprintf(w, "%s_count%s %d\n", name, labels(dp.Attributes, nil), dp.Count)
		}
	}
}

func header(w io.Writer, name, help, kind string) {
	if help != "" {
		fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	}
	fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
}

func promName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_", "/", "_").Replace(name)
}

func labels(set attribute.Set, extra *attribute.KeyValue) string {
	kvs := set.ToSlice()
	if extra != nil {
		kvs = append(kvs, *extra)
	}
	if len(kvs) == 0 {
		return ""
	}
	sort.SliceStable(kvs, func(i, j int) bool { return kvs[i].Key < kvs[j].Key })
	parts := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		parts = append(parts, fmt.Sprintf("%s=%q", promName(string(kv.Key)), kv.Value.Emit()))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

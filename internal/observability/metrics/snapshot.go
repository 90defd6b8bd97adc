package metrics

import (
	"math"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

const (
	messagesFamily  = namespace + "_conversation_messages_total"
	toolCallsFamily = namespace + "_conversation_tool_calls_total"
	bookingFamily   = namespace + "_booking_mutations_total"
	modelFamily     = namespace + "_llm_request_duration_seconds"
)

// Summary is the operator view of the pipeline counters.
type Summary struct {
	Messages   map[string]int64 `json:"messages"`
	ToolCalls  map[string]int64 `json:"tool_calls"`
	Bookings   map[string]int64 `json:"bookings"`
	ModelCalls int64            `json:"model_calls"`
	ModelP95Ms float64          `json:"model_p95_ms"`
}

// Snapshot reads the registered collectors back out of gatherer.
func Snapshot(gatherer prometheus.Gatherer) Summary {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	out := Summary{
		Messages:  map[string]int64{},
		ToolCalls: map[string]int64{},
		Bookings:  map[string]int64{},
	}
	mfs, err := gatherer.Gather()
	if err != nil {
		return out
	}
	for _, mf := range mfs {
		if mf == nil {
			continue
		}
		switch mf.GetName() {
		case messagesFamily:
			sumCounters(mf, out.Messages, "outcome")
		case toolCallsFamily:
			sumCounters(mf, out.ToolCalls, "tool", "outcome")
		case bookingFamily:
			sumCounters(mf, out.Bookings, "operation", "outcome")
		case modelFamily:
			out.ModelCalls, out.ModelP95Ms = modelLatency(mf)
		}
	}
	return out
}

func sumCounters(mf *dto.MetricFamily, into map[string]int64, labels ...string) {
	for _, metric := range mf.Metric {
		if metric == nil || metric.GetCounter() == nil {
			continue
		}
		key := ""
		for i, name := range labels {
			if i > 0 {
				key += ":"
			}
			key += labelValue(metric, name)
		}
		into[key] += int64(metric.GetCounter().GetValue())
	}
}

func labelValue(metric *dto.Metric, name string) string {
	for _, lp := range metric.Label {
		if lp != nil && lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

// modelLatency merges successful model call histograms and estimates p95
// from the bucket bounds.
func modelLatency(mf *dto.MetricFamily) (int64, float64) {
	cumulative := map[float64]uint64{}
	var total uint64
	for _, metric := range mf.Metric {
		if metric == nil || labelValue(metric, "status") != "ok" {
			continue
		}
		h := metric.GetHistogram()
		if h == nil {
			continue
		}
		total += h.GetSampleCount()
		for _, b := range h.Bucket {
			if b != nil {
				cumulative[b.GetUpperBound()] += b.GetCumulativeCount()
			}
		}
	}
	if total == 0 {
		return 0, 0
	}
	uppers := make([]float64, 0, len(cumulative))
	for upper := range cumulative {
		uppers = append(uppers, upper)
	}
	sort.Float64s(uppers)

	target := uint64(math.Ceil(0.95 * float64(total)))
	last := 0.0
	for _, upper := range uppers {
		if math.IsInf(upper, 1) {
			continue
		}
		last = upper
		if cumulative[upper] >= target {
			return int64(total), upper * 1000
		}
	}
	return int64(total), last * 1000
}

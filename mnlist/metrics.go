package mnlist

import (
	logging "github.com/ipfs/go-log/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/dashpay/go-llmq/internal/measurements"
)

var log = logging.Logger("llmq/mnlist")

var meter = otel.Meter("llmq/mnlist")

var metrics = struct {
	diffs     metric.Int64Counter
	listSize  metric.Int64Gauge
	height    metric.Int64Gauge
	entries   metric.Int64Histogram
	listeners metric.Int64Counter
}{
	diffs: measurements.Must(meter.Int64Counter("llmq_mnlist_diffs",
		metric.WithDescription("Number of masternode list diffs processed by status."))),
	listSize: measurements.Must(meter.Int64Gauge("llmq_mnlist_size",
		metric.WithDescription("Number of masternodes in the current list."))),
	height: measurements.Must(meter.Int64Gauge("llmq_mnlist_height",
		metric.WithDescription("Height of the current masternode list."))),
	entries: measurements.Must(meter.Int64Histogram("llmq_mnlist_diff_entries",
		metric.WithDescription("Entries added or updated per applied diff."))),
	listeners: measurements.Must(meter.Int64Counter("llmq_mnlist_listener_panics",
		metric.WithDescription("Number of listener panics recovered."))),
}

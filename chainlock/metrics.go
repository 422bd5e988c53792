package chainlock

import (
	logging "github.com/ipfs/go-log/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/dashpay/go-llmq/internal/measurements"
)

var log = logging.Logger("llmq/chainlock")

var meter = otel.Meter("llmq/chainlock")

var attrSource = attribute.Key("source")

var metrics = struct {
	processed  metric.Int64Counter
	bestHeight metric.Int64Gauge
	pending    metric.Int64Gauge
	conflicts  metric.Int64Counter
}{
	processed: measurements.Must(meter.Int64Counter("llmq_chainlock_processed",
		metric.WithDescription("Number of chain locks processed by source and status."))),
	bestHeight: measurements.Must(meter.Int64Gauge("llmq_chainlock_best_height",
		metric.WithDescription("Height of the best chain lock."))),
	pending: measurements.Must(meter.Int64Gauge("llmq_chainlock_pending",
		metric.WithDescription("Number of chain locks waiting for their block."))),
	conflicts: measurements.Must(meter.Int64Counter("llmq_chainlock_conflicts",
		metric.WithDescription("Number of times the best chain tip conflicted with the best chain lock."))),
}

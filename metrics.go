package llmq

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/dashpay/go-llmq/internal/measurements"
)

var meter = otel.Meter("llmq")

var attrCommand = attribute.Key("command")

var metrics = struct {
	messages        metric.Int64Counter
	messageBytes    metric.Int64Histogram
	discardedStates metric.Int64Counter
}{
	messages: measurements.Must(meter.Int64Counter("llmq_messages",
		metric.WithDescription("Number of network messages processed by command and status."))),
	messageBytes: measurements.Must(meter.Int64Histogram("llmq_message_bytes",
		metric.WithDescription("Size of processed network messages."),
		metric.WithExplicitBucketBoundaries(64, 128, 256, 512, 1024, 4096, 16384, 65536, 262144, 1048576),
		metric.WithUnit("By"))),
	discardedStates: measurements.Must(meter.Int64Counter("llmq_discarded_states",
		metric.WithDescription("Number of corrupt persisted states discarded on start."))),
}

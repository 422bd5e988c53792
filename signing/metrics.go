package signing

import (
	logging "github.com/ipfs/go-log/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/dashpay/go-llmq/internal/measurements"
)

var log = logging.Logger("llmq/signing")

var meter = otel.Meter("llmq/signing")

var attrSource = attribute.Key("source")

var metrics = struct {
	votes            metric.Int64Counter
	recovered        metric.Int64Counter
	recoveryFailures metric.Int64Counter
	sessions         metric.Int64Gauge
	pending          metric.Int64Gauge
	listenerPanics   metric.Int64Counter
	coordinatorTicks metric.Int64Counter
}{
	votes: measurements.Must(meter.Int64Counter("llmq_signing_votes",
		metric.WithDescription("Number of signature shares processed by status."))),
	recovered: measurements.Must(meter.Int64Counter("llmq_signing_recovered",
		metric.WithDescription("Number of recovered signatures accepted by source and status."))),
	recoveryFailures: measurements.Must(meter.Int64Counter("llmq_signing_recovery_failures",
		metric.WithDescription("Number of threshold recoveries that did not produce a valid signature."))),
	sessions: measurements.Must(meter.Int64Gauge("llmq_signing_sessions",
		metric.WithDescription("Number of signing sessions collecting shares."))),
	pending: measurements.Must(meter.Int64Gauge("llmq_signing_pending",
		metric.WithDescription("Number of recovered signatures waiting for their quorum."))),
	listenerPanics: measurements.Must(meter.Int64Counter("llmq_signing_listener_panics",
		metric.WithDescription("Number of recovered signature listeners that panicked."))),
	coordinatorTicks: measurements.Must(meter.Int64Counter("llmq_signing_coordinator_ticks",
		metric.WithDescription("Number of background coordinator iterations by status."))),
}

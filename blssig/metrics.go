package blssig

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/dashpay/go-llmq/internal/measurements"
)

var (
	meter = otel.Meter("llmq/blssig")

	attrCached = attribute.Key("cached")
	attrScheme = attribute.Key("scheme")
)

var metrics = struct {
	pointLookups  metric.Int64Counter
	verify        metric.Int64Counter
	aggregateSize metric.Int64Histogram
	recoverShares metric.Int64Histogram
}{
	pointLookups: measurements.Must(meter.Int64Counter("llmq_blssig_point_lookups",
		metric.WithDescription("Operator public keys decoded to curve points, labelled by whether the point was cached."))),
	verify: measurements.Must(meter.Int64Counter("llmq_blssig_verify",
		metric.WithDescription("Signatures verified, labelled by key scheme."))),
	aggregateSize: measurements.Must(meter.Int64Histogram("llmq_blssig_aggregate_size",
		metric.WithDescription("Public keys per verified aggregate signature."))),
	recoverShares: measurements.Must(meter.Int64Histogram("llmq_blssig_recover_shares",
		metric.WithDescription("Signature shares used per threshold recovery."))),
}

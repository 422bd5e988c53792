package quorum

import (
	logging "github.com/ipfs/go-log/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/dashpay/go-llmq/internal/measurements"
)

var log = logging.Logger("llmq/quorum")

var meter = otel.Meter("llmq/quorum")

var attrHit = attribute.Key("hit")

var metrics = struct {
	built       metric.Int64Counter
	evicted     metric.Int64Counter
	pending     metric.Int64Gauge
	memberCache metric.Int64Counter
}{
	built: measurements.Must(meter.Int64Counter("llmq_quorum_built",
		metric.WithDescription("Number of quorums built from commitments by status."))),
	evicted: measurements.Must(meter.Int64Counter("llmq_quorum_evicted",
		metric.WithDescription("Number of quorums evicted from the signing window."))),
	pending: measurements.Must(meter.Int64Gauge("llmq_quorum_pending",
		metric.WithDescription("Number of commitments waiting for their member list."))),
	memberCache: measurements.Must(meter.Int64Counter("llmq_quorum_member_cache",
		metric.WithDescription("Member selection cache lookups."))),
}

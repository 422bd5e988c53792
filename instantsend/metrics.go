package instantsend

import (
	"github.com/ipfs/go-datastore"
	logging "github.com/ipfs/go-log/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/dashpay/go-llmq/internal/measurements"
)

var log = logging.Logger("llmq/instantsend")

var meter = otel.Meter("llmq/instantsend")

var attrSource = attribute.Key("source")

var metrics = struct {
	processed metric.Int64Counter
	conflicts metric.Int64Counter
	pending   metric.Int64Gauge
	removed   metric.Int64Counter
}{
	processed: measurements.Must(meter.Int64Counter("llmq_instantsend_processed",
		metric.WithDescription("Number of instant locks processed by source and status."))),
	conflicts: measurements.Must(meter.Int64Counter("llmq_instantsend_conflicts",
		metric.WithDescription("Number of conflicting instant lock pairs detected."))),
	pending: measurements.Must(meter.Int64Gauge("llmq_instantsend_pending",
		metric.WithDescription("Number of instant locks and recovered signatures waiting to be processed."))),
	removed: measurements.Must(meter.Int64Counter("llmq_instantsend_removed",
		metric.WithDescription("Number of instant locks removed once their transaction was chain locked."))),
}

// NewMeteredDatastore wraps ds so that the latency and size of the lock
// database's operations are recorded.
func NewMeteredDatastore(ds datastore.Datastore) datastore.Datastore {
	return measurements.NewMeteredDatastore(meter, "llmq_instantsend_datastore_", ds)
}

package recsig

import (
	"github.com/ipfs/go-datastore"
	logging "github.com/ipfs/go-log/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/dashpay/go-llmq/internal/measurements"
)

var log = logging.Logger("llmq/recsig")

var meter = otel.Meter("llmq/recsig")

var metrics = struct {
	written   metric.Int64Counter
	cleanedUp metric.Int64Counter
}{
	written: measurements.Must(meter.Int64Counter("llmq_recsig_written",
		metric.WithDescription("Number of recovered signatures written."))),
	cleanedUp: measurements.Must(meter.Int64Counter("llmq_recsig_cleaned_up",
		metric.WithDescription("Number of recovered signatures removed by age."))),
}

// NewMeteredDatastore wraps ds so that the latency and size of the database's
// operations are recorded.
func NewMeteredDatastore(ds datastore.Datastore) datastore.Datastore {
	return measurements.NewMeteredDatastore(meter, "llmq_recsig_datastore_", ds)
}

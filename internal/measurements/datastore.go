package measurements

import (
	"context"

	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/dashpay/go-llmq/internal/clock"
)

var _ datastore.Datastore = (*MeteredDatastore)(nil)

type dsOperation string

const (
	opGet     dsOperation = "get"
	opHas     dsOperation = "has"
	opGetSize dsOperation = "get-size"
	opQuery   dsOperation = "query"
	opPut     dsOperation = "put"
	opDelete  dsOperation = "delete"
	opSync    dsOperation = "sync"
	opClose   dsOperation = "close"
)

var attrDsOperation = attribute.Key("operation")

// MeteredDatastore records the latency of every operation on the wrapped
// datastore and the size of the values read and written.
type MeteredDatastore struct {
	datastore.Datastore

	latency metric.Float64Histogram
	bytes   metric.Int64Histogram
}

// NewMeteredDatastore wraps delegate. Instruments are created on meter with
// the given name prefix, e.g. "llmq_recsig_datastore_".
func NewMeteredDatastore(meter metric.Meter, prefix string, delegate datastore.Datastore) *MeteredDatastore {
	return &MeteredDatastore{
		Datastore: delegate,
		latency: Must(meter.Float64Histogram(prefix+"latency",
			metric.WithDescription("Datastore latency by operation and status."),
			metric.WithUnit("s"))),
		bytes: Must(meter.Int64Histogram(prefix+"bytes",
			metric.WithDescription("Bytes read from or written to the datastore by operation and status."),
			metric.WithUnit("By"))),
	}
}

// measure starts timing op on the context clock. The returned function
// records the operation; size is ignored when negative.
func (m *MeteredDatastore) measure(ctx context.Context, op dsOperation) func(size int, err error) {
	clk := clock.GetClock(ctx)
	start := clk.Now()
	return func(size int, err error) {
		attrs := metric.WithAttributes(attrDsOperation.String(string(op)), Status(ctx, err))
		m.latency.Record(ctx, clk.Since(start).Seconds(), attrs)
		if size >= 0 {
			m.bytes.Record(ctx, int64(size), attrs)
		}
	}
}

func (m *MeteredDatastore) Get(ctx context.Context, key datastore.Key) ([]byte, error) {
	done := m.measure(ctx, opGet)
	v, err := m.Datastore.Get(ctx, key)
	done(len(v), err)
	return v, err
}

func (m *MeteredDatastore) Has(ctx context.Context, key datastore.Key) (bool, error) {
	done := m.measure(ctx, opHas)
	ok, err := m.Datastore.Has(ctx, key)
	done(-1, err)
	return ok, err
}

func (m *MeteredDatastore) GetSize(ctx context.Context, key datastore.Key) (int, error) {
	done := m.measure(ctx, opGetSize)
	size, err := m.Datastore.GetSize(ctx, key)
	done(-1, err)
	return size, err
}

func (m *MeteredDatastore) Query(ctx context.Context, q query.Query) (query.Results, error) {
	done := m.measure(ctx, opQuery)
	res, err := m.Datastore.Query(ctx, q)
	done(-1, err)
	return res, err
}

func (m *MeteredDatastore) Put(ctx context.Context, key datastore.Key, value []byte) error {
	done := m.measure(ctx, opPut)
	err := m.Datastore.Put(ctx, key, value)
	done(len(value), err)
	return err
}

func (m *MeteredDatastore) Delete(ctx context.Context, key datastore.Key) error {
	done := m.measure(ctx, opDelete)
	err := m.Datastore.Delete(ctx, key)
	done(-1, err)
	return err
}

func (m *MeteredDatastore) Sync(ctx context.Context, prefix datastore.Key) error {
	done := m.measure(ctx, opSync)
	err := m.Datastore.Sync(ctx, prefix)
	done(-1, err)
	return err
}

func (m *MeteredDatastore) Close() error {
	done := m.measure(context.Background(), opClose)
	err := m.Datastore.Close()
	done(-1, err)
	return err
}

// Unwrap returns the wrapped datastore.
func (m *MeteredDatastore) Unwrap() datastore.Datastore { return m.Datastore }


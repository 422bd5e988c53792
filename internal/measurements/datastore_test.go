package measurements_test

import (
	"context"
	"testing"

	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/dashpay/go-llmq/internal/clock"
	"github.com/dashpay/go-llmq/internal/measurements"
)

func TestMeteredDatastore(t *testing.T) {
	ctx, _ := clock.WithMockClock(context.Background())
	backing := datastore.NewMapDatastore()
	ds := measurements.NewMeteredDatastore(noop.NewMeterProvider().Meter("test"), "test_datastore_", backing)
	require.Same(t, backing, ds.Unwrap())

	key := datastore.NewKey("/recsig/1")
	require.NoError(t, ds.Put(ctx, key, []byte("value")))
	got, err := ds.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("value"), got)
	size, err := ds.GetSize(ctx, key)
	require.NoError(t, err)
	require.Equal(t, 5, size)

	res, err := ds.Query(ctx, query.Query{Prefix: "/recsig"})
	require.NoError(t, err)
	entries, err := res.Rest()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, ds.Delete(ctx, key))
	has, err := ds.Has(ctx, key)
	require.NoError(t, err)
	require.False(t, has)
	_, err = ds.Get(ctx, key)
	require.ErrorIs(t, err, datastore.ErrNotFound)

	require.NoError(t, ds.Sync(ctx, datastore.NewKey("/")))
	require.NoError(t, ds.Close())
}

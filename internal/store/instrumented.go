package store

import (
	"context"
	"time"

	"github.com/joyent/triton-kbmapi/internal/metrics"
)

// instrumented wraps a Store and records internal/metrics'
// StoreOperationsTotal/StoreOperationDuration around every call, the
// same decorator shape internal/httpapi/middleware.go uses for the
// HTTP layer, applied one level down at the storage boundary instead.
type instrumented struct {
	inner Store
}

// Instrument wraps s so every operation is counted and timed. Callers
// construct a memstore.Store or pgstore.Store and pass it through this
// once at startup; every model package above still only sees a Store.
func Instrument(s Store) Store {
	return instrumented{inner: s}
}

func (i instrumented) record(operation string, bucket Bucket, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RecordStoreOperation(operation, string(bucket), status, time.Since(start).Seconds())
}

func (i instrumented) Get(ctx context.Context, bucket Bucket, key string) (Record, error) {
	start := time.Now()
	rec, err := i.inner.Get(ctx, bucket, key)
	i.record("get", bucket, start, err)
	return rec, err
}

func (i instrumented) Put(ctx context.Context, bucket Bucket, key string, value any, etag string) (string, error) {
	start := time.Now()
	newEtag, err := i.inner.Put(ctx, bucket, key, value, etag)
	i.record("put", bucket, start, err)
	return newEtag, err
}

func (i instrumented) Delete(ctx context.Context, bucket Bucket, key string, etag string) error {
	start := time.Now()
	err := i.inner.Delete(ctx, bucket, key, etag)
	i.record("delete", bucket, start, err)
	return err
}

func (i instrumented) Batch(ctx context.Context, ops []Op) ([]string, error) {
	start := time.Now()
	etags, err := i.inner.Batch(ctx, ops)
	bucket := Bucket("mixed")
	if len(ops) == 1 {
		bucket = opBucket(ops[0])
	}
	i.record("batch", bucket, start, err)
	return etags, err
}

func (i instrumented) List(ctx context.Context, bucket Bucket, filter Predicate, sort *Sort, limit, offset int) ([]Record, error) {
	start := time.Now()
	recs, err := i.inner.List(ctx, bucket, filter, sort, limit, offset)
	i.record("list", bucket, start, err)
	return recs, err
}

func (i instrumented) Count(ctx context.Context, bucket Bucket, filter Predicate) (int, error) {
	start := time.Now()
	n, err := i.inner.Count(ctx, bucket, filter)
	i.record("count", bucket, start, err)
	return n, err
}

func opBucket(op Op) Bucket {
	switch o := op.(type) {
	case PutOp:
		return o.Bucket
	case UpdateOp:
		return o.Bucket
	case DeleteManyOp:
		return o.Bucket
	default:
		return "unknown"
	}
}

package memstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joyent/triton-kbmapi/internal/store"
	"github.com/joyent/triton-kbmapi/internal/store/memstore"
)

type widget struct {
	UUID   string    `json:"uuid"`
	Status string    `json:"status"`
	Due    time.Time `json:"due"`
}

const bucket store.Bucket = "widgets"

func TestStore_PutGetRoundTrip(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()

	etag, err := s.Put(ctx, bucket, "a", widget{UUID: "a", Status: "open"}, "")
	require.NoError(t, err)
	require.NotEmpty(t, etag)

	rec, err := s.Get(ctx, bucket, "a")
	require.NoError(t, err)
	var got widget
	require.NoError(t, store.Decode(rec, &got))
	assert.Equal(t, "open", got.Status)
}

func TestStore_PutDuplicateKeyIsUniqueViolation(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	_, err := s.Put(ctx, bucket, "a", widget{UUID: "a"}, "")
	require.NoError(t, err)

	_, err = s.Put(ctx, bucket, "a", widget{UUID: "a"}, "")
	assert.True(t, store.IsUniqueViolation(err))
}

func TestStore_ConditionalPutRejectsStaleEtag(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	etag, err := s.Put(ctx, bucket, "a", widget{UUID: "a"}, "")
	require.NoError(t, err)

	_, err = s.Put(ctx, bucket, "a", widget{UUID: "a", Status: "changed"}, "stale-"+etag)
	assert.True(t, store.IsConflict(err))
}

func TestStore_DeleteNotFound(t *testing.T) {
	s := memstore.New()
	err := s.Delete(context.Background(), bucket, "missing", "")
	var nf *store.ErrNotFound
	assert.ErrorAs(t, err, &nf)
}

func TestStore_ListFiltersByPredicate(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	_, _ = s.Put(ctx, bucket, "a", widget{UUID: "a", Status: "open"}, "")
	_, _ = s.Put(ctx, bucket, "b", widget{UUID: "b", Status: "closed"}, "")
	_, _ = s.Put(ctx, bucket, "c", widget{UUID: "c", Status: "open"}, "")

	recs, err := s.List(ctx, bucket, store.Eq{Field: "status", Value: "open"}, nil, 0, 0)
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	recs, err = s.List(ctx, bucket, store.NotEq{Field: "status", Value: "open"}, nil, 0, 0)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestStore_ListIsSetIsUnset(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	now := time.Now().UTC()
	_, _ = s.Put(ctx, bucket, "a", widget{UUID: "a", Due: now}, "")
	_, _ = s.Put(ctx, bucket, "b", widget{UUID: "b"}, "")

	recs, err := s.List(ctx, bucket, store.IsSet{Field: "due"}, nil, 0, 0)
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	recs, err = s.List(ctx, bucket, store.IsUnset{Field: "due"}, nil, 0, 0)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestStore_ListSortAndPaginate(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	_, _ = s.Put(ctx, bucket, "a", widget{UUID: "a", Status: "3"}, "")
	_, _ = s.Put(ctx, bucket, "b", widget{UUID: "b", Status: "1"}, "")
	_, _ = s.Put(ctx, bucket, "c", widget{UUID: "c", Status: "2"}, "")

	recs, err := s.List(ctx, bucket, store.All{}, &store.Sort{Field: "status", Dir: store.Asc}, 2, 1)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	var first widget
	require.NoError(t, store.Decode(recs[0], &first))
	assert.Equal(t, "2", first.Status)
}

func TestStore_Count(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	_, _ = s.Put(ctx, bucket, "a", widget{UUID: "a", Status: "open"}, "")
	_, _ = s.Put(ctx, bucket, "b", widget{UUID: "b", Status: "closed"}, "")

	n, err := s.Count(ctx, bucket, store.Eq{Field: "status", Value: "open"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStore_BatchAppliesAllOpsAtomically(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	_, _ = s.Put(ctx, bucket, "a", widget{UUID: "a", Status: "open"}, "")

	_, err := s.Batch(ctx, []store.Op{
		store.PutOp{Bucket: bucket, Key: "b", Value: widget{UUID: "b", Status: "open"}},
		store.UpdateOp{Bucket: bucket, Filter: store.Eq{Field: "uuid", Value: "a"}, Fields: map[string]any{"status": "closed"}},
	})
	require.NoError(t, err)

	rec, err := s.Get(ctx, bucket, "a")
	require.NoError(t, err)
	var a widget
	require.NoError(t, store.Decode(rec, &a))
	assert.Equal(t, "closed", a.Status)

	_, err = s.Get(ctx, bucket, "b")
	assert.NoError(t, err)
}

func TestStore_BatchRollsBackOnMidBatchFailure(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	_, _ = s.Put(ctx, bucket, "a", widget{UUID: "a", Status: "open"}, "")

	_, err := s.Batch(ctx, []store.Op{
		store.UpdateOp{Bucket: bucket, Filter: store.Eq{Field: "uuid", Value: "a"}, Fields: map[string]any{"status": "closed"}},
		store.PutOp{Bucket: bucket, Key: "a", Value: widget{UUID: "a"}}, // no etag, key exists -> unique violation
	})
	require.Error(t, err)

	rec, err := s.Get(ctx, bucket, "a")
	require.NoError(t, err)
	var a widget
	require.NoError(t, store.Decode(rec, &a))
	assert.Equal(t, "open", a.Status, "update from the failed batch's first op must be rolled back")
}

func TestStore_DeleteManyOpMatchesAndRemoves(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	_, _ = s.Put(ctx, bucket, "a", widget{UUID: "a", Status: "expired"}, "")
	_, _ = s.Put(ctx, bucket, "b", widget{UUID: "b", Status: "open"}, "")

	_, err := s.Batch(ctx, []store.Op{
		store.DeleteManyOp{Bucket: bucket, Filter: store.Eq{Field: "status", Value: "expired"}},
	})
	require.NoError(t, err)

	n, err := s.Count(ctx, bucket, store.All{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

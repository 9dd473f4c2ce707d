// Package store is a typed wrapper over an indexed document store. It is
// the only component in this system allowed to touch the backing
// database; every model package above it reads and writes through this
// interface, never through SQL or a driver client directly.
//
// The contract is deliberately narrow — get / put / conditional-put
// (etag) / delete / filter-list / atomic batch / count — because every
// cross-row invariant in this system is implemented as one
// all-or-nothing Batch call rather than a sequence of independent
// writes. See internal/store/memstore for the in-memory reference
// implementation and internal/store/pgstore for the Postgres-backed one.
package store

import (
	"context"
	"encoding/json"
)

// Bucket names the logical collection a row lives in. Each bucket maps
// to one physical table in the Postgres backend and one map in the
// in-memory backend.
type Bucket string

const (
	BucketPIVTokens                        Bucket = "pivtokens"
	BucketPIVTokenHistory                  Bucket = "pivtoken_history"
	BucketRecoveryConfigurations           Bucket = "recovery_configurations"
	BucketRecoveryTokens                   Bucket = "recovery_tokens"
	BucketRecoveryConfigurationTransitions Bucket = "recovery_configuration_transitions"
)

// Record is a single stored row: its raw JSON value plus the etag the
// store assigned on the last write. The etag is opaque to callers; they
// must treat it as a token to echo back on the next conditional write,
// never parse it.
type Record struct {
	Key   string
	Value json.RawMessage
	Etag  string
}

// SortDir is the direction of a List sort.
type SortDir string

const (
	Asc  SortDir = "ASC"
	Desc SortDir = "DESC"
)

// Sort orders a List call by one indexed field.
type Sort struct {
	Field string
	Dir   SortDir
}

// Predicate is a filter over indexed fields, used by List, Count,
// UpdateOp and DeleteManyOp. Implementations are the small set below;
// callers compose them with And/Or. A Predicate type the backend does
// not support is an error; field names are not checked against the
// backend's indexes.
type Predicate interface {
	isPredicate()
}

// All matches every row in the bucket.
type All struct{}

// Eq matches rows whose Field equals Value.
type Eq struct {
	Field string
	Value any
}

// NotEq matches rows whose Field does not equal Value.
type NotEq struct {
	Field string
	Value any
}

// In matches rows whose Field is one of Values.
type In struct {
	Field  string
	Values []any
}

// Lt matches rows whose Field sorts before Value (used for timestamp
// retention cutoffs).
type Lt struct {
	Field string
	Value any
}

// IsSet matches rows where Field is present and non-null (a timestamp
// field has been written).
type IsSet struct {
	Field string
}

// IsUnset matches rows where Field is absent or null.
type IsUnset struct {
	Field string
}

// And matches rows satisfying every sub-predicate.
type And []Predicate

// Or matches rows satisfying at least one sub-predicate.
type Or []Predicate

func (All) isPredicate()     {}
func (Eq) isPredicate()      {}
func (NotEq) isPredicate()   {}
func (In) isPredicate()      {}
func (Lt) isPredicate()      {}
func (IsSet) isPredicate()   {}
func (IsUnset) isPredicate() {}
func (And) isPredicate()     {}
func (Or) isPredicate()      {}

// Op is one operation inside a Batch call.
type Op interface {
	isOp()
}

// PutOp creates (Etag == "") or conditionally updates (Etag != "") one
// row as part of a batch.
type PutOp struct {
	Bucket Bucket
	Key    string
	Value  any
	Etag   string
}

// UpdateOp applies Fields (a shallow JSON merge) to every row in Bucket
// matching Filter. It is how cross-row invariants like "expire the
// sibling token" are expressed without a read-modify-write race.
type UpdateOp struct {
	Bucket Bucket
	Filter Predicate
	Fields map[string]any
}

// DeleteManyOp deletes every row in Bucket matching Filter.
type DeleteManyOp struct {
	Bucket Bucket
	Filter Predicate
}

func (PutOp) isOp()        {}
func (UpdateOp) isOp()     {}
func (DeleteManyOp) isOp() {}

// Store is the full operation set higher layers are allowed to use.
type Store interface {
	// Get returns the row's current value and etag, or ErrNotFound.
	Get(ctx context.Context, bucket Bucket, key string) (Record, error)

	// Put creates a row (etag == "") or performs a conditional update
	// (etag != "", compared against the row's current etag). Returns
	// the new etag. ErrConflict on etag mismatch, ErrUniqueViolation if
	// etag == "" and a row with this key already exists.
	Put(ctx context.Context, bucket Bucket, key string, value any, etag string) (string, error)

	// Delete removes a row. etag == "" deletes unconditionally.
	Delete(ctx context.Context, bucket Bucket, key string, etag string) error

	// Batch executes every op atomically: either all succeed or none
	// are visible. Returns one etag per PutOp, in input order (other op
	// kinds contribute no entry).
	Batch(ctx context.Context, ops []Op) ([]string, error)

	// List returns rows matching filter, sorted and paginated.
	List(ctx context.Context, bucket Bucket, filter Predicate, sort *Sort, limit, offset int) ([]Record, error)

	// Count returns the number of rows matching filter without
	// materializing them.
	Count(ctx context.Context, bucket Bucket, filter Predicate) (int, error)
}

// Decode unmarshals a Record's value into dst.
func Decode(rec Record, dst any) error {
	return json.Unmarshal(rec.Value, dst)
}

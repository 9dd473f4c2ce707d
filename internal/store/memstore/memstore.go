// Package memstore is an in-memory store.Store, the reference
// implementation used by unit tests and by local/dev runs configured
// with the "memory" store backend: a single RWMutex guarding a map per bucket, with
// values copied in and out (here via a JSON marshal/unmarshal round
// trip, since store.Store trades in json.RawMessage rather than typed
// structs) so that a caller mutating its own copy can never reach into
// stored state.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joyent/triton-kbmapi/internal/store"
)

type row struct {
	value json.RawMessage
	etag  string
}

// Store is an in-process, goroutine-safe store.Store.
type Store struct {
	mu      sync.RWMutex
	buckets map[store.Bucket]map[string]row
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{buckets: make(map[store.Bucket]map[string]row)}
}

func (s *Store) bucket(b store.Bucket) map[string]row {
	m, ok := s.buckets[b]
	if !ok {
		m = make(map[string]row)
		s.buckets[b] = m
	}
	return m
}

func newEtag() string {
	return uuid.NewString()
}

func (s *Store) Get(_ context.Context, bucket store.Bucket, key string) (store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.bucket(bucket)[key]
	if !ok {
		return store.Record{}, &store.ErrNotFound{Bucket: bucket, Key: key}
	}
	return store.Record{Key: key, Value: r.value, Etag: r.etag}, nil
}

func (s *Store) Put(_ context.Context, bucket store.Bucket, key string, value any, etag string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(bucket, key, value, etag)
}

func (s *Store) putLocked(bucket store.Bucket, key string, value any, etag string) (string, error) {
	b := s.bucket(bucket)
	existing, exists := b[key]

	if etag == "" {
		if exists {
			return "", &store.ErrUniqueViolation{Bucket: bucket, Field: "key", Value: key}
		}
	} else {
		if !exists {
			return "", &store.ErrNotFound{Bucket: bucket, Key: key}
		}
		if existing.etag != etag {
			return "", &store.ErrConflict{Bucket: bucket, Key: key, Expected: etag, Actual: existing.etag}
		}
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("memstore: marshal %s/%s: %w", bucket, key, err)
	}
	newTag := newEtag()
	b[key] = row{value: raw, etag: newTag}
	return newTag, nil
}

func (s *Store) Delete(_ context.Context, bucket store.Bucket, key string, etag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(bucket, key, etag)
}

func (s *Store) deleteLocked(bucket store.Bucket, key string, etag string) error {
	b := s.bucket(bucket)
	existing, exists := b[key]
	if !exists {
		return &store.ErrNotFound{Bucket: bucket, Key: key}
	}
	if etag != "" && existing.etag != etag {
		return &store.ErrConflict{Bucket: bucket, Key: key, Expected: etag, Actual: existing.etag}
	}
	delete(b, key)
	return nil
}

// Batch executes every op against a snapshot copy of the affected
// buckets and only commits the mutation if every op in the list
// succeeds, giving callers the all-or-nothing semantics store.Store
// promises without requiring a real transactional backend.
func (s *Store) Batch(_ context.Context, ops []store.Op) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := make(map[store.Bucket]map[string]row, len(s.buckets))
	for b, m := range s.buckets {
		cp := make(map[string]row, len(m))
		for k, v := range m {
			cp[k] = v
		}
		snapshot[b] = cp
	}
	rollback := func() {
		s.buckets = snapshot
	}

	etags := make([]string, 0, len(ops))
	for _, op := range ops {
		switch o := op.(type) {
		case store.PutOp:
			tag, err := s.putLocked(o.Bucket, o.Key, o.Value, o.Etag)
			if err != nil {
				rollback()
				return nil, err
			}
			etags = append(etags, tag)

		case store.DeleteManyOp:
			matches, err := s.matchLocked(o.Bucket, o.Filter)
			if err != nil {
				rollback()
				return nil, err
			}
			b := s.bucket(o.Bucket)
			for _, key := range matches {
				delete(b, key)
			}

		case store.UpdateOp:
			matches, err := s.matchLocked(o.Bucket, o.Filter)
			if err != nil {
				rollback()
				return nil, err
			}
			b := s.bucket(o.Bucket)
			for _, key := range matches {
				r := b[key]
				var decoded map[string]any
				if err := json.Unmarshal(r.value, &decoded); err != nil {
					rollback()
					return nil, fmt.Errorf("memstore: decode %s/%s: %w", o.Bucket, key, err)
				}
				for field, v := range o.Fields {
					if v == nil {
						delete(decoded, field)
					} else {
						decoded[field] = v
					}
				}
				raw, err := json.Marshal(decoded)
				if err != nil {
					rollback()
					return nil, err
				}
				b[key] = row{value: raw, etag: newEtag()}
			}

		default:
			rollback()
			return nil, fmt.Errorf("memstore: unsupported op %T", op)
		}
	}
	return etags, nil
}

func (s *Store) List(_ context.Context, bucket store.Bucket, filter store.Predicate, srt *store.Sort, limit, offset int) ([]store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys, err := s.matchLocked(bucket, filter)
	if err != nil {
		return nil, err
	}
	b := s.bucket(bucket)
	recs := make([]store.Record, 0, len(keys))
	for _, k := range keys {
		r := b[k]
		recs = append(recs, store.Record{Key: k, Value: r.value, Etag: r.etag})
	}

	if srt != nil {
		sort.SliceStable(recs, func(i, j int) bool {
			vi := fieldString(recs[i].Value, srt.Field)
			vj := fieldString(recs[j].Value, srt.Field)
			if srt.Dir == store.Desc {
				return vi > vj
			}
			return vi < vj
		})
	}

	if offset > 0 {
		if offset >= len(recs) {
			return []store.Record{}, nil
		}
		recs = recs[offset:]
	}
	if limit > 0 && limit < len(recs) {
		recs = recs[:limit]
	}
	return recs, nil
}

func (s *Store) Count(_ context.Context, bucket store.Bucket, filter store.Predicate) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys, err := s.matchLocked(bucket, filter)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// matchLocked must be called with s.mu held (read or write).
func (s *Store) matchLocked(bucket store.Bucket, filter store.Predicate) ([]string, error) {
	b := s.bucket(bucket)
	var keys []string
	for k, r := range b {
		var decoded map[string]any
		if err := json.Unmarshal(r.value, &decoded); err != nil {
			return nil, fmt.Errorf("memstore: decode %s/%s: %w", bucket, k, err)
		}
		ok, err := matches(decoded, filter)
		if err != nil {
			return nil, err
		}
		if ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys) // stable iteration order for deterministic tests
	return keys, nil
}

func matches(v map[string]any, pred store.Predicate) (bool, error) {
	switch p := pred.(type) {
	case nil, store.All:
		return true, nil
	case store.Eq:
		val, _ := lookupField(v, p.Field)
		return scalarEqual(val, p.Value), nil
	case store.NotEq:
		val, _ := lookupField(v, p.Field)
		return !scalarEqual(val, p.Value), nil
	case store.In:
		val, _ := lookupField(v, p.Field)
		for _, want := range p.Values {
			if scalarEqual(val, want) {
				return true, nil
			}
		}
		return false, nil
	case store.Lt:
		val, _ := lookupField(v, p.Field)
		return less(val, p.Value), nil
	case store.IsSet:
		val, ok := lookupField(v, p.Field)
		return ok && val != nil, nil
	case store.IsUnset:
		val, ok := lookupField(v, p.Field)
		return !ok || val == nil, nil
	case store.And:
		for _, sub := range p {
			ok, err := matches(v, sub)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case store.Or:
		for _, sub := range p {
			ok, err := matches(v, sub)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("memstore: unsupported predicate %T", pred)
	}
}

func scalarEqual(a, b any) bool {
	return toComparable(a) == toComparable(b)
}

func less(a, b any) bool {
	return toComparable(a) < toComparable(b)
}

// toComparable normalizes a decoded-JSON or caller-supplied value to a
// string so Eq/In/Lt can compare across the float64-vs-string-vs-time.Time
// boundary that json.Unmarshal introduces.
func toComparable(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		raw, _ := json.Marshal(t)
		return string(raw)
	}
}

func fieldString(raw json.RawMessage, field string) string {
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return ""
	}
	val, _ := lookupField(decoded, field)
	return toComparable(val)
}

// lookupField resolves a possibly dotted field path ("active_range.to")
// against a decoded JSON object, walking nested maps one segment at a
// time. The second return value is false if any segment along the path
// is absent.
func lookupField(v map[string]any, field string) (any, bool) {
	segs := strings.Split(field, ".")
	var cur any = v
	for _, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		val, ok := m[seg]
		if !ok {
			return nil, false
		}
		cur = val
	}
	return cur, true
}

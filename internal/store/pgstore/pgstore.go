// Package pgstore is the Postgres-backed store.Store, used in any
// deployment where the API server and the transition orchestrator run
// as separate processes (the normal case) and therefore need a real
// shared backing store rather than the in-process memstore.
//
// Each logical bucket is one physical table:
//
//	key text primary key, value jsonb not null, etag text not null, v int not null
//
// Predicates compile to `value ->> 'field'` comparisons; callers are
// expected to only filter on the fields each invariant actually needs
// (guid, cn_uuid, pivtoken, recovery_configuration,
// recovery_config_uuid, name, staged, activated, expired, finished,
// aborted, active_range.to) — exactly the set the migrations index.
package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/joyent/triton-kbmapi/internal/store"
)

// Store is a store.Store backed by a pgxpool.Pool.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an already-connected pool. Run Migrate (migrate.go)
// before first use.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func tableName(b store.Bucket) string {
	return "kbm_" + string(b)
}

func (s *Store) Get(ctx context.Context, bucket store.Bucket, key string) (store.Record, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT value, etag FROM %s WHERE key = $1`, tableName(bucket)), key)
	var value json.RawMessage
	var etag string
	if err := row.Scan(&value, &etag); err != nil {
		if err == pgx.ErrNoRows {
			return store.Record{}, &store.ErrNotFound{Bucket: bucket, Key: key}
		}
		return store.Record{}, &store.ErrTransport{Cause: err}
	}
	return store.Record{Key: key, Value: value, Etag: etag}, nil
}

func (s *Store) Put(ctx context.Context, bucket store.Bucket, key string, value any, etag string) (string, error) {
	newTag := uuid.NewString()
	raw, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("pgstore: marshal %s/%s: %w", bucket, key, err)
	}

	var tag string
	var execErr error
	if etag == "" {
		tag, execErr = insert(ctx, s.pool, bucket, key, raw, newTag)
	} else {
		tag, execErr = conditionalUpdate(ctx, s.pool, bucket, key, raw, etag, newTag)
	}
	return tag, execErr
}

func insert(ctx context.Context, q pgxQuerier, bucket store.Bucket, key string, raw json.RawMessage, newTag string) (string, error) {
	_, err := q.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (key, value, etag, v) VALUES ($1, $2, $3, 1)`, tableName(bucket)),
		key, raw, newTag)
	if err != nil {
		if isUniqueViolation(err) {
			return "", &store.ErrUniqueViolation{Bucket: bucket, Field: "key", Value: key}
		}
		return "", &store.ErrTransport{Cause: err}
	}
	return newTag, nil
}

func conditionalUpdate(ctx context.Context, q pgxQuerier, bucket store.Bucket, key string, raw json.RawMessage, etag, newTag string) (string, error) {
	tag, err := q.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET value = $1, etag = $2, v = v + 1 WHERE key = $3 AND etag = $4`, tableName(bucket)),
		raw, newTag, key, etag)
	if err != nil {
		return "", &store.ErrTransport{Cause: err}
	}
	if tag.RowsAffected() == 0 {
		existing, getErr := getEtag(ctx, q, bucket, key)
		if getErr != nil {
			return "", getErr
		}
		return "", &store.ErrConflict{Bucket: bucket, Key: key, Expected: etag, Actual: existing}
	}
	return newTag, nil
}

func getEtag(ctx context.Context, q pgxQuerier, bucket store.Bucket, key string) (string, error) {
	row := q.QueryRow(ctx, fmt.Sprintf(`SELECT etag FROM %s WHERE key = $1`, tableName(bucket)), key)
	var etag string
	if err := row.Scan(&etag); err != nil {
		if err == pgx.ErrNoRows {
			return "", &store.ErrNotFound{Bucket: bucket, Key: key}
		}
		return "", &store.ErrTransport{Cause: err}
	}
	return etag, nil
}

func (s *Store) Delete(ctx context.Context, bucket store.Bucket, key string, etag string) error {
	var tag pgconn.CommandTag
	var err error
	if etag == "" {
		tag, err = s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, tableName(bucket)), key)
	} else {
		tag, err = s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1 AND etag = $2`, tableName(bucket)), key, etag)
	}
	if err != nil {
		return &store.ErrTransport{Cause: err}
	}
	if tag.RowsAffected() == 0 {
		if etag == "" {
			return &store.ErrNotFound{Bucket: bucket, Key: key}
		}
		existing, getErr := getEtag(ctx, s.pool, bucket, key)
		if getErr != nil {
			return getErr
		}
		return &store.ErrConflict{Bucket: bucket, Key: key, Expected: etag, Actual: existing}
	}
	return nil
}

// Batch runs every op inside one pgx.Tx so the whole set commits or
// none of it does: every cross-row invariant in this system is
// enforced as one all-or-nothing batch against the store.
func (s *Store) Batch(ctx context.Context, ops []store.Op) ([]string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, &store.ErrTransport{Cause: err}
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	etags := make([]string, 0, len(ops))
	for _, op := range ops {
		switch o := op.(type) {
		case store.PutOp:
			raw, err := json.Marshal(o.Value)
			if err != nil {
				return nil, fmt.Errorf("pgstore: marshal %s/%s: %w", o.Bucket, o.Key, err)
			}
			newTag := uuid.NewString()
			var tag string
			if o.Etag == "" {
				tag, err = insert(ctx, tx, o.Bucket, o.Key, raw, newTag)
			} else {
				tag, err = conditionalUpdate(ctx, tx, o.Bucket, o.Key, raw, o.Etag, newTag)
			}
			if err != nil {
				return nil, err
			}
			etags = append(etags, tag)

		case store.DeleteManyOp:
			where, args, err := compile(o.Filter, 1)
			if err != nil {
				return nil, err
			}
			if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s`, tableName(o.Bucket), where), args...); err != nil {
				return nil, &store.ErrTransport{Cause: err}
			}

		case store.UpdateOp:
			if err := applyUpdate(ctx, tx, o); err != nil {
				return nil, err
			}

		default:
			return nil, fmt.Errorf("pgstore: unsupported op %T", op)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, &store.ErrTransport{Cause: err}
	}
	return etags, nil
}

// applyUpdate performs the read-merge-write a jsonb partial update
// needs: Postgres' jsonb_set only patches one path per call, and our
// Fields map can touch several, so we merge in Go and write back the
// whole document, same as the memstore.
func applyUpdate(ctx context.Context, tx pgx.Tx, o store.UpdateOp) error {
	where, args, err := compile(o.Filter, 1)
	if err != nil {
		return err
	}
	rows, err := tx.Query(ctx, fmt.Sprintf(`SELECT key, value FROM %s WHERE %s`, tableName(o.Bucket), where), args...)
	if err != nil {
		return &store.ErrTransport{Cause: err}
	}
	type pending struct {
		key string
		raw json.RawMessage
	}
	var matched []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.key, &p.raw); err != nil {
			rows.Close()
			return &store.ErrTransport{Cause: err}
		}
		matched = append(matched, p)
	}
	rows.Close()

	for _, p := range matched {
		var decoded map[string]any
		if err := json.Unmarshal(p.raw, &decoded); err != nil {
			return fmt.Errorf("pgstore: decode %s/%s: %w", o.Bucket, p.key, err)
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
			return err
		}
		if _, err := tx.Exec(ctx,
			fmt.Sprintf(`UPDATE %s SET value = $1, etag = $2, v = v + 1 WHERE key = $3`, tableName(o.Bucket)),
			raw, uuid.NewString(), p.key); err != nil {
			return &store.ErrTransport{Cause: err}
		}
	}
	return nil
}

func (s *Store) List(ctx context.Context, bucket store.Bucket, filter store.Predicate, srt *store.Sort, limit, offset int) ([]store.Record, error) {
	where, args, err := compile(filter, 1)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT key, value, etag FROM %s WHERE %s`, tableName(bucket), where)
	if srt != nil {
		query += fmt.Sprintf(` ORDER BY %s %s`, jsonTextPath(srt.Field), srt.Dir)
	}
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	if offset > 0 {
		query += fmt.Sprintf(` OFFSET %d`, offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, &store.ErrTransport{Cause: err}
	}
	defer rows.Close()

	var out []store.Record
	for rows.Next() {
		var r store.Record
		if err := rows.Scan(&r.Key, &r.Value, &r.Etag); err != nil {
			return nil, &store.ErrTransport{Cause: err}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) Count(ctx context.Context, bucket store.Bucket, filter store.Predicate) (int, error) {
	where, args, err := compile(filter, 1)
	if err != nil {
		return 0, err
	}
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %s WHERE %s`, tableName(bucket), where), args...)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, &store.ErrTransport{Cause: err}
	}
	return n, nil
}

// compile translates a store.Predicate into a SQL WHERE fragment (no
// leading "WHERE") plus its positional args, starting numbering at
// argStart.
func compile(pred store.Predicate, argStart int) (string, []any, error) {
	n := argStart
	var args []any
	var walk func(store.Predicate) (string, error)
	walk = func(p store.Predicate) (string, error) {
		switch v := p.(type) {
		case nil, store.All:
			return "TRUE", nil
		case store.Eq:
			args = append(args, v.Value)
			s := fmt.Sprintf(`%s = $%d`, jsonTextPath(v.Field), n)
			n++
			return s, nil
		case store.NotEq:
			args = append(args, v.Value)
			s := fmt.Sprintf(`(%s) IS DISTINCT FROM $%d`, jsonTextPath(v.Field), n)
			n++
			return s, nil
		case store.In:
			if len(v.Values) == 0 {
				return "FALSE", nil
			}
			placeholders := make([]string, len(v.Values))
			for i, val := range v.Values {
				args = append(args, val)
				placeholders[i] = fmt.Sprintf("$%d", n)
				n++
			}
			return fmt.Sprintf(`%s IN (%s)`, jsonTextPath(v.Field), strings.Join(placeholders, ", ")), nil
		case store.Lt:
			args = append(args, v.Value)
			s := fmt.Sprintf(`%s < $%d`, jsonTextPath(v.Field), n)
			n++
			return s, nil
		case store.IsSet:
			return fmt.Sprintf(`%s AND %s IS NOT NULL`, jsonExistsPath(v.Field), jsonNodePath(v.Field)), nil
		case store.IsUnset:
			return fmt.Sprintf(`NOT (%s AND %s IS NOT NULL)`, jsonExistsPath(v.Field), jsonNodePath(v.Field)), nil
		case store.And:
			if len(v) == 0 {
				return "TRUE", nil
			}
			parts := make([]string, len(v))
			for i, sub := range v {
				s, err := walk(sub)
				if err != nil {
					return "", err
				}
				parts[i] = "(" + s + ")"
			}
			return strings.Join(parts, " AND "), nil
		case store.Or:
			if len(v) == 0 {
				return "FALSE", nil
			}
			parts := make([]string, len(v))
			for i, sub := range v {
				s, err := walk(sub)
				if err != nil {
					return "", err
				}
				parts[i] = "(" + s + ")"
			}
			return strings.Join(parts, " OR "), nil
		default:
			return "", fmt.Errorf("pgstore: unsupported predicate %T", p)
		}
	}
	where, err := walk(pred)
	if err != nil {
		return "", nil, err
	}
	return where, args, nil
}

// sanitizeField restricts jsonb field names to the identifier characters
// this codebase actually uses, so a Predicate can never be used to
// inject SQL through a field name (values are always bound as args).
func sanitizeField(field string) string {
	var b strings.Builder
	for _, r := range field {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// jsonTextPath renders a (possibly dotted, e.g. "active_range.to")
// field path as a jsonb extraction expression ending in ->> (text).
// A dotted path walks intermediate segments with -> and only the last
// segment with ->>, matching how Postgres's jsonb operators compose.
func jsonTextPath(field string) string {
	segs := splitFieldPath(field)
	var b strings.Builder
	b.WriteString("value")
	for i, seg := range segs {
		if i == len(segs)-1 {
			b.WriteString(fmt.Sprintf(` ->> '%s'`, seg))
		} else {
			b.WriteString(fmt.Sprintf(` -> '%s'`, seg))
		}
	}
	return b.String()
}

// jsonNodePath is jsonTextPath but every segment uses -> (jsonb node,
// not text), for IS NOT NULL presence checks on nested objects.
func jsonNodePath(field string) string {
	segs := splitFieldPath(field)
	var b strings.Builder
	b.WriteString("value")
	for _, seg := range segs {
		b.WriteString(fmt.Sprintf(` -> '%s'`, seg))
	}
	return b.String()
}

// jsonExistsPath builds the `?` existence check for the field's parent
// path plus its final key, used alongside jsonNodePath for IsSet/IsUnset.
func jsonExistsPath(field string) string {
	segs := splitFieldPath(field)
	if len(segs) == 1 {
		return fmt.Sprintf(`value ? '%s'`, segs[0])
	}
	parent := segs[:len(segs)-1]
	last := segs[len(segs)-1]
	var b strings.Builder
	b.WriteString("value")
	for _, seg := range parent {
		b.WriteString(fmt.Sprintf(` -> '%s'`, seg))
	}
	b.WriteString(fmt.Sprintf(` ? '%s'`, last))
	return b.String()
}

func splitFieldPath(field string) []string {
	parts := strings.Split(field, ".")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := sanitizeField(p); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return []string{""}
	}
	return out
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "duplicate key value violates unique constraint")
}

// pgxQuerier is the subset of pgx.Tx / pgxpool.Pool this package needs,
// letting insert/conditionalUpdate/getEtag run against either a bare
// pool call or a transaction.
type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

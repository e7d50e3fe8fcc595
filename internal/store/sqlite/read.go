package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/confine/internal/ir"
	"github.com/roach88/confine/internal/query"
	"github.com/roach88/confine/internal/querysql"
	"github.com/roach88/confine/internal/store"
)

// maxParams bounds IN lists well below SQLite's variable limit.
const maxParams = 500

type rowsQueryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Read implements store.Store.
//
// Requests whose filter or sort cannot be compiled to SQL read the whole
// entity family and are evaluated in memory.
func (s *Store) Read(ctx context.Context, req store.Request) ([]*store.Record, error) {
	if s.db == nil {
		return nil, store.ErrClosed
	}
	q, err := s.sqlQuery(req)
	if err != nil {
		return nil, err
	}

	stmt, params, err := querysql.Select(q)
	pushdown := true
	if errors.Is(err, querysql.ErrNotPushdown) {
		pushdown = false
		stmt, params, err = querysql.SelectAll(q)
	}
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}

	recs, err := s.queryRecords(ctx, stmt, params)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	if !pushdown {
		recs = store.Filter(recs, req)
	}
	return recs, nil
}

// ReadIDs implements store.Store. Records are returned in ID order.
func (s *Store) ReadIDs(ctx context.Context, ids []ir.ObjectID) ([]*store.Record, error) {
	if s.db == nil {
		return nil, store.ErrClosed
	}

	var out []*store.Record
	for start := 0; start < len(ids); start += maxParams {
		end := min(start+maxParams, len(ids))
		chunk := ids[start:end]

		params := make([]any, len(chunk))
		for i, id := range chunk {
			params[i] = id.String()
		}
		stmt := "SELECT id, entity, attrs, seq FROM records WHERE id IN (" +
			placeholders(len(chunk)) + ") ORDER BY id ASC COLLATE BINARY"

		recs, err := s.queryRecords(ctx, stmt, params)
		if err != nil {
			return nil, fmt.Errorf("read ids: %w", err)
		}
		out = append(out, recs...)
	}
	if out == nil {
		out = []*store.Record{}
	}
	return out, nil
}

// Count implements store.Counter.
func (s *Store) Count(ctx context.Context, req store.Request) (int, error) {
	if s.db == nil {
		return 0, store.ErrClosed
	}
	q, err := s.sqlQuery(req)
	if err != nil {
		return 0, err
	}
	stmt, params, err := querysql.Count(q)
	if errors.Is(err, querysql.ErrNotPushdown) {
		recs, err := s.Read(ctx, store.Request{Entities: req.Entities, Filter: req.Filter})
		if err != nil {
			return 0, err
		}
		return len(recs), nil
	}
	if err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}

	var n int
	if err := s.db.QueryRowContext(ctx, stmt, params...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

// Aggregate implements store.Aggregator.
func (s *Store) Aggregate(ctx context.Context, req store.Request, kind query.AggregateKind, attr string) (ir.Value, error) {
	if s.db == nil {
		return nil, store.ErrClosed
	}
	q, err := s.sqlQuery(req)
	if err != nil {
		return nil, err
	}
	t, ok := q.Types[attr]
	if !ok {
		return nil, fmt.Errorf("aggregate: entity %s has no attribute %q", req.Entities[0], attr)
	}

	stmt, params, err := querysql.Aggregate(q, kind, attr)
	if errors.Is(err, querysql.ErrNotPushdown) {
		recs, err := s.Read(ctx, store.Request{Entities: req.Entities, Filter: req.Filter})
		if err != nil {
			return nil, err
		}
		return query.Aggregate(recs, kind, attr), nil
	}
	if err != nil {
		return nil, fmt.Errorf("aggregate: %w", err)
	}

	var raw any
	if err := s.db.QueryRowContext(ctx, stmt, params...).Scan(&raw); err != nil {
		return nil, fmt.Errorf("aggregate: %w", err)
	}
	if kind == query.Average {
		t = ir.TypeFloat
	}
	v, err := ir.FromSQL(raw, t)
	if err != nil {
		return nil, fmt.Errorf("aggregate: %w", err)
	}
	return v, nil
}

// Distinct implements store.Distincter.
func (s *Store) Distinct(ctx context.Context, req store.Request, attr string) ([]ir.Value, error) {
	if s.db == nil {
		return nil, store.ErrClosed
	}
	q, err := s.sqlQuery(req)
	if err != nil {
		return nil, err
	}
	t, ok := q.Types[attr]
	if !ok {
		return nil, fmt.Errorf("distinct: entity %s has no attribute %q", req.Entities[0], attr)
	}

	stmt, params, err := querysql.Distinct(q, attr)
	if errors.Is(err, querysql.ErrNotPushdown) {
		recs, err := s.Read(ctx, store.Request{Entities: req.Entities, Filter: req.Filter})
		if err != nil {
			return nil, err
		}
		return query.Distinct(recs, attr), nil
	}
	if err != nil {
		return nil, fmt.Errorf("distinct: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, stmt, params...)
	if err != nil {
		return nil, fmt.Errorf("distinct: %w", err)
	}
	defer rows.Close()

	out := []ir.Value{}
	for rows.Next() {
		var raw any
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("distinct: scan: %w", err)
		}
		v, err := ir.FromSQL(raw, t)
		if err != nil {
			return nil, fmt.Errorf("distinct: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("distinct: %w", err)
	}
	return out, nil
}

func (s *Store) sqlQuery(req store.Request) (querysql.Query, error) {
	if len(req.Entities) == 0 {
		return querysql.Query{}, fmt.Errorf("request names no entities")
	}
	root, err := s.model.Entity(req.Entities[0])
	if err != nil {
		return querysql.Query{}, err
	}
	return querysql.Query{
		Entities: req.Entities,
		Filter:   req.Filter,
		Sort:     req.Sort,
		Limit:    req.Limit,
		Types:    root.AttributeTypes(),
	}, nil
}

// queryRecords runs a records SELECT and attaches relationships. Rows are
// fully drained before the relationship query because the pool holds a
// single connection.
func (s *Store) queryRecords(ctx context.Context, stmt string, params []any) ([]*store.Record, error) {
	rows, err := s.db.QueryContext(ctx, stmt, params...)
	if err != nil {
		return nil, err
	}

	recs := []*store.Record{}
	for rows.Next() {
		var (
			id, entity, doc string
			seq             int64
		)
		if err := rows.Scan(&id, &entity, &doc, &seq); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec, err := s.decodeRecord(id, entity, doc, seq)
		if err != nil {
			rows.Close()
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.ID.String()
	}
	relations, err := loadRelations(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	for _, r := range recs {
		if rel, ok := relations[r.ID.String()]; ok {
			r.Relations = rel
		}
	}
	return recs, nil
}

func (s *Store) decodeRecord(id, entity, doc string, seq int64) (*store.Record, error) {
	oid, err := ir.ParseObjectID(id)
	if err != nil {
		return nil, err
	}
	e, err := s.model.Entity(entity)
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", id, err)
	}
	values, err := ir.DecodeAttributes(doc, e.AttributeTypes())
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", id, err)
	}
	return &store.Record{
		ID:        oid,
		Values:    values,
		Relations: map[string][]ir.ObjectID{},
		Seq:       seq,
	}, nil
}

// loadRelations returns source id -> name -> ordered targets.
func loadRelations(ctx context.Context, q rowsQueryer, ids []string) (map[string]map[string][]ir.ObjectID, error) {
	out := make(map[string]map[string][]ir.ObjectID)
	for start := 0; start < len(ids); start += maxParams {
		end := min(start+maxParams, len(ids))
		chunk := ids[start:end]

		params := make([]any, len(chunk))
		for i, id := range chunk {
			params[i] = id
		}
		rows, err := q.QueryContext(ctx,
			"SELECT source_id, name, target_id FROM relationships WHERE source_id IN ("+
				placeholders(len(chunk))+") ORDER BY source_id, name, position", params...)
		if err != nil {
			return nil, fmt.Errorf("load relationships: %w", err)
		}
		for rows.Next() {
			var source, name, target string
			if err := rows.Scan(&source, &name, &target); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan relationship: %w", err)
			}
			tid, err := ir.ParseObjectID(target)
			if err != nil {
				rows.Close()
				return nil, err
			}
			if out[source] == nil {
				out[source] = make(map[string][]ir.ObjectID)
			}
			out[source][name] = append(out[source][name], tid)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("load relationships: %w", err)
		}
	}
	return out, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

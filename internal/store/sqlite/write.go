package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/roach88/confine/internal/ir"
	"github.com/roach88/confine/internal/store"
)

// Write implements store.Store.
//
// The whole change set runs in one transaction stamped with the next
// sequence number. Updates are applied on top of the stored record so
// attributes the writer did not change keep their committed values.
func (s *Store) Write(ctx context.Context, cs store.ChangeSet) (*store.WriteResult, error) {
	if s.db == nil {
		return nil, store.ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("write: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	last, err := readSeq(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("write: %w", err)
	}
	res := &store.WriteResult{Seq: last + 1}

	for _, rec := range cs.Inserts {
		stored := rec.Clone()
		stored.Seq = res.Seq
		for k, v := range stored.Values {
			if ir.IsNull(v) {
				delete(stored.Values, k)
			}
		}
		if err := s.insert(ctx, tx, stored); err != nil {
			return nil, fmt.Errorf("write: insert %s: %w", rec.ID, err)
		}
		res.Inserted = append(res.Inserted, stored)
	}

	for _, u := range cs.Updates {
		rec, err := s.update(ctx, tx, u, res.Seq)
		if err != nil {
			return nil, fmt.Errorf("write: update %s: %w", u.ID, err)
		}
		if rec == nil {
			res.Missing = append(res.Missing, u.ID)
			continue
		}
		res.Updated = append(res.Updated, rec)
	}

	for _, id := range cs.Deletes {
		deleted, err := s.delete(ctx, tx, id)
		if err != nil {
			return nil, fmt.Errorf("write: delete %s: %w", id, err)
		}
		if !deleted {
			res.Missing = append(res.Missing, id)
			continue
		}
		res.Deleted = append(res.Deleted, id)
	}

	if err := writeMeta(ctx, tx, metaLastSeq, strconv.FormatInt(res.Seq, 10)); err != nil {
		return nil, fmt.Errorf("write: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("write: commit: %w", err)
	}
	return res, nil
}

func (s *Store) insert(ctx context.Context, tx *sql.Tx, rec *store.Record) error {
	if _, err := s.model.Entity(rec.ID.Entity); err != nil {
		return err
	}
	doc, err := ir.EncodeAttributes(rec.Values)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (id, entity, attrs, seq) VALUES (?, ?, ?, ?)
	`, rec.ID.String(), rec.ID.Entity, doc, rec.Seq)
	if err != nil {
		return err
	}
	for name, ids := range rec.Relations {
		if err := writeRelation(ctx, tx, rec.ID, name, ids); err != nil {
			return err
		}
	}
	return nil
}

// update applies u to the stored record and returns the post-commit
// snapshot, or nil when the record no longer exists.
func (s *Store) update(ctx context.Context, tx *sql.Tx, u store.Update, seq int64) (*store.Record, error) {
	e, err := s.model.Entity(u.ID.Entity)
	if err != nil {
		return nil, err
	}

	var doc string
	err = tx.QueryRowContext(ctx, `SELECT attrs FROM records WHERE id = ?`, u.ID.String()).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	values, err := ir.DecodeAttributes(doc, e.AttributeTypes())
	if err != nil {
		return nil, err
	}
	rec := &store.Record{ID: u.ID, Values: values, Seq: seq}

	if len(u.Values) > 0 {
		store.Update{Values: u.Values}.Apply(rec)
		doc, err = ir.EncodeAttributes(rec.Values)
		if err != nil {
			return nil, err
		}
	}
	_, err = tx.ExecContext(ctx, `UPDATE records SET attrs = ?, seq = ? WHERE id = ?`, doc, seq, u.ID.String())
	if err != nil {
		return nil, err
	}

	for name, ids := range u.Relations {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM relationships WHERE source_id = ? AND name = ?`, u.ID.String(), name)
		if err != nil {
			return nil, err
		}
		if err := writeRelation(ctx, tx, u.ID, name, ids); err != nil {
			return nil, err
		}
	}

	relations, err := loadRelations(ctx, tx, []string{u.ID.String()})
	if err != nil {
		return nil, err
	}
	rec.Relations = relations[u.ID.String()]
	if rec.Relations == nil {
		rec.Relations = map[string][]ir.ObjectID{}
	}
	return rec, nil
}

func (s *Store) delete(ctx context.Context, tx *sql.Tx, id ir.ObjectID) (bool, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id.String())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	// references are weak: drop rows pointing at the deleted record
	if _, err := tx.ExecContext(ctx, `DELETE FROM relationships WHERE target_id = ?`, id.String()); err != nil {
		return false, err
	}
	return true, nil
}

func writeRelation(ctx context.Context, tx *sql.Tx, source ir.ObjectID, name string, ids []ir.ObjectID) error {
	for pos, target := range ids {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO relationships (source_id, name, position, target_id) VALUES (?, ?, ?, ?)
		`, source.String(), name, pos, target.String())
		if err != nil {
			return fmt.Errorf("relationship %s: %w", name, err)
		}
	}
	return nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/OpenPrinting/goipp"

	"printd/internal/jobs"
)

// SaveJobs rewrites the jobs table from the in-memory view. The whole table
// is replaced in one transaction, matching the wholesale job-cache rewrite
// the dirty-flag protocol implies.
func (s *Store) SaveJobs(ctx context.Context, all []*jobs.Job) error {
	return s.WithTx(ctx, false, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM jobs`); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO jobs (id, dest, username, name, priority, state,
				state_reasons, hold_until, created_at, processing_at,
				completed_at, doc_deadline, k_octets, impressions,
				retry_count, documents, attrs)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, j := range all {
			reasons, err := json.Marshal(j.StateReasons)
			if err != nil {
				return err
			}
			docs, err := json.Marshal(j.Documents)
			if err != nil {
				return err
			}
			attrs, err := encodeAttrs(j.Attrs, goipp.TagJobGroup)
			if err != nil {
				return err
			}
			_, err = stmt.ExecContext(ctx,
				j.ID, j.Dest, j.Username, j.Name, j.Priority, int(j.State),
				string(reasons), j.HoldUntil,
				nullTime(j.CreatedAt), nullTime(j.ProcessingAt),
				nullTime(j.CompletedAt), nullTime(j.DocDeadline),
				j.KOctets, j.Impressions, j.RetryCount, string(docs), attrs)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadJobs reads every persisted job plus the next job id to hand out.
func (s *Store) LoadJobs(ctx context.Context) ([]*jobs.Job, int, error) {
	var out []*jobs.Job
	maxID := 0
	err := s.WithTx(ctx, true, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, dest, username, name, priority, state, state_reasons,
				hold_until, created_at, processing_at, completed_at,
				doc_deadline, k_octets, impressions, retry_count,
				documents, attrs
			FROM jobs ORDER BY id`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			j := &jobs.Job{}
			var state int
			var reasons, docs sql.NullString
			var hold sql.NullString
			var created, processing, completed, deadline sql.NullTime
			var attrs []byte
			if err := rows.Scan(&j.ID, &j.Dest, &j.Username, &j.Name,
				&j.Priority, &state, &reasons, &hold,
				&created, &processing, &completed, &deadline,
				&j.KOctets, &j.Impressions, &j.RetryCount,
				&docs, &attrs); err != nil {
				return err
			}
			j.State = jobs.State(state)
			if reasons.Valid && reasons.String != "" {
				if err := json.Unmarshal([]byte(reasons.String), &j.StateReasons); err != nil {
					return err
				}
			}
			if hold.Valid {
				j.HoldUntil = hold.String
			}
			j.CreatedAt = created.Time
			j.ProcessingAt = processing.Time
			j.CompletedAt = completed.Time
			j.DocDeadline = deadline.Time
			if docs.Valid && docs.String != "" {
				if err := json.Unmarshal([]byte(docs.String), &j.Documents); err != nil {
					return err
				}
			}
			if j.Attrs, err = decodeAttrs(attrs, goipp.TagJobGroup); err != nil {
				return err
			}
			if j.ID > maxID {
				maxID = j.ID
			}
			out = append(out, j)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, 0, err
	}
	return out, maxID + 1, nil
}

// Attribute lists ride in the database as goipp-encoded messages so the
// wire syntax survives a restart byte for byte.
func encodeAttrs(attrs goipp.Attributes, group goipp.Tag) ([]byte, error) {
	if len(attrs) == 0 {
		return nil, nil
	}
	m := goipp.NewMessageWithGroups(goipp.DefaultVersion, 0, 1,
		goipp.Groups{{Tag: group, Attrs: attrs}})
	return m.EncodeBytes()
}

func decodeAttrs(data []byte, group goipp.Tag) (goipp.Attributes, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var m goipp.Message
	if err := m.DecodeBytes(data); err != nil {
		return nil, err
	}
	for _, g := range m.Groups {
		if g.Tag == group {
			return g.Attrs, nil
		}
	}
	return nil, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

package store

import (
	"context"
	"database/sql"
	"time"

	"printd/internal/notify"
)

// SaveSubscriptions rewrites the subscriptions table. Event logs are not
// persisted; sequence numbers are, so notify-sequence-number never moves
// backwards across a restart.
func (s *Store) SaveSubscriptions(ctx context.Context, subs []*notify.Subscription) error {
	return s.WithTx(ctx, false, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM subscriptions`); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO subscriptions (id, owner, events, dest, job_id,
				recipient, pull_method, user_data, lease_seconds,
				expires_at, interval_seconds, created_at, next_seq)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, sub := range subs {
			_, err := stmt.ExecContext(ctx,
				sub.ID, sub.Owner, int64(sub.Events), sub.DestName,
				sub.JobID, sub.Recipient, sub.PullMethod, sub.UserData,
				int64(sub.Lease/time.Second), nullTime(sub.ExpiresAt),
				int64(sub.Interval/time.Second), nullTime(sub.CreatedAt),
				sub.NextSeq())
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadSubscriptions restores persisted subscriptions into the bus.
func (s *Store) LoadSubscriptions(ctx context.Context, bus *notify.Bus) error {
	return s.WithTx(ctx, true, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, owner, events, dest, job_id, recipient, pull_method,
				user_data, lease_seconds, expires_at, interval_seconds,
				created_at, next_seq
			FROM subscriptions ORDER BY id`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			sub := &notify.Subscription{}
			var events, lease, interval int64
			var expires, created sql.NullTime
			nextSeq := 1
			if err := rows.Scan(&sub.ID, &sub.Owner, &events, &sub.DestName,
				&sub.JobID, &sub.Recipient, &sub.PullMethod, &sub.UserData,
				&lease, &expires, &interval, &created, &nextSeq); err != nil {
				return err
			}
			sub.Events = notify.EventKind(events)
			sub.Lease = time.Duration(lease) * time.Second
			sub.Interval = time.Duration(interval) * time.Second
			sub.ExpiresAt = expires.Time
			sub.CreatedAt = created.Time
			bus.Restore(sub, nextSeq)
		}
		return rows.Err()
	})
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"printd/internal/registry"
)

// SavePrinters rewrites the printers table from registry snapshots.
func (s *Store) SavePrinters(ctx context.Context, dests []registry.Snapshot) error {
	return s.WithTx(ctx, false, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM printers`); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO printers (name, is_class, device_uri, ppd_name, info,
				location, geo_location, organization, accepting, shared,
				is_default, state, state_message, state_reasons, job_sheets,
				op_policy, error_policy, allow_users, deny_users,
				quota_period, k_limit, page_limit, members, default_options,
				created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, d := range dests {
			if d.Temporary {
				continue
			}
			reasons, err := json.Marshal(d.StateReasons)
			if err != nil {
				return err
			}
			allow, err := json.Marshal(d.AllowUsers)
			if err != nil {
				return err
			}
			deny, err := json.Marshal(d.DenyUsers)
			if err != nil {
				return err
			}
			members, err := json.Marshal(d.Members)
			if err != nil {
				return err
			}
			options, err := json.Marshal(d.DefaultOptions)
			if err != nil {
				return err
			}
			_, err = stmt.ExecContext(ctx,
				d.Name, d.IsClass, d.DeviceURI, d.PPDName, d.Info,
				d.Location, d.GeoLocation, d.Organization, d.Accepting,
				d.Shared, d.IsDefault, d.State, d.StateMessage,
				string(reasons), d.JobSheets, d.OpPolicy, d.ErrorPolicy,
				string(allow), string(deny),
				int64(d.QuotaPeriod/time.Second), d.KLimit, d.PageLimit,
				string(members), string(options),
				nullTime(d.CreatedAt), nullTime(d.UpdatedAt))
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadPrinters reads persisted destinations plus the default name.
func (s *Store) LoadPrinters(ctx context.Context) ([]*registry.Destination, string, error) {
	var out []*registry.Destination
	defaultName := ""
	err := s.WithTx(ctx, true, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT name, is_class, device_uri, ppd_name, info, location,
				geo_location, organization, accepting, shared, is_default,
				state, state_message, state_reasons, job_sheets, op_policy,
				error_policy, allow_users, deny_users, quota_period,
				k_limit, page_limit, members, default_options,
				created_at, updated_at
			FROM printers ORDER BY name`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			d := &registry.Destination{}
			var reasons, allow, deny, members, options sql.NullString
			var quotaSeconds int64
			var created, updated sql.NullTime
			if err := rows.Scan(&d.Name, &d.IsClass, &d.DeviceURI,
				&d.PPDName, &d.Info, &d.Location, &d.GeoLocation,
				&d.Organization, &d.Accepting, &d.Shared, &d.IsDefault,
				&d.State, &d.StateMessage, &reasons, &d.JobSheets,
				&d.OpPolicy, &d.ErrorPolicy, &allow, &deny,
				&quotaSeconds, &d.KLimit, &d.PageLimit,
				&members, &options, &created, &updated); err != nil {
				return err
			}
			unmarshalList(reasons, &d.StateReasons)
			unmarshalList(allow, &d.AllowUsers)
			unmarshalList(deny, &d.DenyUsers)
			unmarshalList(members, &d.Members)
			if options.Valid && options.String != "" {
				_ = json.Unmarshal([]byte(options.String), &d.DefaultOptions)
			}
			d.QuotaPeriod = time.Duration(quotaSeconds) * time.Second
			d.CreatedAt = created.Time
			d.UpdatedAt = updated.Time
			if d.IsDefault {
				defaultName = d.Name
			}
			out = append(out, d)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, "", err
	}
	return out, defaultName, nil
}

func unmarshalList(src sql.NullString, dst *[]string) {
	if src.Valid && src.String != "" {
		_ = json.Unmarshal([]byte(src.String), dst)
	}
}

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/artpar/geogate/domain/meter"
	"github.com/artpar/geogate/ports"
)

// MeterStore implements ports.MeterStore using SQLite.
//
// Admission decisions read and rewrite a single row; a store-level mutex
// plus one transaction per decision keeps concurrent callers for the same
// (url, referrer) pair on a single serialized window sequence.
type MeterStore struct {
	db *DB
	mu sync.Mutex
}

// NewMeterStore creates a new SQLite meter store.
func NewMeterStore(db *DB) *MeterStore {
	return &MeterStore{db: db}
}

// Init drops all meter rows and inserts the given set.
func (s *MeterStore) Init(ctx context.Context, rows []meter.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin meter init: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM meter_rows`); err != nil {
		return fmt.Errorf("clear meter rows: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO meter_rows (id, url, referrer, count, rate, time, total, rejected)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare meter insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		_, err := stmt.ExecContext(ctx, r.ID, r.URL, r.Referrer,
			r.WindowCount, r.Rate, r.WindowStart, r.Total, r.Rejected)
		if err != nil {
			return fmt.Errorf("insert meter row %s/%s: %w", r.URL, r.Referrer, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit meter init: %w", err)
	}
	return nil
}

// Admit applies one admission decision to the row identified by key.
func (s *MeterStore) Admit(ctx context.Context, key meter.Key, cfg meter.Config, now float64) (meter.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return meter.Outcome{}, fmt.Errorf("begin meter admit: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT id, count, rate, time, total, rejected
		FROM meter_rows
		WHERE url = ? AND referrer = ?
	`, key.URL, key.Referrer)

	state := meter.Row{URL: key.URL, Referrer: key.Referrer}
	err = row.Scan(&state.ID, &state.WindowCount, &state.Rate,
		&state.WindowStart, &state.Total, &state.Rejected)
	if errors.Is(err, sql.ErrNoRows) {
		return meter.Outcome{}, fmt.Errorf("no meter row for %s / %s", key.URL, key.Referrer)
	}
	if err != nil {
		return meter.Outcome{}, fmt.Errorf("read meter row: %w", err)
	}

	outcome, next := meter.Admit(state, cfg, now)

	_, err = tx.ExecContext(ctx, `
		UPDATE meter_rows
		SET count = ?, rate = ?, time = ?, total = ?, rejected = ?
		WHERE id = ?
	`, next.WindowCount, next.Rate, next.WindowStart, next.Total, next.Rejected, next.ID)
	if err != nil {
		return meter.Outcome{}, fmt.Errorf("write meter row: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return meter.Outcome{}, fmt.Errorf("commit meter admit: %w", err)
	}
	return outcome, nil
}

// Snapshot returns all meter rows ordered by url then referrer.
func (s *MeterStore) Snapshot(ctx context.Context) ([]meter.Row, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, url, referrer, count, rate, time, total, rejected
		FROM meter_rows
		ORDER BY url, referrer
	`)
	if err != nil {
		return nil, fmt.Errorf("query meter rows: %w", err)
	}
	defer rows.Close()

	var out []meter.Row
	for rows.Next() {
		var r meter.Row
		err := rows.Scan(&r.ID, &r.URL, &r.Referrer,
			&r.WindowCount, &r.Rate, &r.WindowStart, &r.Total, &r.Rejected)
		if err != nil {
			return nil, fmt.Errorf("scan meter row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Ensure interface compliance.
var _ ports.MeterStore = (*MeterStore)(nil)

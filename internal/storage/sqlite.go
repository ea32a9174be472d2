package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

//go:embed schema/sqlite.sql
var sqliteSchema string

// SQLiteStore is the embedded single-node backend. Times are stored as unix
// nanoseconds and decimals as their canonical string form.
type SQLiteStore struct {
	db *sqlx.DB
}

type observationRow struct {
	ID            int64  `db:"id"`
	DestinationID int64  `db:"destination_id"`
	SourceID      string `db:"source_id"`
	Price         string `db:"price"`
	Currency      string `db:"currency"`
	ObservedAt    int64  `db:"observed_at"`
	SourceTS      int64  `db:"source_ts"`
	RecordedAt    int64  `db:"recorded_at"`
}

func (r observationRow) model() (Observation, error) {
	price, err := decimal.NewFromString(r.Price)
	if err != nil {
		return Observation{}, fmt.Errorf("parse price: %w", err)
	}
	return Observation{
		ID:            r.ID,
		DestinationID: r.DestinationID,
		SourceID:      r.SourceID,
		Price:         price,
		Currency:      r.Currency,
		ObservedAt:    fromNanos(r.ObservedAt),
		SourceTime:    fromNanos(r.SourceTS),
		RecordedAt:    fromNanos(r.RecordedAt),
	}, nil
}

type alertRow struct {
	ID              int64         `db:"id"`
	OwnerID         int64         `db:"owner_id"`
	DestinationID   int64         `db:"destination_id"`
	Threshold       string        `db:"threshold_price"`
	Direction       string        `db:"direction"`
	Channel         string        `db:"channel"`
	Active          bool          `db:"active"`
	LastFiredAt     sql.NullInt64 `db:"last_fired_at"`
	CooldownSeconds int64         `db:"cooldown_seconds"`
	CreatedAt       int64         `db:"created_at"`
	UpdatedAt       int64         `db:"updated_at"`
}

func (r alertRow) model() (Alert, error) {
	threshold, err := decimal.NewFromString(r.Threshold)
	if err != nil {
		return Alert{}, fmt.Errorf("parse threshold: %w", err)
	}
	return Alert{
		ID:            r.ID,
		OwnerID:       r.OwnerID,
		DestinationID: r.DestinationID,
		Threshold:     threshold,
		Direction:     Direction(r.Direction),
		Channel:       Channel(r.Channel),
		Active:        r.Active,
		LastFiredAt:   nullNanosPtr(r.LastFiredAt),
		Cooldown:      time.Duration(r.CooldownSeconds) * time.Second,
		CreatedAt:     fromNanos(r.CreatedAt),
		UpdatedAt:     fromNanos(r.UpdatedAt),
	}, nil
}

type attemptRow struct {
	ID            string        `db:"id"`
	AlertID       int64         `db:"alert_id"`
	ObservationID int64         `db:"observation_id"`
	Channel       string        `db:"channel"`
	Status        string        `db:"status"`
	AttemptCount  int           `db:"attempt_count"`
	LastError     string        `db:"last_error"`
	NextAttemptAt sql.NullInt64 `db:"next_attempt_at"`
	CreatedAt     int64         `db:"created_at"`
	UpdatedAt     int64         `db:"updated_at"`
}

func (r attemptRow) model() NotificationAttempt {
	return NotificationAttempt{
		ID:            r.ID,
		AlertID:       r.AlertID,
		ObservationID: r.ObservationID,
		Channel:       Channel(r.Channel),
		Status:        AttemptStatus(r.Status),
		AttemptCount:  r.AttemptCount,
		LastError:     r.LastError,
		NextAttemptAt: nullNanosPtr(r.NextAttemptAt),
		CreatedAt:     fromNanos(r.CreatedAt),
		UpdatedAt:     fromNanos(r.UpdatedAt),
	}
}

type destinationRow struct {
	ID          int64  `db:"id"`
	Name        string `db:"name"`
	RouteKey    string `db:"route_key"`
	Source      string `db:"source"`
	PollSeconds int64  `db:"poll_interval_seconds"`
	Tracked     bool   `db:"tracked"`
}

func (r destinationRow) model() Destination {
	return Destination{
		ID:           r.ID,
		Name:         r.Name,
		RouteKey:     r.RouteKey,
		Source:       r.Source,
		PollInterval: time.Duration(r.PollSeconds) * time.Second,
		Tracked:      r.Tracked,
	}
}

type recipientRow struct {
	OwnerID        int64  `db:"owner_id"`
	Email          string `db:"email"`
	Phone          string `db:"phone"`
	PushEndpoint   string `db:"push_endpoint"`
	PushP256dh     string `db:"push_p256dh"`
	PushAuth       string `db:"push_auth"`
	TelegramChatID string `db:"telegram_chat_id"`
}

func (r recipientRow) model() Recipient {
	return Recipient(r)
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
// ":memory:" yields a private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// one connection: sqlite allows a single writer and :memory: is per connection
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
}

// Migrate applies the embedded schema.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("apply sqlite schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendObservation(ctx context.Context, obs Observation) (Observation, bool, error) {
	obs.SourceTime = obs.SourceTime.UTC().Truncate(time.Microsecond)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return Observation{}, false, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var existing observationRow
	err = tx.GetContext(ctx, &existing, `
		SELECT * FROM price_observations
		WHERE destination_id = ? AND source_id = ? AND source_ts = ? AND price = ? AND currency = ?`,
		obs.DestinationID, obs.SourceID, obs.SourceTime.UnixNano(), obs.Price.String(), obs.Currency)
	switch {
	case err == nil:
		stored, convErr := existing.model()
		return stored, false, convErr
	case !errors.Is(err, sql.ErrNoRows):
		return Observation{}, false, fmt.Errorf("check duplicate observation: %w", err)
	}

	var prev sql.NullInt64
	err = tx.GetContext(ctx, &prev, `
		SELECT observed_at FROM price_observations
		WHERE destination_id = ? AND source_id = ?
		ORDER BY id DESC LIMIT 1`, obs.DestinationID, obs.SourceID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Observation{}, false, fmt.Errorf("read latest observed_at: %w", err)
	}
	obs.ObservedAt = obs.SourceTime
	if prev.Valid && prev.Int64 > obs.SourceTime.UnixNano() {
		obs.ObservedAt = fromNanos(prev.Int64)
	}
	obs.RecordedAt = time.Now().UTC()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO price_observations (
			destination_id, source_id, price, currency, observed_at, source_ts, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		obs.DestinationID, obs.SourceID, obs.Price.String(), obs.Currency,
		obs.ObservedAt.UnixNano(), obs.SourceTime.UnixNano(), obs.RecordedAt.UnixNano())
	if err != nil {
		return Observation{}, false, fmt.Errorf("insert observation: %w", err)
	}
	if obs.ID, err = res.LastInsertId(); err != nil {
		return Observation{}, false, fmt.Errorf("read observation id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Observation{}, false, fmt.Errorf("commit append: %w", err)
	}
	obs.ObservedAt = obs.ObservedAt.UTC()
	return obs, true, nil
}

func (s *SQLiteStore) LatestObservation(ctx context.Context, destinationID int64) (*Observation, error) {
	trend, err := s.WindowedTrend(ctx, destinationID, 1)
	if err != nil {
		return nil, err
	}
	if len(trend) == 0 {
		return nil, nil
	}
	return &trend[0], nil
}

func (s *SQLiteStore) ObservationBefore(ctx context.Context, destinationID, id int64) (*Observation, error) {
	var row observationRow
	err := s.db.GetContext(ctx, &row, `
		SELECT * FROM price_observations
		WHERE destination_id = ? AND id < ?
		ORDER BY id DESC
		LIMIT 1`, destinationID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("observation before %d: %w", id, err)
	}
	obs, err := row.model()
	if err != nil {
		return nil, err
	}
	return &obs, nil
}

func (s *SQLiteStore) WindowedTrend(ctx context.Context, destinationID int64, window int) ([]Observation, error) {
	if window <= 0 {
		return []Observation{}, nil
	}
	var rows []observationRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM price_observations
		WHERE destination_id = ?
		ORDER BY id DESC
		LIMIT ?`, destinationID, window); err != nil {
		return nil, fmt.Errorf("windowed trend: %w", err)
	}
	return observationsFromRows(rows)
}

func (s *SQLiteStore) ListObservationsBetween(ctx context.Context, destinationID int64, from, to time.Time) ([]Observation, error) {
	var rows []observationRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM price_observations
		WHERE destination_id = ? AND observed_at >= ? AND observed_at < ?
		ORDER BY id`, destinationID, from.UnixNano(), to.UnixNano()); err != nil {
		return nil, fmt.Errorf("list observations between: %w", err)
	}
	return observationsFromRows(rows)
}

func (s *SQLiteStore) PurgeObservationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM price_observations
		WHERE recorded_at < ?
		  AND id NOT IN (SELECT MAX(id) FROM price_observations GROUP BY destination_id)`,
		cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge observations: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) CreateAlert(ctx context.Context, alert Alert) (Alert, error) {
	now := time.Now().UTC().UnixNano()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (
			owner_id, destination_id, threshold_price, direction, channel,
			active, cooldown_seconds, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		alert.OwnerID, alert.DestinationID, alert.Threshold.String(), string(alert.Direction),
		string(alert.Channel), boolToInt(alert.Active), int64(alert.Cooldown/time.Second), now, now)
	if err != nil {
		return Alert{}, fmt.Errorf("insert alert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Alert{}, fmt.Errorf("read alert id: %w", err)
	}
	return s.GetAlert(ctx, id)
}

func (s *SQLiteStore) UpdateAlert(ctx context.Context, alert Alert) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE alerts
		SET threshold_price = ?, direction = ?, channel = ?, active = ?, cooldown_seconds = ?, updated_at = ?
		WHERE id = ?`,
		alert.Threshold.String(), string(alert.Direction), string(alert.Channel),
		boolToInt(alert.Active), int64(alert.Cooldown/time.Second), time.Now().UTC().UnixNano(), alert.ID)
	if err != nil {
		return fmt.Errorf("update alert: %w", err)
	}
	return requireAffected(res)
}

func (s *SQLiteStore) SetAlertActive(ctx context.Context, id int64, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET active = ?, updated_at = ? WHERE id = ?`,
		boolToInt(active), time.Now().UTC().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("set alert active: %w", err)
	}
	return requireAffected(res)
}

func (s *SQLiteStore) DeleteAlert(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM alerts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete alert: %w", err)
	}
	return requireAffected(res)
}

func (s *SQLiteStore) GetAlert(ctx context.Context, id int64) (Alert, error) {
	var row alertRow
	if err := s.db.GetContext(ctx, &row, `SELECT * FROM alerts WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Alert{}, ErrNotFound
		}
		return Alert{}, fmt.Errorf("get alert: %w", err)
	}
	return row.model()
}

func (s *SQLiteStore) ListAlerts(ctx context.Context, destinationID int64) ([]Alert, error) {
	query := `SELECT * FROM alerts ORDER BY id`
	args := []interface{}{}
	if destinationID != 0 {
		query = `SELECT * FROM alerts WHERE destination_id = ? ORDER BY id`
		args = append(args, destinationID)
	}
	return s.selectAlerts(ctx, query, args...)
}

func (s *SQLiteStore) ActiveAlerts(ctx context.Context, destinationID int64) ([]Alert, error) {
	return s.selectAlerts(ctx,
		`SELECT * FROM alerts WHERE destination_id = ? AND active = 1 ORDER BY id`, destinationID)
}

func (s *SQLiteStore) selectAlerts(ctx context.Context, query string, args ...interface{}) ([]Alert, error) {
	var rows []alertRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	alerts := make([]Alert, 0, len(rows))
	for _, row := range rows {
		alert, err := row.model()
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	return alerts, nil
}

func (s *SQLiteStore) FireAlert(ctx context.Context, req FireRequest) (NotificationAttempt, error) {
	firedAt := req.FiredAt.UTC().Truncate(time.Microsecond).UnixNano()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return NotificationAttempt{}, fmt.Errorf("begin fire: %w", err)
	}
	defer tx.Rollback()

	var expected sql.NullInt64
	if req.ExpectedLastFired != nil {
		expected = sql.NullInt64{Int64: req.ExpectedLastFired.UnixNano(), Valid: true}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE alerts
		SET last_fired_at = ?, updated_at = ?
		WHERE id = ? AND active = 1 AND last_fired_at IS ?`,
		firedAt, firedAt, req.AlertID, expected)
	if err != nil {
		return NotificationAttempt{}, fmt.Errorf("update last_fired_at: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return NotificationAttempt{}, ErrConflict
	}

	res, err = tx.ExecContext(ctx, `
		INSERT INTO notification_attempts (
			id, alert_id, observation_id, channel, status, created_at, updated_at
		) VALUES (?, ?, ?, ?, 'pending', ?, ?)
		ON CONFLICT (alert_id, observation_id) DO NOTHING`,
		req.AttemptID, req.AlertID, req.ObservationID, string(req.Channel), firedAt, firedAt)
	if err != nil {
		return NotificationAttempt{}, fmt.Errorf("insert attempt: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return NotificationAttempt{}, ErrConflict
	}

	var row attemptRow
	if err := tx.GetContext(ctx, &row, `SELECT * FROM notification_attempts WHERE id = ?`, req.AttemptID); err != nil {
		return NotificationAttempt{}, fmt.Errorf("reload attempt: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return NotificationAttempt{}, fmt.Errorf("commit fire: %w", err)
	}
	return row.model(), nil
}

func (s *SQLiteStore) GetAttempt(ctx context.Context, id string) (NotificationAttempt, error) {
	var row attemptRow
	if err := s.db.GetContext(ctx, &row, `SELECT * FROM notification_attempts WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return NotificationAttempt{}, ErrNotFound
		}
		return NotificationAttempt{}, fmt.Errorf("get attempt: %w", err)
	}
	return row.model(), nil
}

func (s *SQLiteStore) UpdateAttempt(ctx context.Context, attempt NotificationAttempt) error {
	var next sql.NullInt64
	if attempt.NextAttemptAt != nil {
		next = sql.NullInt64{Int64: attempt.NextAttemptAt.UnixNano(), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE notification_attempts
		SET status = ?, attempt_count = ?, last_error = ?, next_attempt_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'failed')`,
		string(attempt.Status), attempt.AttemptCount, attempt.LastError, next,
		time.Now().UTC().UnixNano(), attempt.ID)
	if err != nil {
		return fmt.Errorf("update attempt: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrConflict
	}
	return nil
}

func (s *SQLiteStore) ListAttempts(ctx context.Context, filter AttemptFilter) ([]NotificationAttempt, error) {
	var (
		conditions []string
		args       []interface{}
	)
	if filter.AlertID != 0 {
		conditions = append(conditions, "alert_id = ?")
		args = append(args, filter.AlertID)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, st := range filter.Statuses {
			statuses = append(statuses, string(st))
		}
		conditions = append(conditions, "status IN (?)")
		args = append(args, statuses)
	}

	query := "SELECT * FROM notification_attempts"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, fmt.Errorf("expand attempt filter: %w", err)
	}

	var rows []attemptRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	attempts := make([]NotificationAttempt, 0, len(rows))
	for _, row := range rows {
		attempts = append(attempts, row.model())
	}
	return attempts, nil
}

func (s *SQLiteStore) LoadDelivery(ctx context.Context, attemptID string) (Delivery, error) {
	attempt, err := s.GetAttempt(ctx, attemptID)
	if err != nil {
		return Delivery{}, err
	}
	alert, err := s.GetAlert(ctx, attempt.AlertID)
	if err != nil {
		return Delivery{}, err
	}
	dest, err := s.GetDestination(ctx, alert.DestinationID)
	if err != nil {
		return Delivery{}, err
	}

	var obsRow observationRow
	if err := s.db.GetContext(ctx, &obsRow, `SELECT * FROM price_observations WHERE id = ?`, attempt.ObservationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Delivery{}, ErrNotFound
		}
		return Delivery{}, fmt.Errorf("load observation: %w", err)
	}
	obs, err := obsRow.model()
	if err != nil {
		return Delivery{}, err
	}

	recipient, err := s.GetRecipient(ctx, alert.OwnerID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Delivery{}, err
	}
	recipient.OwnerID = alert.OwnerID

	return Delivery{
		Attempt:     attempt,
		Alert:       alert,
		Destination: dest,
		Observation: obs,
		Recipient:   recipient,
	}, nil
}

func (s *SQLiteStore) GetDestination(ctx context.Context, id int64) (Destination, error) {
	var row destinationRow
	if err := s.db.GetContext(ctx, &row, `SELECT * FROM destinations WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Destination{}, ErrNotFound
		}
		return Destination{}, fmt.Errorf("get destination: %w", err)
	}
	return row.model(), nil
}

func (s *SQLiteStore) ListDestinations(ctx context.Context, trackedOnly bool) ([]Destination, error) {
	query := `SELECT * FROM destinations ORDER BY id`
	if trackedOnly {
		query = `SELECT * FROM destinations WHERE tracked = 1 ORDER BY id`
	}
	var rows []destinationRow
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("list destinations: %w", err)
	}
	dests := make([]Destination, 0, len(rows))
	for _, row := range rows {
		dests = append(dests, row.model())
	}
	return dests, nil
}

func (s *SQLiteStore) UpsertDestination(ctx context.Context, dest Destination) (Destination, error) {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO destinations (name, route_key, source, poll_interval_seconds, tracked)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			route_key = excluded.route_key,
			source = excluded.source,
			poll_interval_seconds = excluded.poll_interval_seconds,
			tracked = excluded.tracked`,
		dest.Name, dest.RouteKey, dest.Source, int64(dest.PollInterval/time.Second), boolToInt(dest.Tracked),
	); err != nil {
		return Destination{}, fmt.Errorf("upsert destination: %w", err)
	}

	var row destinationRow
	if err := s.db.GetContext(ctx, &row, `SELECT * FROM destinations WHERE name = ?`, dest.Name); err != nil {
		return Destination{}, fmt.Errorf("reload destination: %w", err)
	}
	return row.model(), nil
}

func (s *SQLiteStore) SetDestinationTracked(ctx context.Context, id int64, tracked bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE destinations SET tracked = ? WHERE id = ?`, boolToInt(tracked), id)
	if err != nil {
		return fmt.Errorf("set destination tracked: %w", err)
	}
	return requireAffected(res)
}

func (s *SQLiteStore) LoadScheduleState(ctx context.Context) ([]ScheduleState, error) {
	var rows []struct {
		DestinationID int64 `db:"destination_id"`
		NextDueAt     int64 `db:"next_due_at"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT destination_id, next_due_at FROM schedule_state ORDER BY destination_id`); err != nil {
		return nil, fmt.Errorf("load schedule state: %w", err)
	}
	states := make([]ScheduleState, 0, len(rows))
	for _, row := range rows {
		states = append(states, ScheduleState{DestinationID: row.DestinationID, NextDueAt: fromNanos(row.NextDueAt)})
	}
	return states, nil
}

func (s *SQLiteStore) SaveScheduleState(ctx context.Context, states []ScheduleState) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schedule save: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM schedule_state`); err != nil {
		return fmt.Errorf("clear schedule state: %w", err)
	}

	stmt, err := tx.PreparexContext(ctx, `INSERT INTO schedule_state (destination_id, next_due_at) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare schedule insert: %w", err)
	}
	defer stmt.Close()

	for _, st := range states {
		if _, err := stmt.ExecContext(ctx, st.DestinationID, st.NextDueAt.UTC().UnixNano()); err != nil {
			return fmt.Errorf("save schedule state %d: %w", st.DestinationID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetRecipient(ctx context.Context, ownerID int64) (Recipient, error) {
	var row recipientRow
	if err := s.db.GetContext(ctx, &row, `SELECT * FROM alert_recipients WHERE owner_id = ?`, ownerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Recipient{}, ErrNotFound
		}
		return Recipient{}, fmt.Errorf("get recipient: %w", err)
	}
	return row.model(), nil
}

func (s *SQLiteStore) UpsertRecipient(ctx context.Context, r Recipient) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO alert_recipients (
			owner_id, email, phone, push_endpoint, push_p256dh, push_auth, telegram_chat_id
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.OwnerID, r.Email, r.Phone, r.PushEndpoint, r.PushP256dh, r.PushAuth, r.TelegramChatID,
	); err != nil {
		return fmt.Errorf("upsert recipient: %w", err)
	}
	return nil
}

func observationsFromRows(rows []observationRow) ([]Observation, error) {
	observations := make([]Observation, 0, len(rows))
	for _, row := range rows {
		obs, err := row.model()
		if err != nil {
			return nil, err
		}
		observations = append(observations, obs)
	}
	return observations, nil
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func fromNanos(v int64) time.Time {
	return time.Unix(0, v).UTC()
}

func nullNanosPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromNanos(v.Int64)
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Backend = (*SQLiteStore)(nil)

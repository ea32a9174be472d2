package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

//go:embed schema/postgres.sql
var postgresSchema string

const (
	latestObservedAtSQL = `SELECT observed_at
    FROM price_observations
    WHERE destination_id = $1 AND source_id = $2
    ORDER BY id DESC
    LIMIT 1;`

	insertObservationSQL = `INSERT INTO price_observations (
        destination_id,
        source_id,
        price,
        currency,
        observed_at,
        source_ts
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    ON CONFLICT (destination_id, source_id, source_ts, price, currency) DO NOTHING
    RETURNING id, observed_at, recorded_at;`

	observationColumns = `id, destination_id, source_id, price::text, currency, observed_at, source_ts, recorded_at`

	findObservationSQL = `SELECT ` + observationColumns + `
    FROM price_observations
    WHERE destination_id = $1
      AND source_id = $2
      AND source_ts = $3
      AND price = $4
      AND currency = $5;`

	windowedTrendSQL = `SELECT ` + observationColumns + `
    FROM price_observations
    WHERE destination_id = $1
    ORDER BY id DESC
    LIMIT $2;`

	observationBeforeSQL = `SELECT ` + observationColumns + `
    FROM price_observations
    WHERE destination_id = $1
      AND id < $2
    ORDER BY id DESC
    LIMIT 1;`

	listObservationsBetweenSQL = `SELECT ` + observationColumns + `
    FROM price_observations
    WHERE destination_id = $1
      AND observed_at >= $2
      AND observed_at < $3
    ORDER BY id;`

	purgeObservationsSQL = `DELETE FROM price_observations
    WHERE recorded_at < $1
      AND id NOT IN (SELECT MAX(id) FROM price_observations GROUP BY destination_id);`

	alertColumns = `id, owner_id, destination_id, threshold_price::text, direction, channel, active, last_fired_at, cooldown_seconds, created_at, updated_at`

	insertAlertSQL = `INSERT INTO alerts (
        owner_id,
        destination_id,
        threshold_price,
        direction,
        channel,
        active,
        cooldown_seconds
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    RETURNING ` + alertColumns + `;`

	updateAlertSQL = `UPDATE alerts
    SET threshold_price  = $2,
        direction        = $3,
        channel          = $4,
        active           = $5,
        cooldown_seconds = $6,
        updated_at       = NOW()
    WHERE id = $1;`

	setAlertActiveSQL = `UPDATE alerts SET active = $2, updated_at = NOW() WHERE id = $1;`
	deleteAlertSQL    = `DELETE FROM alerts WHERE id = $1;`
	getAlertSQL       = `SELECT ` + alertColumns + ` FROM alerts WHERE id = $1;`

	listAlertsSQL = `SELECT ` + alertColumns + `
    FROM alerts
    WHERE ($1::bigint = 0 OR destination_id = $1)
    ORDER BY id;`

	activeAlertsSQL = `SELECT ` + alertColumns + `
    FROM alerts
    WHERE destination_id = $1 AND active
    ORDER BY id;`

	fireAlertSQL = `UPDATE alerts
    SET last_fired_at = $2, updated_at = NOW()
    WHERE id = $1
      AND active
      AND last_fired_at IS NOT DISTINCT FROM $3;`

	attemptColumns = `id::text, alert_id, observation_id, channel, status, attempt_count, last_error, next_attempt_at, created_at, updated_at`

	insertAttemptSQL = `INSERT INTO notification_attempts (
        id,
        alert_id,
        observation_id,
        channel,
        status,
        created_at,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,'pending',$5,$5
    )
    ON CONFLICT (alert_id, observation_id) DO NOTHING
    RETURNING ` + attemptColumns + `;`

	getAttemptSQL = `SELECT ` + attemptColumns + ` FROM notification_attempts WHERE id = $1;`

	updateAttemptSQL = `UPDATE notification_attempts
    SET status          = $2,
        attempt_count   = $3,
        last_error      = $4,
        next_attempt_at = $5,
        updated_at      = NOW()
    WHERE id = $1
      AND status IN ('pending', 'failed');`

	listAttemptsSQL = `SELECT ` + attemptColumns + `
    FROM notification_attempts
    WHERE ($1::bigint = 0 OR alert_id = $1)
      AND (cardinality($2::text[]) = 0 OR status = ANY($2::text[]))
    ORDER BY created_at DESC
    LIMIT $3;`

	loadDeliverySQL = `SELECT
        n.id::text, n.alert_id, n.observation_id, n.channel, n.status, n.attempt_count, n.last_error, n.next_attempt_at, n.created_at, n.updated_at,
        a.id, a.owner_id, a.destination_id, a.threshold_price::text, a.direction, a.channel, a.active, a.last_fired_at, a.cooldown_seconds, a.created_at, a.updated_at,
        d.id, d.name, d.route_key, d.source, d.poll_interval_seconds, d.tracked,
        o.id, o.destination_id, o.source_id, o.price::text, o.currency, o.observed_at, o.source_ts, o.recorded_at,
        COALESCE(r.email, ''), COALESCE(r.phone, ''), COALESCE(r.push_endpoint, ''),
        COALESCE(r.push_p256dh, ''), COALESCE(r.push_auth, ''), COALESCE(r.telegram_chat_id, '')
    FROM notification_attempts n
    JOIN alerts a ON a.id = n.alert_id
    JOIN destinations d ON d.id = a.destination_id
    JOIN price_observations o ON o.id = n.observation_id
    LEFT JOIN alert_recipients r ON r.owner_id = a.owner_id
    WHERE n.id = $1;`

	destinationColumns = `id, name, route_key, source, poll_interval_seconds, tracked`

	getDestinationSQL = `SELECT ` + destinationColumns + ` FROM destinations WHERE id = $1;`

	listDestinationsSQL = `SELECT ` + destinationColumns + `
    FROM destinations
    WHERE (NOT $1 OR tracked)
    ORDER BY id;`

	upsertDestinationSQL = `INSERT INTO destinations (
        name,
        route_key,
        source,
        poll_interval_seconds,
        tracked
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    ON CONFLICT (name) DO UPDATE
    SET route_key             = EXCLUDED.route_key,
        source                = EXCLUDED.source,
        poll_interval_seconds = EXCLUDED.poll_interval_seconds,
        tracked               = EXCLUDED.tracked
    RETURNING ` + destinationColumns + `;`

	setDestinationTrackedSQL = `UPDATE destinations SET tracked = $2 WHERE id = $1;`

	loadScheduleSQL   = `SELECT destination_id, next_due_at FROM schedule_state ORDER BY destination_id;`
	clearScheduleSQL  = `DELETE FROM schedule_state;`
	insertScheduleSQL = `INSERT INTO schedule_state (destination_id, next_due_at) VALUES ($1, $2);`

	getRecipientSQL = `SELECT owner_id, email, phone, push_endpoint, push_p256dh, push_auth, telegram_chat_id
    FROM alert_recipients
    WHERE owner_id = $1;`

	upsertRecipientSQL = `INSERT INTO alert_recipients (
        owner_id,
        email,
        phone,
        push_endpoint,
        push_p256dh,
        push_auth,
        telegram_chat_id
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    ON CONFLICT (owner_id) DO UPDATE
    SET email            = EXCLUDED.email,
        phone            = EXCLUDED.phone,
        push_endpoint    = EXCLUDED.push_endpoint,
        push_p256dh      = EXCLUDED.push_p256dh,
        push_auth        = EXCLUDED.push_auth,
        telegram_chat_id = EXCLUDED.telegram_chat_id;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// Store is the PostgreSQL backend.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("apply postgres schema: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock still releases the session lock when the connection closes
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// AppendObservation persists an observation unless an identical one exists.
func (s *Store) AppendObservation(ctx context.Context, obs Observation) (Observation, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return Observation{}, false, err
	}

	obs.SourceTime = obs.SourceTime.UTC().Truncate(time.Microsecond)

	tx, err := pool.Begin(ctx)
	if err != nil {
		return Observation{}, false, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var prev sql.NullTime
	if scanErr := tx.QueryRow(ctx, latestObservedAtSQL, obs.DestinationID, obs.SourceID).Scan(&prev); scanErr != nil && !errors.Is(scanErr, pgx.ErrNoRows) {
		return Observation{}, false, fmt.Errorf("read latest observed_at: %w", scanErr)
	}
	obs.ObservedAt = monotonicObservedAt(obs.SourceTime, prev)

	row := tx.QueryRow(ctx, insertObservationSQL,
		obs.DestinationID,
		obs.SourceID,
		obs.Price.String(),
		obs.Currency,
		obs.ObservedAt,
		obs.SourceTime,
	)
	scanErr := row.Scan(&obs.ID, &obs.ObservedAt, &obs.RecordedAt)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		existing, findErr := scanObservation(tx.QueryRow(ctx, findObservationSQL,
			obs.DestinationID, obs.SourceID, obs.SourceTime, obs.Price.String(), obs.Currency))
		if findErr != nil {
			return Observation{}, false, fmt.Errorf("load duplicate observation: %w", findErr)
		}
		return existing, false, nil
	}
	if scanErr != nil {
		return Observation{}, false, fmt.Errorf("insert observation: %w", scanErr)
	}

	if err := tx.Commit(ctx); err != nil {
		return Observation{}, false, fmt.Errorf("commit append: %w", err)
	}
	return obs, true, nil
}

// LatestObservation returns the most recently inserted observation or nil.
func (s *Store) LatestObservation(ctx context.Context, destinationID int64) (*Observation, error) {
	trend, err := s.WindowedTrend(ctx, destinationID, 1)
	if err != nil {
		return nil, err
	}
	if len(trend) == 0 {
		return nil, nil
	}
	return &trend[0], nil
}

// ObservationBefore returns the predecessor of id in insertion order, or nil.
func (s *Store) ObservationBefore(ctx context.Context, destinationID, id int64) (*Observation, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	obs, err := scanObservation(pool.QueryRow(ctx, observationBeforeSQL, destinationID, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("observation before %d: %w", id, err)
	}
	return &obs, nil
}

// WindowedTrend lists up to window observations, newest insertion first.
func (s *Store) WindowedTrend(ctx context.Context, destinationID int64, window int) ([]Observation, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	if window <= 0 {
		return []Observation{}, nil
	}

	rows, queryErr := pool.Query(ctx, windowedTrendSQL, destinationID, window)
	if queryErr != nil {
		return nil, fmt.Errorf("windowed trend: %w", queryErr)
	}
	return collectObservations(rows, window)
}

// ListObservationsBetween lists observations within a time window in insertion order.
func (s *Store) ListObservationsBetween(ctx context.Context, destinationID int64, from, to time.Time) ([]Observation, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listObservationsBetweenSQL, destinationID, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list observations between: %w", queryErr)
	}
	return collectObservations(rows, 0)
}

// PurgeObservationsBefore applies the retention policy.
func (s *Store) PurgeObservationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, purgeObservationsSQL, cutoff)
	if execErr != nil {
		return 0, fmt.Errorf("purge observations: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

// CreateAlert inserts a new alert.
func (s *Store) CreateAlert(ctx context.Context, alert Alert) (Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return Alert{}, err
	}

	created, scanErr := scanAlert(pool.QueryRow(ctx, insertAlertSQL,
		alert.OwnerID,
		alert.DestinationID,
		alert.Threshold.String(),
		string(alert.Direction),
		string(alert.Channel),
		alert.Active,
		int64(alert.Cooldown/time.Second),
	))
	if scanErr != nil {
		return Alert{}, fmt.Errorf("insert alert: %w", scanErr)
	}
	return created, nil
}

// UpdateAlert rewrites the CRUD-owned fields of an alert.
func (s *Store) UpdateAlert(ctx context.Context, alert Alert) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, execErr := pool.Exec(ctx, updateAlertSQL,
		alert.ID,
		alert.Threshold.String(),
		string(alert.Direction),
		string(alert.Channel),
		alert.Active,
		int64(alert.Cooldown/time.Second),
	)
	if execErr != nil {
		return fmt.Errorf("update alert: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetAlertActive toggles an alert.
func (s *Store) SetAlertActive(ctx context.Context, id int64, active bool) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, execErr := pool.Exec(ctx, setAlertActiveSQL, id, active)
	if execErr != nil {
		return fmt.Errorf("set alert active: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAlert removes an alert. Attempts stay for auditing.
func (s *Store) DeleteAlert(ctx context.Context, id int64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, execErr := pool.Exec(ctx, deleteAlertSQL, id)
	if execErr != nil {
		return fmt.Errorf("delete alert: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetAlert loads one alert.
func (s *Store) GetAlert(ctx context.Context, id int64) (Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return Alert{}, err
	}
	alert, scanErr := scanAlert(pool.QueryRow(ctx, getAlertSQL, id))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return Alert{}, ErrNotFound
	}
	if scanErr != nil {
		return Alert{}, fmt.Errorf("get alert: %w", scanErr)
	}
	return alert, nil
}

// ListAlerts lists alerts of one destination or all of them.
func (s *Store) ListAlerts(ctx context.Context, destinationID int64) ([]Alert, error) {
	return s.queryAlerts(ctx, listAlertsSQL, destinationID)
}

// ActiveAlerts lists the active alerts of a destination.
func (s *Store) ActiveAlerts(ctx context.Context, destinationID int64) ([]Alert, error) {
	return s.queryAlerts(ctx, activeAlertsSQL, destinationID)
}

func (s *Store) queryAlerts(ctx context.Context, query string, destinationID int64) ([]Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, query, destinationID)
	if queryErr != nil {
		return nil, fmt.Errorf("list alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]Alert, 0)
	for rows.Next() {
		alert, scanErr := scanAlert(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		alerts = append(alerts, alert)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// FireAlert records a fire: conditional last_fired_at update plus a pending attempt.
func (s *Store) FireAlert(ctx context.Context, req FireRequest) (NotificationAttempt, error) {
	pool, err := s.getPool()
	if err != nil {
		return NotificationAttempt{}, err
	}
	attemptID, err := uuid.Parse(req.AttemptID)
	if err != nil {
		return NotificationAttempt{}, fmt.Errorf("parse attempt id: %w", err)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return NotificationAttempt{}, fmt.Errorf("begin fire: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	req.FiredAt = req.FiredAt.UTC().Truncate(time.Microsecond)
	var expected interface{}
	if req.ExpectedLastFired != nil {
		expected = *req.ExpectedLastFired
	}

	tag, execErr := tx.Exec(ctx, fireAlertSQL, req.AlertID, req.FiredAt, expected)
	if execErr != nil {
		return NotificationAttempt{}, fmt.Errorf("update last_fired_at: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return NotificationAttempt{}, ErrConflict
	}

	attempt, scanErr := scanAttempt(tx.QueryRow(ctx, insertAttemptSQL,
		attemptID,
		req.AlertID,
		req.ObservationID,
		string(req.Channel),
		req.FiredAt,
	))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return NotificationAttempt{}, ErrConflict
	}
	if scanErr != nil {
		return NotificationAttempt{}, fmt.Errorf("insert attempt: %w", scanErr)
	}

	if err := tx.Commit(ctx); err != nil {
		return NotificationAttempt{}, fmt.Errorf("commit fire: %w", err)
	}
	return attempt, nil
}

// GetAttempt loads one attempt.
func (s *Store) GetAttempt(ctx context.Context, id string) (NotificationAttempt, error) {
	pool, err := s.getPool()
	if err != nil {
		return NotificationAttempt{}, err
	}
	attemptID, err := uuid.Parse(id)
	if err != nil {
		return NotificationAttempt{}, ErrNotFound
	}
	attempt, scanErr := scanAttempt(pool.QueryRow(ctx, getAttemptSQL, attemptID))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return NotificationAttempt{}, ErrNotFound
	}
	if scanErr != nil {
		return NotificationAttempt{}, fmt.Errorf("get attempt: %w", scanErr)
	}
	return attempt, nil
}

// UpdateAttempt persists a non-terminal attempt transition.
func (s *Store) UpdateAttempt(ctx context.Context, attempt NotificationAttempt) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	attemptID, err := uuid.Parse(attempt.ID)
	if err != nil {
		return fmt.Errorf("parse attempt id: %w", err)
	}

	var next interface{}
	if attempt.NextAttemptAt != nil {
		next = *attempt.NextAttemptAt
	}

	tag, execErr := pool.Exec(ctx, updateAttemptSQL,
		attemptID,
		string(attempt.Status),
		attempt.AttemptCount,
		attempt.LastError,
		next,
	)
	if execErr != nil {
		return fmt.Errorf("update attempt: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// ListAttempts lists attempts newest first.
func (s *Store) ListAttempts(ctx context.Context, filter AttemptFilter) ([]NotificationAttempt, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	statuses := make([]string, 0, len(filter.Statuses))
	for _, st := range filter.Statuses {
		statuses = append(statuses, string(st))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}

	rows, queryErr := pool.Query(ctx, listAttemptsSQL, filter.AlertID, statuses, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list attempts: %w", queryErr)
	}
	defer rows.Close()

	attempts := make([]NotificationAttempt, 0)
	for rows.Next() {
		attempt, scanErr := scanAttempt(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		attempts = append(attempts, attempt)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return attempts, nil
}

// LoadDelivery joins an attempt with its alert, destination, observation and recipient.
func (s *Store) LoadDelivery(ctx context.Context, attemptID string) (Delivery, error) {
	pool, err := s.getPool()
	if err != nil {
		return Delivery{}, err
	}
	id, err := uuid.Parse(attemptID)
	if err != nil {
		return Delivery{}, ErrNotFound
	}

	var (
		d                                         Delivery
		nextAttempt, lastFired                    sql.NullTime
		thresholdStr, priceStr                    string
		channel, status, direction, alertChannel  string
		cooldownSeconds, pollSeconds              int64
	)
	scanErr := pool.QueryRow(ctx, loadDeliverySQL, id).Scan(
		&d.Attempt.ID, &d.Attempt.AlertID, &d.Attempt.ObservationID, &channel, &status,
		&d.Attempt.AttemptCount, &d.Attempt.LastError, &nextAttempt, &d.Attempt.CreatedAt, &d.Attempt.UpdatedAt,
		&d.Alert.ID, &d.Alert.OwnerID, &d.Alert.DestinationID, &thresholdStr, &direction, &alertChannel,
		&d.Alert.Active, &lastFired, &cooldownSeconds, &d.Alert.CreatedAt, &d.Alert.UpdatedAt,
		&d.Destination.ID, &d.Destination.Name, &d.Destination.RouteKey, &d.Destination.Source, &pollSeconds, &d.Destination.Tracked,
		&d.Observation.ID, &d.Observation.DestinationID, &d.Observation.SourceID, &priceStr, &d.Observation.Currency,
		&d.Observation.ObservedAt, &d.Observation.SourceTime, &d.Observation.RecordedAt,
		&d.Recipient.Email, &d.Recipient.Phone, &d.Recipient.PushEndpoint,
		&d.Recipient.PushP256dh, &d.Recipient.PushAuth, &d.Recipient.TelegramChatID,
	)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return Delivery{}, ErrNotFound
	}
	if scanErr != nil {
		return Delivery{}, fmt.Errorf("load delivery: %w", scanErr)
	}

	d.Attempt.Channel = Channel(channel)
	d.Attempt.Status = AttemptStatus(status)
	d.Attempt.NextAttemptAt = nullTimePtr(nextAttempt)
	d.Alert.Direction = Direction(direction)
	d.Alert.Channel = Channel(alertChannel)
	d.Alert.LastFiredAt = nullTimePtr(lastFired)
	d.Alert.Cooldown = time.Duration(cooldownSeconds) * time.Second
	d.Destination.PollInterval = time.Duration(pollSeconds) * time.Second
	d.Recipient.OwnerID = d.Alert.OwnerID

	if d.Alert.Threshold, err = decimal.NewFromString(thresholdStr); err != nil {
		return Delivery{}, fmt.Errorf("parse threshold: %w", err)
	}
	if d.Observation.Price, err = decimal.NewFromString(priceStr); err != nil {
		return Delivery{}, fmt.Errorf("parse price: %w", err)
	}
	return d, nil
}

// GetDestination loads one destination.
func (s *Store) GetDestination(ctx context.Context, id int64) (Destination, error) {
	pool, err := s.getPool()
	if err != nil {
		return Destination{}, err
	}
	dest, scanErr := scanDestination(pool.QueryRow(ctx, getDestinationSQL, id))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return Destination{}, ErrNotFound
	}
	if scanErr != nil {
		return Destination{}, fmt.Errorf("get destination: %w", scanErr)
	}
	return dest, nil
}

// ListDestinations lists destinations, optionally tracked ones only.
func (s *Store) ListDestinations(ctx context.Context, trackedOnly bool) ([]Destination, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listDestinationsSQL, trackedOnly)
	if queryErr != nil {
		return nil, fmt.Errorf("list destinations: %w", queryErr)
	}
	defer rows.Close()

	dests := make([]Destination, 0)
	for rows.Next() {
		dest, scanErr := scanDestination(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		dests = append(dests, dest)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return dests, nil
}

// UpsertDestination registers or updates a destination by name.
func (s *Store) UpsertDestination(ctx context.Context, dest Destination) (Destination, error) {
	pool, err := s.getPool()
	if err != nil {
		return Destination{}, err
	}
	stored, scanErr := scanDestination(pool.QueryRow(ctx, upsertDestinationSQL,
		dest.Name,
		dest.RouteKey,
		dest.Source,
		int64(dest.PollInterval/time.Second),
		dest.Tracked,
	))
	if scanErr != nil {
		return Destination{}, fmt.Errorf("upsert destination: %w", scanErr)
	}
	return stored, nil
}

// SetDestinationTracked toggles tracking of a destination.
func (s *Store) SetDestinationTracked(ctx context.Context, id int64, tracked bool) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, execErr := pool.Exec(ctx, setDestinationTrackedSQL, id, tracked)
	if execErr != nil {
		return fmt.Errorf("set destination tracked: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// LoadScheduleState returns the persisted next-due times.
func (s *Store) LoadScheduleState(ctx context.Context) ([]ScheduleState, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, loadScheduleSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("load schedule state: %w", queryErr)
	}
	defer rows.Close()

	states := make([]ScheduleState, 0)
	for rows.Next() {
		var st ScheduleState
		if err := rows.Scan(&st.DestinationID, &st.NextDueAt); err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return states, nil
}

// SaveScheduleState replaces the persisted next-due times.
func (s *Store) SaveScheduleState(ctx context.Context, states []ScheduleState) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin schedule save: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	batch.Queue(clearScheduleSQL)
	for _, st := range states {
		batch.Queue(insertScheduleSQL, st.DestinationID, st.NextDueAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("save schedule state: %w", err)
	}
	return tx.Commit(ctx)
}

// GetRecipient loads the contact points of an owner.
func (s *Store) GetRecipient(ctx context.Context, ownerID int64) (Recipient, error) {
	pool, err := s.getPool()
	if err != nil {
		return Recipient{}, err
	}
	var r Recipient
	scanErr := pool.QueryRow(ctx, getRecipientSQL, ownerID).Scan(
		&r.OwnerID, &r.Email, &r.Phone, &r.PushEndpoint, &r.PushP256dh, &r.PushAuth, &r.TelegramChatID,
	)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return Recipient{}, ErrNotFound
	}
	if scanErr != nil {
		return Recipient{}, fmt.Errorf("get recipient: %w", scanErr)
	}
	return r, nil
}

// UpsertRecipient writes the contact points of an owner.
func (s *Store) UpsertRecipient(ctx context.Context, r Recipient) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, upsertRecipientSQL,
		r.OwnerID, r.Email, r.Phone, r.PushEndpoint, r.PushP256dh, r.PushAuth, r.TelegramChatID,
	); execErr != nil {
		return fmt.Errorf("upsert recipient: %w", execErr)
	}
	return nil
}

func collectObservations(rows pgx.Rows, capacity int) ([]Observation, error) {
	defer rows.Close()

	observations := make([]Observation, 0, capacity)
	for rows.Next() {
		obs, scanErr := scanObservation(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		observations = append(observations, obs)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return observations, nil
}

func scanObservation(row pgx.Row) (Observation, error) {
	var (
		obs      Observation
		priceStr string
	)
	if err := row.Scan(
		&obs.ID,
		&obs.DestinationID,
		&obs.SourceID,
		&priceStr,
		&obs.Currency,
		&obs.ObservedAt,
		&obs.SourceTime,
		&obs.RecordedAt,
	); err != nil {
		return Observation{}, err
	}

	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return Observation{}, fmt.Errorf("parse price: %w", err)
	}
	obs.Price = price
	return obs, nil
}

func scanAlert(row pgx.Row) (Alert, error) {
	var (
		alert           Alert
		thresholdStr    string
		direction       string
		channel         string
		lastFired       sql.NullTime
		cooldownSeconds int64
	)
	if err := row.Scan(
		&alert.ID,
		&alert.OwnerID,
		&alert.DestinationID,
		&thresholdStr,
		&direction,
		&channel,
		&alert.Active,
		&lastFired,
		&cooldownSeconds,
		&alert.CreatedAt,
		&alert.UpdatedAt,
	); err != nil {
		return Alert{}, err
	}

	threshold, err := decimal.NewFromString(thresholdStr)
	if err != nil {
		return Alert{}, fmt.Errorf("parse threshold: %w", err)
	}
	alert.Threshold = threshold
	alert.Direction = Direction(direction)
	alert.Channel = Channel(channel)
	alert.LastFiredAt = nullTimePtr(lastFired)
	alert.Cooldown = time.Duration(cooldownSeconds) * time.Second
	return alert, nil
}

func scanAttempt(row pgx.Row) (NotificationAttempt, error) {
	var (
		attempt NotificationAttempt
		channel string
		status  string
		next    sql.NullTime
	)
	if err := row.Scan(
		&attempt.ID,
		&attempt.AlertID,
		&attempt.ObservationID,
		&channel,
		&status,
		&attempt.AttemptCount,
		&attempt.LastError,
		&next,
		&attempt.CreatedAt,
		&attempt.UpdatedAt,
	); err != nil {
		return NotificationAttempt{}, err
	}
	attempt.Channel = Channel(channel)
	attempt.Status = AttemptStatus(status)
	attempt.NextAttemptAt = nullTimePtr(next)
	return attempt, nil
}

func scanDestination(row pgx.Row) (Destination, error) {
	var (
		dest        Destination
		pollSeconds int64
	)
	if err := row.Scan(
		&dest.ID,
		&dest.Name,
		&dest.RouteKey,
		&dest.Source,
		&pollSeconds,
		&dest.Tracked,
	); err != nil {
		return Destination{}, err
	}
	dest.PollInterval = time.Duration(pollSeconds) * time.Second
	return dest, nil
}

func nullTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}

func monotonicObservedAt(sourceTime time.Time, prev sql.NullTime) time.Time {
	if prev.Valid && prev.Time.After(sourceTime) {
		return prev.Time.UTC()
	}
	return sourceTime
}

var (
	_ Backend        = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)

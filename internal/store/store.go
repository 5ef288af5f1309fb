// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package store persists the core's relational state — positions, trips,
// alert history, the downlink command queue, and per-device hysteresis —
// to SQLite via modernc.org/sqlite, the teacher's own choice of pure-Go
// driver for embedded relational storage (internal/analytics/store.go).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"fleetwatch/internal/apperrors"
	"fleetwatch/internal/model"
)

// Store handles persistence of the core's relational state to SQLite.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and ensures its schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindDatabase, "open database")
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS position_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id INTEGER NOT NULL,
		device_time INTEGER NOT NULL,
		server_time INTEGER NOT NULL,
		latitude REAL NOT NULL,
		longitude REAL NOT NULL,
		altitude REAL,
		speed REAL,
		course REAL,
		satellites INTEGER,
		hdop REAL,
		ignition INTEGER,
		sensors TEXT,
		valid_fix INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_position_records_device_time ON position_records(device_id, device_time);

	CREATE TABLE IF NOT EXISTS trips (
		id TEXT PRIMARY KEY,
		device_id INTEGER NOT NULL,
		start_time INTEGER NOT NULL,
		end_time INTEGER,
		start_lat REAL NOT NULL,
		start_lon REAL NOT NULL,
		end_lat REAL,
		end_lon REAL,
		distance_km REAL NOT NULL,
		max_speed REAL,
		avg_speed REAL,
		duration_minutes REAL
	);
	CREATE INDEX IF NOT EXISTS idx_trips_device ON trips(device_id, start_time);

	CREATE TABLE IF NOT EXISTS alert_history (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		device_id INTEGER NOT NULL,
		alert_type TEXT NOT NULL,
		severity TEXT NOT NULL,
		message TEXT NOT NULL,
		latitude REAL,
		longitude REAL,
		metadata TEXT,
		is_read INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_alert_history_user ON alert_history(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_alert_history_device ON alert_history(device_id, created_at);

	CREATE TABLE IF NOT EXISTS command_queue (
		id TEXT PRIMARY KEY,
		device_id INTEGER NOT NULL,
		command_type TEXT NOT NULL,
		payload TEXT,
		status TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		created_at INTEGER NOT NULL,
		sent_at INTEGER,
		acked_at INTEGER,
		response TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_command_queue_device_status ON command_queue(device_id, status, created_at);

	CREATE TABLE IF NOT EXISTS devices (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		imei TEXT NOT NULL UNIQUE,
		protocol_name TEXT NOT NULL,
		display_name TEXT NOT NULL,
		config TEXT
	);

	CREATE TABLE IF NOT EXISTS geofences (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id INTEGER,
		name TEXT NOT NULL,
		polygon TEXT NOT NULL,
		alert_on_enter INTEGER NOT NULL DEFAULT 1,
		alert_on_exit INTEGER NOT NULL DEFAULT 1,
		is_active INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_geofences_device ON geofences(device_id);

	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		channels TEXT
	);

	CREATE TABLE IF NOT EXISTS device_owners (
		device_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		PRIMARY KEY (device_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS device_state (
		device_id INTEGER PRIMARY KEY,
		last_latitude REAL,
		last_longitude REAL,
		last_altitude REAL,
		last_speed REAL,
		last_course REAL,
		last_satellites INTEGER,
		last_device_time INTEGER,
		ignition_on INTEGER NOT NULL DEFAULT 0,
		is_moving INTEGER NOT NULL DEFAULT 0,
		is_online INTEGER NOT NULL DEFAULT 0,
		total_odometer_km REAL NOT NULL DEFAULT 0,
		trip_odometer_km REAL NOT NULL DEFAULT 0,
		active_trip_id TEXT,
		last_ignition_on INTEGER,
		last_ignition_off INTEGER,
		last_update_utc INTEGER,
		alert_states TEXT
	);
	`
	_, err := s.db.Exec(schema)
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindDatabase, "create schema")
	}
	return nil
}

func nullableTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.Unix()
}

func nullableFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func nullableInt(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}

func nullableBool(b *bool) any {
	if b == nil {
		return nil
	}
	if *b {
		return 1
	}
	return 0
}

// SavePosition persists pos for deviceID and returns the assigned row ID.
func (s *Store) SavePosition(ctx context.Context, deviceID int64, pos model.NormalizedPosition) (int64, error) {
	sensors, err := json.Marshal(pos.Sensors)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.KindInternal, "marshal sensors")
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO position_records
			(device_id, device_time, server_time, latitude, longitude, altitude, speed, course, satellites, hdop, ignition, sensors, valid_fix)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		deviceID, pos.DeviceTime.Unix(), pos.ServerTime.Unix(), pos.Latitude, pos.Longitude,
		nullableFloat(pos.Altitude), nullableFloat(pos.Speed), nullableFloat(pos.Course),
		nullableInt(pos.Satellites), nullableFloat(pos.HDOP), nullableBool(pos.Ignition),
		string(sensors), boolToInt(pos.ValidFix))
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.KindDatabase, "insert position record")
	}
	return res.LastInsertId()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// LoadDeviceState returns the stored state for deviceID, or a zero-value
// state (with DeviceID set) if none has been persisted yet.
func (s *Store) LoadDeviceState(ctx context.Context, deviceID int64) (*model.DeviceState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT last_latitude, last_longitude, last_altitude, last_speed, last_course,
		       last_satellites, last_device_time, ignition_on, is_moving, is_online,
		       total_odometer_km, trip_odometer_km, active_trip_id,
		       last_ignition_on, last_ignition_off, last_update_utc, alert_states
		FROM device_state WHERE device_id = ?`, deviceID)

	var (
		lastLat, lastLon, lastAlt, lastSpeed, lastCourse sql.NullFloat64
		lastSat                                          sql.NullInt64
		lastDeviceTime, lastIgnitionOn, lastIgnitionOff   sql.NullInt64
		lastUpdateUTC                                     sql.NullInt64
		ignitionOn, isMoving, isOnline                    int
		totalOdo, tripOdo                                 float64
		activeTripID                                      sql.NullString
		alertStatesJSON                                   sql.NullString
	)
	err := row.Scan(&lastLat, &lastLon, &lastAlt, &lastSpeed, &lastCourse, &lastSat,
		&lastDeviceTime, &ignitionOn, &isMoving, &isOnline, &totalOdo, &tripOdo,
		&activeTripID, &lastIgnitionOn, &lastIgnitionOff, &lastUpdateUTC, &alertStatesJSON)
	if err == sql.ErrNoRows {
		return &model.DeviceState{DeviceID: deviceID, AlertStates: map[string]any{}}, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindDatabase, "load device state")
	}

	state := &model.DeviceState{
		DeviceID:        deviceID,
		LastLatitude:    lastLat.Float64,
		LastLongitude:   lastLon.Float64,
		LastAltitude:    lastAlt.Float64,
		LastSpeed:       lastSpeed.Float64,
		LastCourse:      lastCourse.Float64,
		LastSatellites:  int(lastSat.Int64),
		IgnitionOn:      ignitionOn != 0,
		IsMoving:        isMoving != 0,
		IsOnline:        isOnline != 0,
		TotalOdometerKM: totalOdo,
		TripOdometerKM:  tripOdo,
		AlertStates:     map[string]any{},
	}
	if lastDeviceTime.Valid {
		state.LastDeviceTime = time.Unix(lastDeviceTime.Int64, 0).UTC()
	}
	if lastIgnitionOn.Valid {
		state.LastIgnitionOn = time.Unix(lastIgnitionOn.Int64, 0).UTC()
	}
	if lastIgnitionOff.Valid {
		state.LastIgnitionOff = time.Unix(lastIgnitionOff.Int64, 0).UTC()
	}
	if lastUpdateUTC.Valid {
		state.LastUpdateUTC = time.Unix(lastUpdateUTC.Int64, 0).UTC()
	}
	if activeTripID.Valid {
		id := activeTripID.String
		state.ActiveTripID = &id
	}
	if alertStatesJSON.Valid && alertStatesJSON.String != "" {
		_ = json.Unmarshal([]byte(alertStatesJSON.String), &state.AlertStates)
	}
	return state, nil
}

// SaveDeviceState upserts state, including its alert_states hysteresis map.
func (s *Store) SaveDeviceState(ctx context.Context, state *model.DeviceState) error {
	alertStatesJSON, err := json.Marshal(state.AlertStates)
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindInternal, "marshal alert states")
	}
	var activeTripID any
	if state.ActiveTripID != nil {
		activeTripID = *state.ActiveTripID
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO device_state
			(device_id, last_latitude, last_longitude, last_altitude, last_speed, last_course,
			 last_satellites, last_device_time, ignition_on, is_moving, is_online,
			 total_odometer_km, trip_odometer_km, active_trip_id,
			 last_ignition_on, last_ignition_off, last_update_utc, alert_states)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			last_latitude=excluded.last_latitude, last_longitude=excluded.last_longitude,
			last_altitude=excluded.last_altitude, last_speed=excluded.last_speed,
			last_course=excluded.last_course, last_satellites=excluded.last_satellites,
			last_device_time=excluded.last_device_time, ignition_on=excluded.ignition_on,
			is_moving=excluded.is_moving, is_online=excluded.is_online,
			total_odometer_km=excluded.total_odometer_km, trip_odometer_km=excluded.trip_odometer_km,
			active_trip_id=excluded.active_trip_id, last_ignition_on=excluded.last_ignition_on,
			last_ignition_off=excluded.last_ignition_off, last_update_utc=excluded.last_update_utc,
			alert_states=excluded.alert_states`,
		state.DeviceID, state.LastLatitude, state.LastLongitude, state.LastAltitude,
		state.LastSpeed, state.LastCourse, state.LastSatellites, nullableTimeValue(state.LastDeviceTime),
		boolToInt(state.IgnitionOn), boolToInt(state.IsMoving), boolToInt(state.IsOnline),
		state.TotalOdometerKM, state.TripOdometerKM, activeTripID,
		nullableTimeValue(state.LastIgnitionOn), nullableTimeValue(state.LastIgnitionOff),
		nullableTimeValue(state.LastUpdateUTC), string(alertStatesJSON))
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindDatabase, "save device state")
	}
	return nil
}

func nullableTimeValue(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}

// OpenTrip inserts a new trip row and returns its generated ID.
func (s *Store) OpenTrip(ctx context.Context, trip *model.Trip) (string, error) {
	if trip.ID == "" {
		trip.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trips (id, device_id, start_time, start_lat, start_lon, distance_km)
		VALUES (?, ?, ?, ?, ?, 0)`,
		trip.ID, trip.DeviceID, trip.StartTime.Unix(), trip.StartLat, trip.StartLon)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.KindDatabase, "open trip")
	}
	return trip.ID, nil
}

// CloseTrip finalizes the trip row identified by tripID.
func (s *Store) CloseTrip(ctx context.Context, tripID string, endTime time.Time, endLat, endLon, distanceKM float64, maxSpeed, avgSpeed, durationMinutes float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE trips SET end_time=?, end_lat=?, end_lon=?, distance_km=?, max_speed=?, avg_speed=?, duration_minutes=?
		WHERE id=?`,
		endTime.Unix(), endLat, endLon, distanceKM, maxSpeed, avgSpeed, durationMinutes, tripID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindDatabase, "close trip")
	}
	return nil
}

// SaveAlertHistory inserts one alert-history row for entry.UserID; callers
// invoke it once per recipient user, per spec.md section 4.7.
func (s *Store) SaveAlertHistory(ctx context.Context, entry model.AlertHistory) (string, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.KindInternal, "marshal alert metadata")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alert_history
			(id, user_id, device_id, alert_type, severity, message, latitude, longitude, metadata, is_read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.UserID, entry.DeviceID, entry.AlertType, string(entry.Severity), entry.Message,
		nullableFloatValue(entry.Latitude), nullableFloatValue(entry.Longitude), string(metadata),
		boolToInt(entry.IsRead), entry.CreatedAt.Unix())
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.KindDatabase, "insert alert history")
	}
	return entry.ID, nil
}

func nullableFloatValue(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

// EnqueueCommand appends a pending downlink command.
func (s *Store) EnqueueCommand(ctx context.Context, cmd *model.CommandQueue) (string, error) {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if cmd.MaxRetries == 0 {
		cmd.MaxRetries = 3
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO command_queue (id, device_id, command_type, payload, status, retry_count, max_retries, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		cmd.ID, cmd.DeviceID, cmd.CommandType, cmd.Payload, model.CommandPending, cmd.MaxRetries, cmd.CreatedAt.Unix())
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.KindDatabase, "enqueue command")
	}
	return cmd.ID, nil
}

// PendingCommands returns pending commands for deviceID in creation order.
func (s *Store) PendingCommands(ctx context.Context, deviceID int64) ([]model.CommandQueue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, command_type, payload, status, retry_count, max_retries, created_at
		FROM command_queue WHERE device_id = ? AND status = ? ORDER BY created_at ASC`,
		deviceID, model.CommandPending)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindDatabase, "query pending commands")
	}
	defer rows.Close()

	var out []model.CommandQueue
	for rows.Next() {
		var c model.CommandQueue
		var createdAt int64
		if err := rows.Scan(&c.ID, &c.DeviceID, &c.CommandType, &c.Payload, &c.Status, &c.RetryCount, &c.MaxRetries, &createdAt); err != nil {
			return nil, apperrors.Wrap(err, apperrors.KindDatabase, "scan pending command")
		}
		c.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, c)
	}
	return out, nil
}

// MarkCommandSent transitions a command row to "sent".
func (s *Store) MarkCommandSent(ctx context.Context, commandID string) error {
	now := time.Now().UTC().Unix()
	_, err := s.db.ExecContext(ctx, `UPDATE command_queue SET status=?, sent_at=? WHERE id=?`, model.CommandSent, now, commandID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindDatabase, "mark command sent")
	}
	return nil
}

// MarkCommandFailed increments the retry count, flipping to "failed" once
// the retry count reaches max_retries.
func (s *Store) MarkCommandFailed(ctx context.Context, commandID string) error {
	row := s.db.QueryRowContext(ctx, `SELECT retry_count, max_retries FROM command_queue WHERE id=?`, commandID)
	var retryCount, maxRetries int
	if err := row.Scan(&retryCount, &maxRetries); err != nil {
		return apperrors.Wrap(err, apperrors.KindDatabase, "load command for retry")
	}
	retryCount++
	status := model.CommandPending
	if retryCount >= maxRetries {
		status = model.CommandFailed
	}
	_, err := s.db.ExecContext(ctx, `UPDATE command_queue SET status=?, retry_count=? WHERE id=?`, status, retryCount, commandID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindDatabase, "mark command failed")
	}
	return nil
}

// MarkCommandAcked transitions a command row to "acked" with a device response.
func (s *Store) MarkCommandAcked(ctx context.Context, commandID, response string) error {
	now := time.Now().UTC().Unix()
	_, err := s.db.ExecContext(ctx, `UPDATE command_queue SET status=?, acked_at=?, response=? WHERE id=?`,
		model.CommandAcked, now, response, commandID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindDatabase, "mark command acked")
	}
	return nil
}

// ErrNotFound is returned by lookups with no matching row.
var ErrNotFound = fmt.Errorf("store: not found")

// DeviceByIMEI looks up a device by its protocol-reported identity. Returns
// ErrNotFound if no device is registered with that IMEI.
func (s *Store) DeviceByIMEI(ctx context.Context, imei string) (*model.Device, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, imei, protocol_name, display_name, config FROM devices WHERE imei = ?`, imei)
	return scanDevice(row)
}

// DeviceByID looks up a device by its numeric ID.
func (s *Store) DeviceByID(ctx context.Context, id int64) (*model.Device, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, imei, protocol_name, display_name, config FROM devices WHERE id = ?`, id)
	return scanDevice(row)
}

// AllDevices returns every registered device, for the periodic sweep loop.
func (s *Store) AllDevices(ctx context.Context) ([]model.Device, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, imei, protocol_name, display_name, config FROM devices`)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindDatabase, "list devices")
	}
	defer rows.Close()

	var out []model.Device
	for rows.Next() {
		dev, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *dev)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindDatabase, "list devices")
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*model.Device, error) {
	var dev model.Device
	var configJSON sql.NullString
	if err := row.Scan(&dev.ID, &dev.IMEI, &dev.ProtocolName, &dev.DisplayName, &configJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, apperrors.Wrap(err, apperrors.KindDatabase, "load device")
	}
	if configJSON.Valid && configJSON.String != "" {
		if err := json.Unmarshal([]byte(configJSON.String), &dev.Config); err != nil {
			return nil, apperrors.Wrap(err, apperrors.KindDatabase, "decode device config")
		}
	}
	return &dev, nil
}

// UpsertDevice inserts or replaces the device record identified by IMEI.
// Devices are normally written by the REST collaborator; this exists for
// bootstrap and test fixtures.
func (s *Store) UpsertDevice(ctx context.Context, dev *model.Device) (int64, error) {
	configJSON, err := json.Marshal(dev.Config)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.KindInternal, "marshal device config")
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (imei, protocol_name, display_name, config)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(imei) DO UPDATE SET
			protocol_name=excluded.protocol_name, display_name=excluded.display_name, config=excluded.config`,
		dev.IMEI, dev.ProtocolName, dev.DisplayName, string(configJSON))
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.KindDatabase, "upsert device")
	}
	if dev.ID != 0 {
		return dev.ID, nil
	}
	return res.LastInsertId()
}

// GeofencesForDevice returns the active geofences that apply to deviceID:
// those scoped to it directly plus any global (device_id IS NULL) fences.
func (s *Store) GeofencesForDevice(ctx context.Context, deviceID int64) ([]model.Geofence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, name, polygon, alert_on_enter, alert_on_exit, is_active
		FROM geofences WHERE is_active = 1 AND (device_id = ? OR device_id IS NULL)`, deviceID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindDatabase, "query geofences")
	}
	defer rows.Close()

	var out []model.Geofence
	for rows.Next() {
		var g model.Geofence
		var deviceIDNull sql.NullInt64
		var polygonJSON string
		var alertEnter, alertExit, isActive int
		if err := rows.Scan(&g.ID, &deviceIDNull, &g.Name, &polygonJSON, &alertEnter, &alertExit, &isActive); err != nil {
			return nil, apperrors.Wrap(err, apperrors.KindDatabase, "scan geofence")
		}
		if deviceIDNull.Valid {
			id := deviceIDNull.Int64
			g.DeviceID = &id
		}
		if err := json.Unmarshal([]byte(polygonJSON), &g.Polygon); err != nil {
			return nil, apperrors.Wrap(err, apperrors.KindDatabase, "decode geofence polygon")
		}
		g.AlertOnEnter = alertEnter != 0
		g.AlertOnExit = alertExit != 0
		g.IsActive = isActive != 0
		out = append(out, g)
	}
	return out, nil
}

// UpsertGeofence inserts or replaces a geofence definition.
func (s *Store) UpsertGeofence(ctx context.Context, g *model.Geofence) (int64, error) {
	polygonJSON, err := json.Marshal(g.Polygon)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.KindInternal, "marshal geofence polygon")
	}
	var deviceID any
	if g.DeviceID != nil {
		deviceID = *g.DeviceID
	}
	if g.ID != 0 {
		_, err = s.db.ExecContext(ctx, `
			UPDATE geofences SET device_id=?, name=?, polygon=?, alert_on_enter=?, alert_on_exit=?, is_active=?
			WHERE id=?`,
			deviceID, g.Name, string(polygonJSON), boolToInt(g.AlertOnEnter), boolToInt(g.AlertOnExit), boolToInt(g.IsActive), g.ID)
		if err != nil {
			return 0, apperrors.Wrap(err, apperrors.KindDatabase, "update geofence")
		}
		return g.ID, nil
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO geofences (device_id, name, polygon, alert_on_enter, alert_on_exit, is_active)
		VALUES (?, ?, ?, ?, ?, ?)`,
		deviceID, g.Name, string(polygonJSON), boolToInt(g.AlertOnEnter), boolToInt(g.AlertOnExit), boolToInt(g.IsActive))
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.KindDatabase, "insert geofence")
	}
	return res.LastInsertId()
}

// UsersForDevice returns the users who own or watch deviceID, per the
// device_owners relation maintained by the REST collaborator.
func (s *Store) UsersForDevice(ctx context.Context, deviceID int64) ([]model.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.channels FROM users u
		JOIN device_owners o ON o.user_id = u.id
		WHERE o.device_id = ?`, deviceID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindDatabase, "query device owners")
	}
	defer rows.Close()

	var out []model.User
	for rows.Next() {
		var u model.User
		var channelsJSON sql.NullString
		if err := rows.Scan(&u.ID, &channelsJSON); err != nil {
			return nil, apperrors.Wrap(err, apperrors.KindDatabase, "scan user")
		}
		if channelsJSON.Valid && channelsJSON.String != "" {
			if err := json.Unmarshal([]byte(channelsJSON.String), &u.Channels); err != nil {
				return nil, apperrors.Wrap(err, apperrors.KindDatabase, "decode user channels")
			}
		}
		out = append(out, u)
	}
	return out, nil
}

// UpsertUser inserts or replaces a user's notification channel set and
// ownership links.
func (s *Store) UpsertUser(ctx context.Context, u *model.User, deviceIDs []int64) error {
	channelsJSON, err := json.Marshal(u.Channels)
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindInternal, "marshal user channels")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindDatabase, "begin user upsert")
	}
	defer tx.Rollback()

	if u.ID != 0 {
		if _, err := tx.ExecContext(ctx, `INSERT INTO users (id, channels) VALUES (?, ?)
			ON CONFLICT(id) DO UPDATE SET channels=excluded.channels`, u.ID, string(channelsJSON)); err != nil {
			return apperrors.Wrap(err, apperrors.KindDatabase, "upsert user")
		}
	} else {
		res, err := tx.ExecContext(ctx, `INSERT INTO users (channels) VALUES (?)`, string(channelsJSON))
		if err != nil {
			return apperrors.Wrap(err, apperrors.KindDatabase, "insert user")
		}
		id, err := res.LastInsertId()
		if err != nil {
			return apperrors.Wrap(err, apperrors.KindDatabase, "read new user id")
		}
		u.ID = id
	}
	for _, deviceID := range deviceIDs {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO device_owners (device_id, user_id) VALUES (?, ?)`, deviceID, u.ID); err != nil {
			return apperrors.Wrap(err, apperrors.KindDatabase, "link device owner")
		}
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(err, apperrors.KindDatabase, "commit user upsert")
	}
	return nil
}

package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"fleetdispatch/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Postgres struct {
	db *sql.DB
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Migrate applies embedded migrations in lexical order, once each.
func (p *Postgres) Migrate(ctx context.Context) ([]string, error) {
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version text PRIMARY KEY, applied_at timestamptz NOT NULL DEFAULT now())`); err != nil {
		return nil, err
	}
	names, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	applied := []string{}
	for _, name := range names {
		version := strings.TrimSuffix(strings.TrimPrefix(name, "migrations/"), ".sql")
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&exists); err != nil {
			return applied, err
		}
		if exists {
			continue
		}
		body, err := migrationsFS.ReadFile(name)
		if err != nil {
			return applied, err
		}
		tx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			return applied, err
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			_ = tx.Rollback()
			return applied, fmt.Errorf("migration %s: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
			_ = tx.Rollback()
			return applied, err
		}
		if err := tx.Commit(); err != nil {
			return applied, err
		}
		applied = append(applied, version)
	}
	return applied, nil
}

// Drivers

const driverCols = `id, COALESCE(name,''), status, lat, lng, located_at, COALESCE(assigned_zone,''), performance_score, max_concurrent_jobs, shift_ended_at, retired, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDriver(row rowScanner) (model.Driver, error) {
	var d model.Driver
	var lat, lng sql.NullFloat64
	var locAt, shiftEnd sql.NullTime
	var status string
	if err := row.Scan(&d.ID, &d.Name, &status, &lat, &lng, &locAt, &d.AssignedZone, &d.PerformanceScore, &d.MaxConcurrentJobs, &shiftEnd, &d.Retired, &d.UpdatedAt); err != nil {
		return d, err
	}
	d.Status = model.DriverStatus(status)
	if lat.Valid && lng.Valid {
		d.CurrentLocation = &model.Location{Lat: lat.Float64, Lng: lng.Float64, At: locAt.Time}
	}
	if shiftEnd.Valid {
		t := shiftEnd.Time
		d.ShiftEndedAt = &t
	}
	return d, nil
}

func (p *Postgres) UpsertDriver(ctx context.Context, d model.Driver) (model.Driver, error) {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	var lat, lng, locAt any
	if d.CurrentLocation != nil {
		lat, lng, locAt = d.CurrentLocation.Lat, d.CurrentLocation.Lng, d.CurrentLocation.At
	}
	row := p.db.QueryRowContext(ctx, `INSERT INTO drivers (id, name, status, lat, lng, located_at, assigned_zone, performance_score, max_concurrent_jobs, shift_ended_at, retired, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,now())
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, status=EXCLUDED.status,
			lat=COALESCE(EXCLUDED.lat, drivers.lat), lng=COALESCE(EXCLUDED.lng, drivers.lng), located_at=COALESCE(EXCLUDED.located_at, drivers.located_at),
			assigned_zone=EXCLUDED.assigned_zone, performance_score=EXCLUDED.performance_score, max_concurrent_jobs=EXCLUDED.max_concurrent_jobs,
			shift_ended_at=EXCLUDED.shift_ended_at, retired=EXCLUDED.retired, updated_at=now()
		RETURNING `+driverCols,
		d.ID, nullIfEmpty(d.Name), string(d.Status), lat, lng, locAt, nullIfEmpty(d.AssignedZone), d.PerformanceScore, d.MaxConcurrentJobs, nullTime(d.ShiftEndedAt), d.Retired)
	return scanDriver(row)
}

func (p *Postgres) GetDriver(ctx context.Context, id string) (model.Driver, error) {
	d, err := scanDriver(p.db.QueryRowContext(ctx, `SELECT `+driverCols+` FROM drivers WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return d, fmt.Errorf("driver %s: %w", id, ErrNotFound)
	}
	return d, err
}

func (p *Postgres) ListDrivers(ctx context.Context, f DriverFilter) ([]model.Driver, error) {
	q := `SELECT ` + driverCols + ` FROM drivers WHERE ($1 OR NOT retired)`
	args := []any{f.IncludeRetired}
	if len(f.Statuses) > 0 {
		ss := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			ss[i] = string(s)
		}
		args = append(args, ss)
		q += fmt.Sprintf(` AND status = ANY($%d)`, len(args))
	}
	if len(f.IDs) > 0 {
		args = append(args, f.IDs)
		q += fmt.Sprintf(` AND id = ANY($%d)`, len(args))
	}
	rows, err := p.db.QueryContext(ctx, q+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Driver{}
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) SetDriverStatus(ctx context.Context, id string, status model.DriverStatus) (model.Driver, error) {
	d, err := scanDriver(p.db.QueryRowContext(ctx, `UPDATE drivers SET status=$2, updated_at=now() WHERE id=$1 RETURNING `+driverCols, id, string(status)))
	if errors.Is(err, sql.ErrNoRows) {
		return d, fmt.Errorf("driver %s: %w", id, ErrNotFound)
	}
	return d, err
}

func (p *Postgres) SetDriverLocation(ctx context.Context, id string, loc model.Location) error {
	res, err := p.db.ExecContext(ctx, `UPDATE drivers SET lat=$2, lng=$3, located_at=$4 WHERE id=$1`, id, loc.Lat, loc.Lng, loc.At)
	if err != nil {
		return err
	}
	return expectRow(res, "driver "+id)
}

func (p *Postgres) SetDriverShiftEnd(ctx context.Context, id string, at *time.Time) (model.Driver, error) {
	d, err := scanDriver(p.db.QueryRowContext(ctx, `UPDATE drivers SET shift_ended_at=$2, updated_at=now() WHERE id=$1 RETURNING `+driverCols, id, nullTime(at)))
	if errors.Is(err, sql.ErrNoRows) {
		return d, fmt.Errorf("driver %s: %w", id, ErrNotFound)
	}
	return d, err
}

// Vehicles

func scanVehicle(row rowScanner) (model.Vehicle, error) {
	var v model.Vehicle
	err := row.Scan(&v.ID, &v.Type, &v.Capacity, &v.OwnerDriverID)
	return v, err
}

const vehicleCols = `id, type, capacity, COALESCE(owner_driver_id,'')`

func (p *Postgres) UpsertVehicle(ctx context.Context, v model.Vehicle) (model.Vehicle, error) {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	return scanVehicle(p.db.QueryRowContext(ctx, `INSERT INTO vehicles (id, type, capacity, owner_driver_id) VALUES ($1,$2,$3,$4)
		ON CONFLICT (id) DO UPDATE SET type=EXCLUDED.type, capacity=EXCLUDED.capacity, owner_driver_id=EXCLUDED.owner_driver_id
		RETURNING `+vehicleCols, v.ID, v.Type, v.Capacity, nullIfEmpty(v.OwnerDriverID)))
}

func (p *Postgres) GetVehicle(ctx context.Context, id string) (model.Vehicle, error) {
	v, err := scanVehicle(p.db.QueryRowContext(ctx, `SELECT `+vehicleCols+` FROM vehicles WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return v, fmt.Errorf("vehicle %s: %w", id, ErrNotFound)
	}
	return v, err
}

func (p *Postgres) ListVehicles(ctx context.Context) ([]model.Vehicle, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+vehicleCols+` FROM vehicles ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Vehicle{}
	for rows.Next() {
		v, err := scanVehicle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (p *Postgres) VehicleForDriver(ctx context.Context, driverID string) (model.Vehicle, error) {
	v, err := scanVehicle(p.db.QueryRowContext(ctx, `SELECT `+vehicleCols+` FROM vehicles WHERE owner_driver_id=$1 ORDER BY id LIMIT 1`, driverID))
	if errors.Is(err, sql.ErrNoRows) {
		return v, fmt.Errorf("vehicle for driver %s: %w", driverID, ErrNotFound)
	}
	return v, err
}

// Zones

const zoneCols = `id, COALESCE(name,''), polygon, priority, max_delivery_hours, assigned_drivers`

func scanZone(row rowScanner) (model.Zone, error) {
	var z model.Zone
	var poly, drivers []byte
	if err := row.Scan(&z.ID, &z.Name, &poly, &z.Priority, &z.MaxDeliveryHours, &drivers); err != nil {
		return z, err
	}
	if err := json.Unmarshal(poly, &z.Polygon); err != nil {
		return z, fmt.Errorf("zone %s polygon: %w", z.ID, err)
	}
	if err := json.Unmarshal(drivers, &z.AssignedDrivers); err != nil {
		return z, fmt.Errorf("zone %s drivers: %w", z.ID, err)
	}
	return z, nil
}

func (p *Postgres) UpsertZone(ctx context.Context, z model.Zone) (model.Zone, error) {
	if z.ID == "" {
		z.ID = uuid.New().String()
	}
	if z.AssignedDrivers == nil {
		z.AssignedDrivers = []string{}
	}
	poly, _ := json.Marshal(z.Polygon)
	drivers, _ := json.Marshal(z.AssignedDrivers)
	return scanZone(p.db.QueryRowContext(ctx, `INSERT INTO zones (id, name, polygon, priority, max_delivery_hours, assigned_drivers) VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, polygon=EXCLUDED.polygon, priority=EXCLUDED.priority,
			max_delivery_hours=EXCLUDED.max_delivery_hours, assigned_drivers=EXCLUDED.assigned_drivers
		RETURNING `+zoneCols, z.ID, nullIfEmpty(z.Name), poly, z.Priority, z.MaxDeliveryHours, drivers))
}

func (p *Postgres) GetZone(ctx context.Context, id string) (model.Zone, error) {
	z, err := scanZone(p.db.QueryRowContext(ctx, `SELECT `+zoneCols+` FROM zones WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return z, fmt.Errorf("zone %s: %w", id, ErrNotFound)
	}
	return z, err
}

func (p *Postgres) ListZones(ctx context.Context) ([]model.Zone, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+zoneCols+` FROM zones ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Zone{}
	for rows.Next() {
		z, err := scanZone(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, z)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteZone(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM zones WHERE id=$1`, id)
	if err != nil {
		return err
	}
	return expectRow(res, "zone "+id)
}

// Jobs

const jobCols = `id, customer_name, COALESCE(pickup_address,''), delivery_address, lat, lng, pickup_lat, pickup_lng, priority, status,
	scheduled_date, COALESCE(driver_id,''), COALESCE(vehicle_id,''), order_priority, window_start, window_end, time_at_stop_minutes,
	COALESCE(zone_id,''), COALESCE(tracking_token,''), version, created_at, updated_at`

func scanJob(row rowScanner) (model.Job, error) {
	var j model.Job
	var lat, lng, plat, plng sql.NullFloat64
	var ws, we sql.NullTime
	var priority, status, order string
	err := row.Scan(&j.ID, &j.CustomerName, &j.PickupAddress, &j.DeliveryAddress, &lat, &lng, &plat, &plng, &priority, &status,
		&j.ScheduledDate, &j.DriverID, &j.VehicleID, &order, &ws, &we, &j.TimeAtStopMinutes,
		&j.ZoneID, &j.TrackingToken, &j.Version, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return j, err
	}
	j.Priority, j.Status, j.OrderPriority = model.JobPriority(priority), model.JobStatus(status), model.OrderPriority(order)
	if lat.Valid && lng.Valid {
		j.Coordinates = &model.LatLng{Lat: lat.Float64, Lng: lng.Float64}
	}
	if plat.Valid && plng.Valid {
		j.PickupCoordinates = &model.LatLng{Lat: plat.Float64, Lng: plng.Float64}
	}
	if ws.Valid && we.Valid {
		j.TimeWindow = &model.TimeWindow{Start: ws.Time, End: we.Time}
	}
	return j, nil
}

func jobArgs(j model.Job) []any {
	var lat, lng, plat, plng, ws, we any
	if j.Coordinates != nil {
		lat, lng = j.Coordinates.Lat, j.Coordinates.Lng
	}
	if j.PickupCoordinates != nil {
		plat, plng = j.PickupCoordinates.Lat, j.PickupCoordinates.Lng
	}
	if j.TimeWindow != nil {
		ws, we = j.TimeWindow.Start, j.TimeWindow.End
	}
	return []any{j.ID, j.CustomerName, nullIfEmpty(j.PickupAddress), j.DeliveryAddress, lat, lng, plat, plng, string(j.Priority), string(j.Status),
		j.ScheduledDate, nullIfEmpty(j.DriverID), nullIfEmpty(j.VehicleID), string(j.OrderPriority), ws, we, j.TimeAtStopMinutes, nullIfEmpty(j.ZoneID)}
}

func (p *Postgres) CreateJob(ctx context.Context, j model.Job) (model.Job, error) {
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	args := append(jobArgs(j), nullIfEmpty(j.TrackingToken))
	return scanJob(p.db.QueryRowContext(ctx, `INSERT INTO jobs (id, customer_name, pickup_address, delivery_address, lat, lng, pickup_lat, pickup_lng, priority, status,
		scheduled_date, driver_id, vehicle_id, order_priority, window_start, window_end, time_at_stop_minutes, zone_id, tracking_token, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,1) RETURNING `+jobCols, args...))
}

func (p *Postgres) GetJob(ctx context.Context, id string) (model.Job, error) {
	j, err := scanJob(p.db.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return j, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return j, err
}

func (p *Postgres) GetJobByToken(ctx context.Context, token string) (model.Job, error) {
	j, err := scanJob(p.db.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE tracking_token=$1`, token))
	if errors.Is(err, sql.ErrNoRows) {
		return j, fmt.Errorf("tracking token: %w", ErrNotFound)
	}
	return j, err
}

func (p *Postgres) ListJobs(ctx context.Context, f JobFilter) ([]model.Job, string, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT ` + jobCols + ` FROM jobs WHERE id > $1`
	args := []any{f.Cursor}
	if len(f.Statuses) > 0 {
		ss := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			ss[i] = string(s)
		}
		args = append(args, ss)
		q += fmt.Sprintf(` AND status = ANY($%d)`, len(args))
	}
	if f.DriverID != "" {
		args = append(args, f.DriverID)
		q += fmt.Sprintf(` AND driver_id = $%d`, len(args))
	}
	args = append(args, limit)
	rows, err := p.db.QueryContext(ctx, q+fmt.Sprintf(` ORDER BY id LIMIT $%d`, len(args)), args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []model.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, j)
	}
	var next string
	if len(out) == limit {
		next = out[len(out)-1].ID
	}
	return out, next, rows.Err()
}

// rowQuerier and execer are satisfied by both *sql.DB and *sql.Tx.
type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (p *Postgres) UpdateJob(ctx context.Context, j model.Job, expectedVersion int) (model.Job, error) {
	return p.updateJob(ctx, p.db, j, expectedVersion)
}

func (p *Postgres) AssignJob(ctx context.Context, j model.Job, expectedVersion int, a model.Assignment) (model.Job, model.Assignment, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Job{}, model.Assignment{}, err
	}
	defer func() { _ = tx.Rollback() }()
	saved, err := p.updateJob(ctx, tx, j, expectedVersion)
	if err != nil {
		return saved, model.Assignment{}, err
	}
	if a.Supersedes == "" {
		err := tx.QueryRowContext(ctx, `SELECT id FROM assignments WHERE job_id=$1 ORDER BY assigned_at DESC, id DESC LIMIT 1`, a.JobID).Scan(&a.Supersedes)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return saved, model.Assignment{}, err
		}
	}
	if a, err = insertAssignment(ctx, tx, a); err != nil {
		return saved, a, err
	}
	return saved, a, tx.Commit()
}

func (p *Postgres) updateJob(ctx context.Context, q rowQuerier, j model.Job, expectedVersion int) (model.Job, error) {
	if err := checkJobDriver(j); err != nil {
		return model.Job{}, err
	}
	args := append(jobArgs(j), expectedVersion)
	out, err := scanJob(q.QueryRowContext(ctx, `UPDATE jobs SET customer_name=$2, pickup_address=$3, delivery_address=$4, lat=$5, lng=$6, pickup_lat=$7, pickup_lng=$8,
		priority=$9, status=$10, scheduled_date=$11, driver_id=$12, vehicle_id=$13, order_priority=$14, window_start=$15, window_end=$16,
		time_at_stop_minutes=$17, zone_id=$18, version=version+1, updated_at=now()
		WHERE id=$1 AND version=$19 RETURNING `+jobCols, args...))
	if errors.Is(err, sql.ErrNoRows) {
		cur, gerr := scanJob(q.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE id=$1`, j.ID))
		if errors.Is(gerr, sql.ErrNoRows) {
			return model.Job{}, fmt.Errorf("job %s: %w", j.ID, ErrNotFound)
		}
		if gerr != nil {
			return model.Job{}, gerr
		}
		return cur, fmt.Errorf("job %s at version %d, expected %d: %w", j.ID, cur.Version, expectedVersion, model.ErrVersionConflict)
	}
	return out, err
}

func (p *Postgres) CountActiveJobs(ctx context.Context, driverID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM jobs WHERE driver_id=$1 AND status IN ('assigned','in_progress')`, driverID).Scan(&n)
	return n, err
}

// Assignments

func (p *Postgres) InsertAssignment(ctx context.Context, a model.Assignment) (model.Assignment, error) {
	return insertAssignment(ctx, p.db, a)
}

func insertAssignment(ctx context.Context, q execer, a model.Assignment) (model.Assignment, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	_, err := q.ExecContext(ctx, `INSERT INTO assignments (id, job_id, driver_id, vehicle_id, assigned_at, method, score, zone_id, fallback, fallback_reason, supersedes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		a.ID, a.JobID, a.DriverID, nullIfEmpty(a.VehicleID), a.AssignedAt, string(a.Method), a.Score, nullIfEmpty(a.ZoneID), a.Fallback, nullIfEmpty(a.FallbackReason), nullIfEmpty(a.Supersedes))
	return a, err
}

func (p *Postgres) ListAssignments(ctx context.Context, jobID string) ([]model.Assignment, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, job_id, driver_id, COALESCE(vehicle_id,''), assigned_at, method, score, COALESCE(zone_id,''), fallback, COALESCE(fallback_reason,''), COALESCE(supersedes,'')
		FROM assignments WHERE job_id=$1 ORDER BY assigned_at, id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Assignment{}
	for rows.Next() {
		var a model.Assignment
		var method string
		if err := rows.Scan(&a.ID, &a.JobID, &a.DriverID, &a.VehicleID, &a.AssignedAt, &method, &a.Score, &a.ZoneID, &a.Fallback, &a.FallbackReason, &a.Supersedes); err != nil {
			return nil, err
		}
		a.Method = model.AssignMethod(method)
		out = append(out, a)
	}
	return out, rows.Err()
}

// Routes

func (p *Postgres) GetRoute(ctx context.Context, driverID, day string) (model.Route, error) {
	var body []byte
	var version int
	err := p.db.QueryRowContext(ctx, `SELECT body, version FROM routes WHERE driver_id=$1 AND day=$2`, driverID, day).Scan(&body, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Route{}, fmt.Errorf("route %s/%s: %w", driverID, day, ErrNotFound)
	}
	if err != nil {
		return model.Route{}, err
	}
	var r model.Route
	if err := json.Unmarshal(body, &r); err != nil {
		return r, fmt.Errorf("route %s/%s: %w", driverID, day, err)
	}
	r.Version = version
	return r, nil
}

func (p *Postgres) SaveRoute(ctx context.Context, r model.Route, expectedVersion int) (model.Route, error) {
	r.Version = expectedVersion + 1
	body, err := json.Marshal(r)
	if err != nil {
		return model.Route{}, err
	}
	var res sql.Result
	if expectedVersion == 0 {
		res, err = p.db.ExecContext(ctx, `INSERT INTO routes (driver_id, day, body, version) VALUES ($1,$2,$3,1) ON CONFLICT DO NOTHING`, r.DriverID, r.Day, body)
	} else {
		res, err = p.db.ExecContext(ctx, `UPDATE routes SET body=$3, version=version+1 WHERE driver_id=$1 AND day=$2 AND version=$4`, r.DriverID, r.Day, body, expectedVersion)
	}
	if err != nil {
		return model.Route{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Route{}, fmt.Errorf("route %s/%s expected version %d: %w", r.DriverID, r.Day, expectedVersion, model.ErrVersionConflict)
	}
	return r, nil
}

func (p *Postgres) ListRoutes(ctx context.Context, day string) ([]model.Route, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT body, version FROM routes WHERE ($1 = '' OR day = $1) ORDER BY driver_id`, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Route{}
	for rows.Next() {
		var body []byte
		var version int
		if err := rows.Scan(&body, &version); err != nil {
			return nil, err
		}
		var r model.Route
		if err := json.Unmarshal(body, &r); err != nil {
			return nil, err
		}
		r.Version = version
		out = append(out, r)
	}
	return out, rows.Err()
}

// Alerts

const alertCols = `id, type, severity, entity_type, entity_id, COALESCE(message,''), is_read, is_resolved, created_at, resolved_at`

func scanAlert(row rowScanner) (model.Alert, error) {
	var a model.Alert
	var typ, sev string
	var resolvedAt sql.NullTime
	if err := row.Scan(&a.ID, &typ, &sev, &a.EntityType, &a.EntityID, &a.Message, &a.IsRead, &a.IsResolved, &a.CreatedAt, &resolvedAt); err != nil {
		return a, err
	}
	a.Type, a.Severity = model.AlertType(typ), model.Severity(sev)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		a.ResolvedAt = &t
	}
	return a, nil
}

func (p *Postgres) RaiseAlert(ctx context.Context, a model.Alert) (model.Alert, bool, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	out, err := scanAlert(p.db.QueryRowContext(ctx, `INSERT INTO alerts (id, type, severity, entity_type, entity_id, message, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (type, entity_id) WHERE NOT is_resolved DO NOTHING
		RETURNING `+alertCols, a.ID, string(a.Type), string(a.Severity), a.EntityType, a.EntityID, nullIfEmpty(a.Message), a.CreatedAt))
	if err == nil {
		return out, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return model.Alert{}, false, err
	}
	existing, err := scanAlert(p.db.QueryRowContext(ctx, `SELECT `+alertCols+` FROM alerts WHERE type=$1 AND entity_id=$2 AND NOT is_resolved`, string(a.Type), a.EntityID))
	if err != nil {
		return model.Alert{}, false, err
	}
	return existing, false, nil
}

func (p *Postgres) GetAlert(ctx context.Context, id string) (model.Alert, error) {
	a, err := scanAlert(p.db.QueryRowContext(ctx, `SELECT `+alertCols+` FROM alerts WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return a, fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	return a, err
}

// ListAlerts pages newest first; the cursor is the id of the last alert seen.
func (p *Postgres) ListAlerts(ctx context.Context, f AlertFilter) ([]model.Alert, string, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT ` + alertCols + ` FROM alerts WHERE ($1 = '' OR type = $1) AND (NOT $2 OR NOT is_resolved)`
	args := []any{string(f.Type), f.OpenOnly}
	if f.Cursor != "" {
		args = append(args, f.Cursor)
		q += ` AND (created_at, id) < (SELECT created_at, id FROM alerts WHERE id = $3)`
	}
	args = append(args, limit)
	rows, err := p.db.QueryContext(ctx, q+fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args)), args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []model.Alert{}
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, a)
	}
	var next string
	if len(out) == limit {
		next = out[len(out)-1].ID
	}
	return out, next, rows.Err()
}

func (p *Postgres) TransitionAlert(ctx context.Context, id string, from []model.AlertState, to model.AlertState, at time.Time) (model.Alert, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Alert{}, err
	}
	defer func() { _ = tx.Rollback() }()
	a, err := scanAlert(tx.QueryRowContext(ctx, `SELECT `+alertCols+` FROM alerts WHERE id=$1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return a, fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return a, err
	}
	if !statusIn(a.State(), from) {
		return a, fmt.Errorf("alert %s %s -> %s: %w", id, a.State(), to, model.ErrInvalidTransition)
	}
	switch to {
	case model.AlertRead:
		a, err = scanAlert(tx.QueryRowContext(ctx, `UPDATE alerts SET is_read=true WHERE id=$1 RETURNING `+alertCols, id))
	case model.AlertResolved:
		a, err = scanAlert(tx.QueryRowContext(ctx, `UPDATE alerts SET is_resolved=true, resolved_at=$2 WHERE id=$1 RETURNING `+alertCols, id, at.UTC()))
	default:
		return a, fmt.Errorf("alert %s -> %s: %w", id, to, model.ErrInvalidTransition)
	}
	if err != nil {
		return a, err
	}
	return a, tx.Commit()
}

// Webhook deliveries

func (p *Postgres) EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	id := uuid.New().String()
	_, err := p.db.ExecContext(ctx, `INSERT INTO webhook_deliveries (id, subscription_id, event_type, url, secret, payload, dedup_key, status, attempts, next_attempt_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,'pending',0,now())
		ON CONFLICT (event_type, url, dedup_key) DO NOTHING`, id, nullIfEmpty(subscriptionID), eventType, url, nullIfEmpty(secret), payload, computeDedupKey(payload))
	if err != nil {
		return "", err
	}
	return id, nil
}

const deliveryCols = `id, COALESCE(subscription_id,''), event_type, url, COALESCE(secret,''), payload, status, attempts, next_attempt_at,
	COALESCE(last_error,''), COALESCE(response_code,0), COALESCE(latency_ms,0), delivered_at, created_at`

func scanDelivery(row rowScanner) (WebhookDelivery, error) {
	var d WebhookDelivery
	var delivered sql.NullTime
	err := row.Scan(&d.ID, &d.SubscriptionID, &d.EventType, &d.URL, &d.Secret, &d.Payload, &d.Status, &d.Attempts, &d.NextAttemptAt,
		&d.LastError, &d.ResponseCode, &d.LatencyMs, &delivered, &d.CreatedAt)
	if delivered.Valid {
		t := delivered.Time
		d.DeliveredAt = &t
	}
	return d, err
}

func (p *Postgres) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+deliveryCols+` FROM webhook_deliveries
		WHERE status='pending' AND next_attempt_at <= now() ORDER BY next_attempt_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []WebhookDelivery{}
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	if !success {
		if nextAttemptAt == nil {
			t := time.Now().Add(time.Minute)
			nextAttemptAt = &t
		}
		_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, last_error=$2, next_attempt_at=$3, response_code=$4, latency_ms=$5, updated_at=now() WHERE id=$1`,
			id, nullIfEmpty(lastError), *nextAttemptAt, responseCode, latencyMs)
		return err
	}
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='delivered', delivered_at=now(), response_code=$2, latency_ms=$3, updated_at=now() WHERE id=$1`,
		id, responseCode, latencyMs)
	return err
}

func (p *Postgres) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='failed', last_error=$2, response_code=$3, latency_ms=$4, updated_at=now() WHERE id=$1`,
		id, nullIfEmpty(lastError), responseCode, latencyMs)
	return err
}

func (p *Postgres) ListWebhookDeliveries(ctx context.Context, status, cursor string, limit int) ([]WebhookDelivery, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+deliveryCols+` FROM webhook_deliveries WHERE ($1 = '' OR status = $1) AND id > $2 ORDER BY id LIMIT $3`, status, cursor, limit)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []WebhookDelivery{}
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, d)
	}
	var next string
	if len(out) == limit {
		next = out[len(out)-1].ID
	}
	return out, next, rows.Err()
}

// computeDedupKey prefers the event id in the payload and falls back to a
// content hash, so re-emitting the same event does not enqueue it twice.
func computeDedupKey(payload []byte) string {
	var m map[string]any
	if json.Unmarshal(payload, &m) == nil {
		if v, ok := m["id"].(string); ok && v != "" {
			return v
		}
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:8])
}

func expectRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

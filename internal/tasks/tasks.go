// Package tasks holds the monitoring task model and its Postgres repo.
package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/example/slotwatch/internal/db"
	"github.com/example/slotwatch/internal/opportunity"
)

const (
	SupplyBox        = "box"
	SupplyMonoPallet = "mono_pallet"

	DeliveryDirect  = "direct"
	DeliveryTransit = "transit"

	ModeNotify   = "notify"
	ModeAutobook = "autobook"
)

// Task is one active monitoring assignment: watch a warehouse over a
// date range and notify or book when a qualifying slot appears.
type Task struct {
	ID     int64
	UserID int64

	WarehouseID    int64
	WarehouseName  string
	DateFrom       time.Time
	DateTo         time.Time
	MaxCoefficient float64
	SupplyType     string
	DeliveryType   string
	Mode           string
	CadenceSec     int

	Active bool
	Paused bool

	TotalChecks int64
	SlotsFound  int64
	LastCheck   *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Target is the cache/claim descriptor derived from the task.
func (t Task) Target() opportunity.Target {
	return opportunity.Target{
		WarehouseID:  t.WarehouseID,
		SupplyType:   t.SupplyType,
		DeliveryType: t.DeliveryType,
		DateFrom:     t.DateFrom,
		DateTo:       t.DateTo,
	}
}

func (t Task) Cadence() time.Duration {
	return time.Duration(t.CadenceSec) * time.Second
}

func (t Task) Expired(today time.Time) bool {
	return t.DateTo.Before(today.Truncate(24 * time.Hour))
}

func (t Task) Validate() error {
	if t.UserID == 0 {
		return fmt.Errorf("user_id required")
	}
	if t.WarehouseID == 0 {
		return fmt.Errorf("warehouse_id required")
	}
	if t.WarehouseName == "" {
		return fmt.Errorf("warehouse_name required")
	}
	if t.DateFrom.IsZero() || t.DateTo.IsZero() {
		return fmt.Errorf("date range required")
	}
	if t.DateTo.Before(t.DateFrom) {
		return fmt.Errorf("date_to must not precede date_from")
	}
	if t.CadenceSec < 1 || t.CadenceSec > 600 {
		return fmt.Errorf("cadence_seconds must be between 1 and 600")
	}
	if t.MaxCoefficient < 1.0 {
		return fmt.Errorf("max_coefficient must be >= 1.0")
	}
	switch t.SupplyType {
	case SupplyBox, SupplyMonoPallet:
	default:
		return fmt.Errorf("supply_type must be %q or %q", SupplyBox, SupplyMonoPallet)
	}
	switch t.DeliveryType {
	case DeliveryDirect, DeliveryTransit:
	default:
		return fmt.Errorf("delivery_type must be %q or %q", DeliveryDirect, DeliveryTransit)
	}
	switch t.Mode {
	case ModeNotify, ModeAutobook:
	default:
		return fmt.Errorf("mode must be %q or %q", ModeNotify, ModeAutobook)
	}
	return nil
}

type Repo struct{ db *db.DB }

func NewRepo(d *db.DB) *Repo { return &Repo{db: d} }

const taskColumns = `id,user_id,warehouse_id,warehouse_name,date_from,date_to,max_coefficient,supply_type,delivery_type,mode,cadence_seconds,is_active,is_paused,total_checks,slots_found,last_check,created_at,updated_at`

func (r *Repo) Create(ctx context.Context, t Task) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx, `
INSERT INTO monitoring_tasks(user_id,warehouse_id,warehouse_name,date_from,date_to,max_coefficient,supply_type,delivery_type,mode,cadence_seconds)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
RETURNING id`,
		t.UserID, t.WarehouseID, t.WarehouseName, t.DateFrom, t.DateTo, t.MaxCoefficient, t.SupplyType, t.DeliveryType, t.Mode, t.CadenceSec,
	).Scan(&id)
	return id, db.WrapNotFound(err)
}

func scanTask(row db.Row) (Task, error) {
	var t Task
	err := row.Scan(
		&t.ID, &t.UserID, &t.WarehouseID, &t.WarehouseName, &t.DateFrom, &t.DateTo,
		&t.MaxCoefficient, &t.SupplyType, &t.DeliveryType, &t.Mode, &t.CadenceSec,
		&t.Active, &t.Paused, &t.TotalChecks, &t.SlotsFound, &t.LastCheck,
		&t.CreatedAt, &t.UpdatedAt,
	)
	return t, err
}

func (r *Repo) GetByID(ctx context.Context, id int64) (Task, error) {
	t, err := scanTask(r.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM monitoring_tasks WHERE id=$1`, id))
	if err != nil {
		return Task{}, db.WrapNotFound(err)
	}
	return t, nil
}

func (r *Repo) GetByIDForUser(ctx context.Context, id, userID int64) (Task, error) {
	t, err := scanTask(r.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM monitoring_tasks WHERE id=$1 AND user_id=$2`, id, userID))
	if err != nil {
		return Task{}, db.WrapNotFound(err)
	}
	return t, nil
}

func (r *Repo) ListByUser(ctx context.Context, userID int64) ([]Task, error) {
	rows, err := r.db.Query(ctx, `SELECT `+taskColumns+` FROM monitoring_tasks WHERE user_id=$1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// LoadActive returns every task that should be scheduled: active, not
// paused, date range not yet ended. Called once at startup to resume
// monitoring; a failure here is fatal to initialization.
func (r *Repo) LoadActive(ctx context.Context) ([]Task, error) {
	rows, err := r.db.Query(ctx, `
SELECT `+taskColumns+`
FROM monitoring_tasks
WHERE is_active AND NOT is_paused AND date_to >= CURRENT_DATE
ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("load active tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("load active tasks: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load active tasks: %w", err)
	}
	return out, nil
}

func (r *Repo) SetPaused(ctx context.Context, id int64, paused bool) error {
	return r.db.Exec(ctx, `UPDATE monitoring_tasks SET is_paused=$2, updated_at=now() WHERE id=$1`, id, paused)
}

func (r *Repo) Deactivate(ctx context.Context, id int64) error {
	return r.db.Exec(ctx, `UPDATE monitoring_tasks SET is_active=FALSE, updated_at=now() WHERE id=$1`, id)
}

func (r *Repo) Delete(ctx context.Context, id int64) error {
	return r.db.Exec(ctx, `DELETE FROM monitoring_tasks WHERE id=$1`, id)
}

// MarkChecked bumps the poll statistics after a completed tick.
func (r *Repo) MarkChecked(ctx context.Context, id int64, slotsFound int) error {
	return r.db.Exec(ctx, `
UPDATE monitoring_tasks
SET total_checks=total_checks+1, slots_found=slots_found+$2, last_check=now(), updated_at=now()
WHERE id=$1`, id, slotsFound)
}

// ExpireEnded deactivates tasks whose date range has passed. Run by the
// housekeeping sweep.
func (r *Repo) ExpireEnded(ctx context.Context) (int64, error) {
	rows, err := r.db.Query(ctx, `
UPDATE monitoring_tasks SET is_active=FALSE, updated_at=now()
WHERE is_active AND date_to < CURRENT_DATE
RETURNING id`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	var n int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return n, err
		}
		n++
	}
	return n, rows.Err()
}

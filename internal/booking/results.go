// Package booking turns admitted claims into committed reservations and
// records their lifecycle.
package booking

import (
	"context"
	"strings"
	"time"

	"github.com/example/slotwatch/internal/db"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed || s == StatusCancelled
}

// Result is one booking attempt born from a claim. Confirmed, failed and
// cancelled are terminal.
type Result struct {
	ID          string
	TaskID      int64
	WarehouseID int64
	Date        time.Time
	Slot        string
	Coefficient float64
	Status      Status
	ExternalID  string
	Error       string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	ConfirmedAt *time.Time
}

type Repo struct{ db *db.DB }

func NewRepo(d *db.DB) *Repo { return &Repo{db: d} }

func (r *Repo) Create(ctx context.Context, res *Result) error {
	return r.db.Exec(ctx, `
INSERT INTO booking_results(id,task_id,warehouse_id,booking_date,slot_time,coefficient,status)
VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		res.ID, res.TaskID, res.WarehouseID, res.Date, res.Slot, res.Coefficient, string(res.Status))
}

func (r *Repo) MarkConfirmed(ctx context.Context, id, externalID string) error {
	return r.db.Exec(ctx, `
UPDATE booking_results
SET status='confirmed', external_id=$2, confirmed_at=now(), updated_at=now()
WHERE id=$1 AND status='pending'`, id, externalID)
}

func (r *Repo) MarkFailed(ctx context.Context, id, reason string) error {
	return r.db.Exec(ctx, `
UPDATE booking_results
SET status='failed', error_message=$2, updated_at=now()
WHERE id=$1 AND status='pending'`, id, reason)
}

func (r *Repo) MarkCancelled(ctx context.Context, id string) error {
	return r.db.Exec(ctx, `
UPDATE booking_results
SET status='cancelled', updated_at=now()
WHERE id=$1 AND status='confirmed'`, id)
}

const resultColumns = `id,task_id,warehouse_id,booking_date,slot_time,coefficient,status,external_id,error_message,created_at,updated_at,confirmed_at`

func scanResult(row db.Row) (*Result, error) {
	var res Result
	var status string
	var externalID, errMsg *string
	err := row.Scan(&res.ID, &res.TaskID, &res.WarehouseID, &res.Date, &res.Slot,
		&res.Coefficient, &status, &externalID, &errMsg,
		&res.CreatedAt, &res.UpdatedAt, &res.ConfirmedAt)
	if err != nil {
		return nil, err
	}
	res.Status = Status(status)
	if externalID != nil {
		res.ExternalID = *externalID
	}
	if errMsg != nil {
		res.Error = *errMsg
	}
	return &res, nil
}

func (r *Repo) LatestByTask(ctx context.Context, taskID int64) (*Result, error) {
	res, err := scanResult(r.db.QueryRow(ctx, `
SELECT `+resultColumns+` FROM booking_results
WHERE task_id=$1 ORDER BY created_at DESC LIMIT 1`, taskID))
	if err != nil {
		return nil, db.WrapNotFound(err)
	}
	return res, nil
}

func (r *Repo) ListByUser(ctx context.Context, userID int64, limit int) ([]*Result, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
SELECT `+prefixed(resultColumns, "b.")+`
FROM booking_results b
JOIN monitoring_tasks t ON t.id = b.task_id
WHERE t.user_id=$1
ORDER BY b.created_at DESC
LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Result
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func prefixed(columns, prefix string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + p
	}
	return strings.Join(parts, ",")
}

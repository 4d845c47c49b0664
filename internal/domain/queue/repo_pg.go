package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

const (
	pgUniqueViolation        = "23505"
	activeSubjectConstraint  = "uq_queue_entry_active_subject"
	defaultHistoryPageLength = 50
)

type storePG struct{ pool *pgxpool.Pool }

// NewStorePG returns a Store backed by the queue_entry and
// queue_entry_history tables.
func NewStorePG(pool *pgxpool.Pool) Store { return &storePG{pool: pool} }

func (r *storePG) conn() queryable { return r.pool }

const entryCols = `id, subject_ref, tier, status, category, enqueued_at,
	service_started_at, service_ended_at, expected_duration_minutes,
	duration_overridden, version, updated_by, created_at, updated_at`

func (r *storePG) scanEntry(row pgx.Row) (*Entry, error) {
	var (
		e            Entry
		tier, status string
		updatedBy    *string
	)
	err := row.Scan(&e.ID, &e.SubjectRef, &tier, &status, &e.Category, &e.EnqueuedAt,
		&e.ServiceStartedAt, &e.ServiceEndedAt, &e.ExpectedDurationMinutes,
		&e.DurationOverridden, &e.Version, &updatedBy, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Tier, e.Status = Tier(tier), Status(status)
	if updatedBy != nil {
		e.UpdatedBy = *updatedBy
	}
	return &e, nil
}

func (r *storePG) Upsert(ctx context.Context, e *Entry, expectedVersion int) error {
	if expectedVersion == 0 {
		return r.insert(ctx, e)
	}

	err := r.conn().QueryRow(ctx, `
		UPDATE queue_entry SET tier=$3, status=$4, category=$5,
			service_started_at=$6, service_ended_at=$7, expected_duration_minutes=$8,
			duration_overridden=$9, updated_by=$10, version = version + 1, updated_at=NOW()
		WHERE id = $1 AND version = $2
		RETURNING version, created_at, updated_at`,
		e.ID, expectedVersion, string(e.Tier), string(e.Status), e.Category,
		e.ServiceStartedAt, e.ServiceEndedAt, e.ExpectedDurationMinutes,
		e.DurationOverridden, e.UpdatedBy,
	).Scan(&e.Version, &e.CreatedAt, &e.UpdatedAt)
	if err == nil {
		return nil
	}
	if isActiveSubjectViolation(err) {
		return ErrDuplicateActiveEntry
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("update queue entry: %w", err)
	}

	var current int
	if err := r.conn().QueryRow(ctx, `SELECT version FROM queue_entry WHERE id = $1`, e.ID).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("read queue entry version: %w", err)
	}
	return &VersionConflictError{ID: e.ID, Expected: expectedVersion, Current: current}
}

func (r *storePG) insert(ctx context.Context, e *Entry) error {
	err := r.conn().QueryRow(ctx, `
		INSERT INTO queue_entry (id, subject_ref, tier, status, category, enqueued_at,
			service_started_at, service_ended_at, expected_duration_minutes,
			duration_overridden, version, updated_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,1,$11)
		RETURNING version, created_at, updated_at`,
		e.ID, e.SubjectRef, string(e.Tier), string(e.Status), e.Category, e.EnqueuedAt,
		e.ServiceStartedAt, e.ServiceEndedAt, e.ExpectedDurationMinutes,
		e.DurationOverridden, e.UpdatedBy,
	).Scan(&e.Version, &e.CreatedAt, &e.UpdatedAt)
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		if pgErr.ConstraintName == activeSubjectConstraint {
			return ErrDuplicateActiveEntry
		}
		return &VersionConflictError{ID: e.ID, Expected: 0, Current: 1}
	}
	return fmt.Errorf("insert queue entry: %w", err)
}

func isActiveSubjectViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == activeSubjectConstraint
}

func (r *storePG) Get(ctx context.Context, id uuid.UUID) (*Entry, error) {
	e, err := r.scanEntry(r.conn().QueryRow(ctx, `SELECT `+entryCols+` FROM queue_entry WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (r *storePG) ListActive(ctx context.Context) ([]*Entry, error) {
	rows, err := r.conn().Query(ctx, `SELECT `+entryCols+` FROM queue_entry
		WHERE status IN ('waiting', 'in_progress') ORDER BY enqueued_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Entry
	for rows.Next() {
		e, err := r.scanEntry(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

func (r *storePG) AppendHistory(ctx context.Context, rec *HistoryRecord) error {
	snapshot, err := json.Marshal(rec.Snapshot)
	if err != nil {
		return fmt.Errorf("marshal history snapshot: %w", err)
	}
	var from *string
	if rec.FromStatus != "" {
		s := string(rec.FromStatus)
		from = &s
	}
	err = r.conn().QueryRow(ctx, `
		INSERT INTO queue_entry_history (entry_id, version, action, from_status, to_status, tier, actor, snapshot)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id, recorded_at`,
		rec.EntryID, rec.Version, string(rec.Action), from, string(rec.ToStatus),
		string(rec.Tier), rec.Actor, snapshot,
	).Scan(&rec.ID, &rec.RecordedAt)
	if err != nil {
		return fmt.Errorf("append queue history: %w", err)
	}
	return nil
}

func (r *storePG) ListHistory(ctx context.Context, entryID uuid.UUID, limit, offset int) ([]*HistoryRecord, int, error) {
	if limit <= 0 {
		limit = defaultHistoryPageLength
	}
	var total int
	if err := r.conn().QueryRow(ctx, `SELECT COUNT(*) FROM queue_entry_history WHERE entry_id = $1`, entryID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn().Query(ctx, `
		SELECT id, entry_id, version, action, from_status, to_status, tier, actor, snapshot, recorded_at
		FROM queue_entry_history WHERE entry_id = $1
		ORDER BY id LIMIT $2 OFFSET $3`, entryID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*HistoryRecord
	for rows.Next() {
		var (
			h                HistoryRecord
			action, to, tier string
			from, actor      *string
			snapshot         []byte
			recordedAt       time.Time
		)
		if err := rows.Scan(&h.ID, &h.EntryID, &h.Version, &action, &from, &to, &tier, &actor, &snapshot, &recordedAt); err != nil {
			return nil, 0, err
		}
		h.Action, h.ToStatus, h.Tier, h.RecordedAt = Action(action), Status(to), Tier(tier), recordedAt
		if from != nil {
			h.FromStatus = Status(*from)
		}
		if actor != nil {
			h.Actor = *actor
		}
		if len(snapshot) > 0 {
			var snap Entry
			if err := json.Unmarshal(snapshot, &snap); err != nil {
				return nil, 0, fmt.Errorf("decode history snapshot %d: %w", h.ID, err)
			}
			h.Snapshot = &snap
		}
		items = append(items, &h)
	}
	return items, total, rows.Err()
}

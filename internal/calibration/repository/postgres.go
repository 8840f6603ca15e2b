package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"afiss_backend/platform/db"
)

const cycleColumns = `number, status, trigger, decisions_analyzed, weight_deltas, skipped, failures,
	accuracy_before, accuracy_after, window_start, window_end, started_at, heartbeat_at, finished_at`

const defaultListLimit = 50

// Repo implements Repository on PostgreSQL.
type Repo struct {
	pool db.Pool
}

// New creates a new cycle repository.
func New(pool db.Pool) *Repo {
	return &Repo{pool: pool}
}

// Compile-time check that Repo implements Repository.
var _ Repository = (*Repo)(nil)

// Start implements Repository. Numbers come from MAX(number)+1 under the
// calibration lock; the primary key rejects a concurrent allocation.
func (r *Repo) Start(ctx context.Context, trigger string, at time.Time) (Cycle, error) {
	c, err := scanCycle(r.pool.QueryRow(ctx, `
		INSERT INTO calibration_cycles (number, status, trigger, started_at, heartbeat_at)
		SELECT COALESCE(MAX(number), 0) + 1, $1, $2, $3, $3 FROM calibration_cycles
		RETURNING `+cycleColumns,
		string(StatusRunning), trigger, at))
	if err != nil {
		return Cycle{}, fmt.Errorf("start cycle: %w", err)
	}
	return c, nil
}

// Get implements Repository.
func (r *Repo) Get(ctx context.Context, number int) (Cycle, error) {
	c, err := scanCycle(r.pool.QueryRow(ctx, `SELECT `+cycleColumns+` FROM calibration_cycles WHERE number = $1`, number))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Cycle{}, cycleNotFound(number)
		}
		return Cycle{}, fmt.Errorf("get cycle: %w", err)
	}
	return c, nil
}

// List implements Repository.
func (r *Repo) List(ctx context.Context, limit int) ([]Cycle, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := r.pool.Query(ctx, `SELECT `+cycleColumns+` FROM calibration_cycles ORDER BY number DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list cycles: %w", err)
	}
	defer rows.Close()

	var out []Cycle
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cycles: %w", err)
	}
	return out, nil
}

// LatestUnfinished implements Repository.
func (r *Repo) LatestUnfinished(ctx context.Context) (Cycle, bool, error) {
	c, err := scanCycle(r.pool.QueryRow(ctx, `
		SELECT `+cycleColumns+` FROM calibration_cycles
		WHERE status <> $1
		ORDER BY number DESC LIMIT 1`, string(StatusCompleted)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Cycle{}, false, nil
		}
		return Cycle{}, false, fmt.Errorf("find unfinished cycle: %w", err)
	}
	return c, true, nil
}

// Resume implements Repository.
func (r *Repo) Resume(ctx context.Context, number int, at time.Time) (Cycle, error) {
	c, err := scanCycle(r.pool.QueryRow(ctx, `
		UPDATE calibration_cycles
		SET status = $2, heartbeat_at = $3, finished_at = NULL
		WHERE number = $1 AND status <> $4
		RETURNING `+cycleColumns,
		number, string(StatusRunning), at, string(StatusCompleted)))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Cycle{}, fmt.Errorf("resume cycle: %w", err)
	}
	if _, getErr := r.Get(ctx, number); getErr != nil {
		return Cycle{}, getErr
	}
	return Cycle{}, cycleFinished(number)
}

// SaveCheckpoint implements Repository.
func (r *Repo) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	delta, err := json.Marshal(cp.Delta)
	if err != nil {
		return fmt.Errorf("encode checkpoint delta: %w", err)
	}
	ids := cp.DecisionIDs
	if ids == nil {
		ids = []uuid.UUID{}
	}
	idsJSON, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("encode checkpoint decisions: %w", err)
	}

	return db.InTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO calibration_checkpoints (cycle_number, factor_code, delta, decision_ids, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (cycle_number, factor_code) DO UPDATE
			SET delta = EXCLUDED.delta, decision_ids = EXCLUDED.decision_ids, created_at = EXCLUDED.created_at`,
			cp.CycleNumber, cp.FactorCode, delta, idsJSON, cp.CreatedAt); err != nil {
			return fmt.Errorf("insert checkpoint: %w", err)
		}
		tag, err := tx.Exec(ctx, `UPDATE calibration_cycles SET heartbeat_at = $2 WHERE number = $1`, cp.CycleNumber, cp.CreatedAt)
		if err != nil {
			return fmt.Errorf("refresh heartbeat: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return cycleNotFound(cp.CycleNumber)
		}
		return nil
	})
}

// Checkpoints implements Repository.
func (r *Repo) Checkpoints(ctx context.Context, number int) ([]Checkpoint, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT cycle_number, factor_code, delta, decision_ids, created_at
		FROM calibration_checkpoints
		WHERE cycle_number = $1
		ORDER BY factor_code`, number)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var (
			cp             Checkpoint
			delta, idsJSON []byte
		)
		if err := rows.Scan(&cp.CycleNumber, &cp.FactorCode, &delta, &idsJSON, &cp.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		if err := json.Unmarshal(delta, &cp.Delta); err != nil {
			return nil, fmt.Errorf("decode checkpoint delta: %w", err)
		}
		if err := json.Unmarshal(idsJSON, &cp.DecisionIDs); err != nil {
			return nil, fmt.Errorf("decode checkpoint decisions: %w", err)
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return out, nil
}

// Finish implements Repository.
func (r *Repo) Finish(ctx context.Context, c Cycle) error {
	analyzed, deltas, skipped, failures, err := encodeCycle(c)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE calibration_cycles
		SET status = $2, decisions_analyzed = $3, weight_deltas = $4, skipped = $5, failures = $6,
			accuracy_before = $7, accuracy_after = $8, window_start = $9, window_end = $10,
			heartbeat_at = $11, finished_at = $12
		WHERE number = $1`,
		c.Number, string(c.Status), analyzed, deltas, skipped, failures,
		c.AccuracyBefore, c.AccuracyAfter, c.WindowStart, c.WindowEnd, c.HeartbeatAt, c.FinishedAt)
	if err != nil {
		return fmt.Errorf("finish cycle: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return cycleNotFound(c.Number)
	}
	return nil
}

// Heartbeat implements Repository.
func (r *Repo) Heartbeat(ctx context.Context, number int, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `UPDATE calibration_cycles SET heartbeat_at = $2 WHERE number = $1`, number, at)
	if err != nil {
		return fmt.Errorf("refresh heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return cycleNotFound(number)
	}
	return nil
}

// MarkStale implements Repository.
func (r *Repo) MarkStale(ctx context.Context, before time.Time) ([]int, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE calibration_cycles
		SET status = $1
		WHERE status = $2 AND heartbeat_at < $3
		RETURNING number`,
		string(StatusInterrupted), string(StatusRunning), before)
	if err != nil {
		return nil, fmt.Errorf("mark stale cycles: %w", err)
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scan stale cycle: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale cycles: %w", err)
	}
	return out, nil
}

func encodeCycle(c Cycle) (analyzed, deltas, skipped, failures []byte, err error) {
	if analyzed, err = marshalList(c.DecisionsAnalyzed); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode decisions analyzed: %w", err)
	}
	if deltas, err = marshalList(c.WeightDeltas); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode weight deltas: %w", err)
	}
	if skipped, err = marshalList(c.Skipped); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode skipped factors: %w", err)
	}
	if failures, err = marshalList(c.Failures); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode failures: %w", err)
	}
	return analyzed, deltas, skipped, failures, nil
}

func marshalList[T any](items []T) ([]byte, error) {
	if items == nil {
		items = []T{}
	}
	return json.Marshal(items)
}

func scanCycle(row pgx.Row) (Cycle, error) {
	var (
		c                                   Cycle
		status                              string
		analyzed, deltas, skipped, failures []byte
	)
	if err := row.Scan(
		&c.Number, &status, &c.Trigger, &analyzed, &deltas, &skipped, &failures,
		&c.AccuracyBefore, &c.AccuracyAfter, &c.WindowStart, &c.WindowEnd, &c.StartedAt, &c.HeartbeatAt, &c.FinishedAt,
	); err != nil {
		return Cycle{}, err
	}
	c.Status = Status(status)
	for _, part := range []struct {
		raw  []byte
		into any
	}{
		{analyzed, &c.DecisionsAnalyzed},
		{deltas, &c.WeightDeltas},
		{skipped, &c.Skipped},
		{failures, &c.Failures},
	} {
		if len(part.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(part.raw, part.into); err != nil {
			return Cycle{}, fmt.Errorf("decode cycle %d: %w", c.Number, err)
		}
	}
	return c, nil
}

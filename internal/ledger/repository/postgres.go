package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"afiss_backend/platform/db"
)

const decisionColumns = `id, project_id, description, domain_scores, composite_score, complexity_level,
	multiplier_min, multiplier_max, model_tier_used, degraded, related_decisions,
	outcome_was_accurate, outcome_actual_impact, outcome_factor_impacts, outcome_feedback_notes, outcome_attached_at,
	consumed_at, created_at`

const defaultQueryLimit = 100

// Repo implements Repository on PostgreSQL.
type Repo struct {
	pool db.Pool
}

// New creates a new ledger repository.
func New(pool db.Pool) *Repo {
	return &Repo{pool: pool}
}

// Compile-time check that Repo implements Repository.
var _ Repository = (*Repo)(nil)

// Append implements Repository.
func (r *Repo) Append(ctx context.Context, d Decision) error {
	domainScores, err := json.Marshal(d.DomainScores)
	if err != nil {
		return fmt.Errorf("encode domain scores: %w", err)
	}
	related := d.RelatedDecisions
	if related == nil {
		related = []string{}
	}
	relatedJSON, err := json.Marshal(related)
	if err != nil {
		return fmt.Errorf("encode related decisions: %w", err)
	}

	return db.InTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO decisions (id, project_id, description, domain_scores, composite_score, complexity_level,
				multiplier_min, multiplier_max, model_tier_used, degraded, related_decisions, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (id) DO NOTHING`,
			d.ID, d.ProjectID, d.Description, domainScores, d.CompositeScore, d.ComplexityLevel,
			d.Multiplier.Min, d.Multiplier.Max, d.ModelTierUsed, d.Degraded, relatedJSON, d.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert decision: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return decisionExists(d.ID)
		}

		for i, tf := range d.TriggeredFactors {
			if _, err := tx.Exec(ctx, `
				INSERT INTO decision_factors (decision_id, factor_code, position, domain, weight, confidence, impact_score, source, reasoning)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				d.ID, tf.FactorCode, i, tf.Domain, tf.Weight, tf.Confidence, tf.ImpactScore, string(tf.Source), tf.Reasoning); err != nil {
				return fmt.Errorf("insert triggered factor %s: %w", tf.FactorCode, err)
			}
		}
		return nil
	})
}

// Get implements Repository.
func (r *Repo) Get(ctx context.Context, id uuid.UUID) (Decision, error) {
	d, err := scanDecision(r.pool.QueryRow(ctx, `SELECT `+decisionColumns+` FROM decisions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Decision{}, decisionNotFound(id)
		}
		return Decision{}, fmt.Errorf("get decision: %w", err)
	}
	out := []Decision{d}
	if err := r.loadFactors(ctx, out); err != nil {
		return Decision{}, err
	}
	return out[0], nil
}

// Query implements Repository.
func (r *Repo) Query(ctx context.Context, filter Filter) ([]Decision, error) {
	whereClauses := []string{"TRUE"}
	args := []interface{}{}
	add := func(clause string, value interface{}) {
		args = append(args, value)
		whereClauses = append(whereClauses, fmt.Sprintf(clause, len(args)))
	}

	if filter.ProjectID != "" {
		add("project_id = $%d", filter.ProjectID)
	}
	if len(filter.IDs) > 0 {
		add("id = ANY($%d)", filter.IDs)
	}
	if filter.Since != nil {
		add("created_at >= $%d", *filter.Since)
	}
	if filter.Until != nil {
		add("created_at < $%d", *filter.Until)
	}
	if filter.HasOutcome != nil {
		if *filter.HasOutcome {
			whereClauses = append(whereClauses, "outcome_attached_at IS NOT NULL")
		} else {
			whereClauses = append(whereClauses, "outcome_attached_at IS NULL")
		}
	}
	if filter.Consumed != nil {
		if *filter.Consumed {
			whereClauses = append(whereClauses, "consumed_at IS NOT NULL")
		} else {
			whereClauses = append(whereClauses, "consumed_at IS NULL")
		}
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	args = append(args, limit)

	query := `SELECT ` + decisionColumns + ` FROM decisions WHERE ` + strings.Join(whereClauses, " AND ") +
		fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d`, len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := r.loadFactors(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repo) loadFactors(ctx context.Context, decisions []Decision) error {
	if len(decisions) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(decisions))
	byID := make(map[uuid.UUID]int, len(decisions))
	for i, d := range decisions {
		ids[i] = d.ID
		byID[d.ID] = i
		decisions[i].TriggeredFactors = []TriggeredFactor{}
	}

	rows, err := r.pool.Query(ctx, `
		SELECT decision_id, factor_code, domain, weight, confidence, impact_score, source, reasoning
		FROM decision_factors
		WHERE decision_id = ANY($1)
		ORDER BY decision_id, position`, ids)
	if err != nil {
		return fmt.Errorf("load triggered factors: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id     uuid.UUID
			tf     TriggeredFactor
			source string
		)
		if err := rows.Scan(&id, &tf.FactorCode, &tf.Domain, &tf.Weight, &tf.Confidence, &tf.ImpactScore, &source, &tf.Reasoning); err != nil {
			return fmt.Errorf("scan triggered factor: %w", err)
		}
		tf.Source = Source(source)
		if i, ok := byID[id]; ok {
			decisions[i].TriggeredFactors = append(decisions[i].TriggeredFactors, tf)
		}
	}
	return rows.Err()
}

// AttachOutcome implements Repository.
func (r *Repo) AttachOutcome(ctx context.Context, id uuid.UUID, outcome Outcome) error {
	var factorImpacts []byte
	if outcome.FactorImpacts != nil {
		var err error
		if factorImpacts, err = json.Marshal(outcome.FactorImpacts); err != nil {
			return fmt.Errorf("encode factor impacts: %w", err)
		}
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE decisions SET
			outcome_was_accurate = $2,
			outcome_actual_impact = $3,
			outcome_factor_impacts = $4,
			outcome_feedback_notes = $5,
			outcome_attached_at = $6
		WHERE id = $1 AND outcome_attached_at IS NULL`,
		id, outcome.WasAccurate, outcome.ActualImpact, factorImpacts, outcome.FeedbackNotes, outcome.AttachedAt)
	if err != nil {
		return fmt.Errorf("attach outcome: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM decisions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check decision: %w", err)
	}
	if !exists {
		return decisionNotFound(id)
	}
	return outcomeAlreadyAttached(id)
}

// PendingCounts implements Repository.
func (r *Repo) PendingCounts(ctx context.Context) (map[string]int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT df.factor_code, COUNT(*)
		FROM decision_factors df
		JOIN decisions d ON d.id = df.decision_id
		WHERE d.outcome_attached_at IS NOT NULL AND df.consumed_by_cycle IS NULL
		GROUP BY df.factor_code`)
	if err != nil {
		return nil, fmt.Errorf("pending counts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var code string
		var n int
		if err := rows.Scan(&code, &n); err != nil {
			return nil, fmt.Errorf("scan pending count: %w", err)
		}
		out[code] = n
	}
	return out, rows.Err()
}

// ClaimSamples implements Repository. The claim and the read are one
// statement, so an outcome attached concurrently is either claimed here or
// left for the next cycle.
func (r *Repo) ClaimSamples(ctx context.Context, cycle int, factorCode string) ([]Sample, error) {
	rows, err := r.pool.Query(ctx, `
		WITH claimed AS (
			UPDATE decision_factors df
			SET consumed_by_cycle = $1
			FROM decisions d
			WHERE d.id = df.decision_id
				AND df.factor_code = $2
				AND d.outcome_attached_at IS NOT NULL
				AND (df.consumed_by_cycle IS NULL OR df.consumed_by_cycle = $1)
			RETURNING df.decision_id, df.confidence, df.impact_score,
				d.outcome_was_accurate, d.outcome_actual_impact, d.outcome_factor_impacts
		)
		SELECT c.decision_id, c.confidence, c.impact_score, c.outcome_was_accurate, c.outcome_actual_impact,
			c.outcome_factor_impacts,
			(SELECT COALESCE(SUM(x.impact_score), 0) FROM decision_factors x WHERE x.decision_id = c.decision_id),
			(SELECT COUNT(*) FROM decision_factors x WHERE x.decision_id = c.decision_id)
		FROM claimed c
		ORDER BY c.decision_id`, cycle, factorCode)
	if err != nil {
		return nil, fmt.Errorf("claim samples for %s: %w", factorCode, err)
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		var (
			s             Sample
			outcome       Outcome
			factorImpacts []byte
			total         float64
			count         int
		)
		if err := rows.Scan(&s.DecisionID, &s.Confidence, &s.ImpactScore, &outcome.WasAccurate, &outcome.ActualImpact,
			&factorImpacts, &total, &count); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		if len(factorImpacts) > 0 {
			if err := json.Unmarshal(factorImpacts, &outcome.FactorImpacts); err != nil {
				return nil, fmt.Errorf("decode factor impacts: %w", err)
			}
		}
		s.FactorCode = factorCode
		s.WasAccurate = outcome.WasAccurate
		s.ObservedImpact = ObservedImpact(factorCode, s.ImpactScore, total, count, outcome)
		out = append(out, s)
	}
	return out, rows.Err()
}

// ReleaseSamples implements Repository.
func (r *Repo) ReleaseSamples(ctx context.Context, cycle int, factorCode string) error {
	if _, err := r.pool.Exec(ctx, `
		UPDATE decision_factors SET consumed_by_cycle = NULL
		WHERE consumed_by_cycle = $1 AND factor_code = $2`, cycle, factorCode); err != nil {
		return fmt.Errorf("release samples for %s: %w", factorCode, err)
	}
	return nil
}

// MarkConsumed implements Repository.
func (r *Repo) MarkConsumed(ctx context.Context, at time.Time, activeFactors []string) (int, error) {
	if activeFactors == nil {
		activeFactors = []string{}
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE decisions d SET consumed_at = $1
		WHERE d.consumed_at IS NULL
			AND d.outcome_attached_at IS NOT NULL
			AND NOT EXISTS (
				SELECT 1 FROM decision_factors df
				WHERE df.decision_id = d.id
					AND df.consumed_by_cycle IS NULL
					AND df.factor_code = ANY($2)
			)`, at, activeFactors)
	if err != nil {
		return 0, fmt.Errorf("mark consumed: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanDecision(row pgx.Row) (Decision, error) {
	var (
		d             Decision
		domainScores  []byte
		related       []byte
		wasAccurate   *bool
		actualImpact  *float64
		factorImpacts []byte
		notes         *string
		attachedAt    *time.Time
	)
	if err := row.Scan(
		&d.ID, &d.ProjectID, &d.Description, &domainScores, &d.CompositeScore, &d.ComplexityLevel,
		&d.Multiplier.Min, &d.Multiplier.Max, &d.ModelTierUsed, &d.Degraded, &related,
		&wasAccurate, &actualImpact, &factorImpacts, &notes, &attachedAt,
		&d.ConsumedAt, &d.CreatedAt,
	); err != nil {
		return Decision{}, err
	}
	if err := json.Unmarshal(domainScores, &d.DomainScores); err != nil {
		return Decision{}, fmt.Errorf("decode domain scores: %w", err)
	}
	if len(related) > 0 {
		if err := json.Unmarshal(related, &d.RelatedDecisions); err != nil {
			return Decision{}, fmt.Errorf("decode related decisions: %w", err)
		}
	}
	if attachedAt != nil {
		o := &Outcome{AttachedAt: *attachedAt}
		if wasAccurate != nil {
			o.WasAccurate = *wasAccurate
		}
		if actualImpact != nil {
			o.ActualImpact = *actualImpact
		}
		if notes != nil {
			o.FeedbackNotes = *notes
		}
		if len(factorImpacts) > 0 {
			if err := json.Unmarshal(factorImpacts, &o.FactorImpacts); err != nil {
				return Decision{}, fmt.Errorf("decode factor impacts: %w", err)
			}
		}
		d.Outcome = o
	}
	return d, nil
}

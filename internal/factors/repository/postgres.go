package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"afiss_backend/internal/factors/rules"
	"afiss_backend/platform/db"

	"github.com/jackc/pgx/v5"
)

const factorColumns = `code, name, description, domain, base_percentage, current_weight, original_weight,
	min_weight, max_weight, usage_count, accuracy_rate, average_impact, trigger_rules, active, version,
	created_at, updated_at`

// Repo implements Repository on PostgreSQL.
type Repo struct {
	pool db.Pool
}

// New creates a new factor repository.
func New(pool db.Pool) *Repo {
	return &Repo{pool: pool}
}

// Compile-time check that Repo implements Repository.
var _ Repository = (*Repo)(nil)

func scanFactor(row pgx.Row) (Factor, error) {
	var f Factor
	var domain string
	var rawRules []byte
	if err := row.Scan(
		&f.Code, &f.Name, &f.Description, &domain, &f.BasePercentage, &f.CurrentWeight, &f.OriginalWeight,
		&f.MinWeight, &f.MaxWeight, &f.UsageCount, &f.AccuracyRate, &f.AverageImpact, &rawRules, &f.Active, &f.Version,
		&f.CreatedAt, &f.UpdatedAt,
	); err != nil {
		return Factor{}, err
	}
	f.Domain = Domain(domain)
	f.TriggerRules = rules.Set{}
	if len(rawRules) > 0 {
		if err := json.Unmarshal(rawRules, &f.TriggerRules); err != nil {
			return Factor{}, fmt.Errorf("decode trigger rules for %s: %w", f.Code, err)
		}
	}
	return f, nil
}

// Get retrieves a factor by code.
func (r *Repo) Get(ctx context.Context, code string) (Factor, error) {
	query := `SELECT ` + factorColumns + ` FROM factors WHERE code = $1`
	f, err := scanFactor(r.pool.QueryRow(ctx, query, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Factor{}, unknownFactor(code)
		}
		return Factor{}, fmt.Errorf("get factor: %w", err)
	}
	return f, nil
}

// List returns factors ordered by code.
func (r *Repo) List(ctx context.Context, params ListParams) ([]Factor, error) {
	whereClauses := []string{"TRUE"}
	args := []interface{}{}
	if params.Domain != nil {
		args = append(args, string(*params.Domain))
		whereClauses = append(whereClauses, fmt.Sprintf("domain = $%d", len(args)))
	}
	if params.ActiveOnly {
		whereClauses = append(whereClauses, "active")
	}

	query := `SELECT ` + factorColumns + ` FROM factors WHERE ` + strings.Join(whereClauses, " AND ") + ` ORDER BY code`
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list factors: %w", err)
	}
	defer rows.Close()

	factors := make([]Factor, 0)
	for rows.Next() {
		f, err := scanFactor(rows)
		if err != nil {
			return nil, fmt.Errorf("scan factor: %w", err)
		}
		factors = append(factors, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate factors: %w", err)
	}
	return factors, nil
}

// History returns the calibration history of a factor, oldest first.
func (r *Repo) History(ctx context.Context, code string) ([]CalibrationEntry, error) {
	if _, err := r.Get(ctx, code); err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx, `
		SELECT recorded_at, old_weight, new_weight, reason, confidence, cycle_number
		FROM factor_calibration_history
		WHERE factor_code = $1
		ORDER BY recorded_at, id`, code)
	if err != nil {
		return nil, fmt.Errorf("list factor history: %w", err)
	}
	defer rows.Close()

	entries := make([]CalibrationEntry, 0)
	for rows.Next() {
		var e CalibrationEntry
		if err := rows.Scan(&e.Timestamp, &e.OldWeight, &e.NewWeight, &e.Reason, &e.Confidence, &e.CycleNumber); err != nil {
			return nil, fmt.Errorf("scan factor history: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// UpdateWeight conditionally updates the weight and appends the history entry.
func (r *Repo) UpdateWeight(ctx context.Context, update WeightUpdate) (Factor, error) {
	var updated Factor
	err := db.InTx(ctx, r.pool, func(tx pgx.Tx) error {
		f, err := scanFactor(tx.QueryRow(ctx, `
			UPDATE factors
			SET current_weight = $3,
				usage_count = $4,
				accuracy_rate = $5,
				average_impact = $6,
				version = version + 1,
				updated_at = now()
			WHERE code = $1 AND version = $2
			RETURNING `+factorColumns,
			update.Code, update.ExpectedVersion, update.NewWeight, update.UsageCount, update.AccuracyRate, update.AverageImpact,
		))
		if err != nil {
			if !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("update factor weight: %w", err)
			}
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM factors WHERE code = $1)`, update.Code).Scan(&exists); err != nil {
				return fmt.Errorf("check factor existence: %w", err)
			}
			if !exists {
				return unknownFactor(update.Code)
			}
			return versionConflict(update.Code)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO factor_calibration_history (factor_code, recorded_at, old_weight, new_weight, reason, confidence, cycle_number)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			update.Code, update.Entry.Timestamp, update.Entry.OldWeight, update.Entry.NewWeight,
			update.Entry.Reason, update.Entry.Confidence, update.Entry.CycleNumber,
		); err != nil {
			return fmt.Errorf("insert factor history: %w", err)
		}

		updated = f
		return nil
	})
	if err != nil {
		return Factor{}, err
	}
	return updated, nil
}

// SetActive toggles a factor's active flag.
func (r *Repo) SetActive(ctx context.Context, code string, active bool) (Factor, error) {
	f, err := scanFactor(r.pool.QueryRow(ctx, `
		UPDATE factors SET active = $2, version = version + 1, updated_at = now()
		WHERE code = $1
		RETURNING `+factorColumns, code, active))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Factor{}, unknownFactor(code)
		}
		return Factor{}, fmt.Errorf("set factor active: %w", err)
	}
	return f, nil
}

// Upsert creates or refreshes a factor definition.
func (r *Repo) Upsert(ctx context.Context, def FactorDefinition) (Factor, error) {
	ruleSet := def.TriggerRules
	if ruleSet == nil {
		ruleSet = rules.Set{}
	}
	rawRules, err := json.Marshal(ruleSet)
	if err != nil {
		return Factor{}, fmt.Errorf("encode trigger rules: %w", err)
	}

	f, err := scanFactor(r.pool.QueryRow(ctx, `
		INSERT INTO factors (code, name, description, domain, base_percentage, current_weight, original_weight,
			min_weight, max_weight, trigger_rules)
		VALUES ($1, $2, $3, $4, $5, $6, $6, $7, $8, $9)
		ON CONFLICT (code) DO UPDATE
		SET name = EXCLUDED.name,
			description = EXCLUDED.description,
			domain = EXCLUDED.domain,
			base_percentage = EXCLUDED.base_percentage,
			trigger_rules = EXCLUDED.trigger_rules,
			version = factors.version + 1,
			updated_at = now()
		RETURNING `+factorColumns,
		def.Code, def.Name, def.Description, string(def.Domain), def.BasePercentage, def.Weight,
		def.MinWeight, def.MaxWeight, rawRules,
	))
	if err != nil {
		return Factor{}, fmt.Errorf("upsert factor: %w", err)
	}
	return f, nil
}

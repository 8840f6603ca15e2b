package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"afiss_backend/platform/apperr"
)

func TestRepoAppend_InsertsFactorsInTransaction(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	d := decisionWith(
		TriggeredFactor{FactorCode: "A", Domain: "access", Weight: 0.2, Confidence: 1, ImpactScore: 20, Source: SourceRule},
		TriggeredFactor{FactorCode: "B", Domain: "severity", Weight: 0.3, Confidence: 0.8, ImpactScore: 24, Source: SourceSimilarity},
	)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO decisions").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO decision_factors").
		WithArgs(d.ID, "A", 0, "access", 0.2, 1.0, 20.0, "rule", "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO decision_factors").
		WithArgs(d.ID, "B", 1, "severity", 0.3, 0.8, 24.0, "similarity", "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, New(mock).Append(context.Background(), d))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepoAppend_DuplicateRollsBack(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO decisions").WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectRollback()

	err = New(mock).Append(context.Background(), decisionWith())
	assert.True(t, apperr.HasCode(err, apperr.CodeDecisionExists), "got %v", err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepoAttachOutcome_SecondAttachConflicts(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id := uuid.New()
	mock.ExpectExec("UPDATE decisions SET").WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT EXISTS").WithArgs(id).WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	err = New(mock).AttachOutcome(context.Background(), id, Outcome{WasAccurate: true, ActualImpact: 10, AttachedAt: time.Now()})
	assert.True(t, apperr.HasCode(err, apperr.CodeOutcomeAlreadyAttached), "got %v", err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepoClaimSamples_ApportionsImpact(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	d1, d2 := uuid.New(), uuid.New()
	rows := pgxmock.NewRows([]string{"decision_id", "confidence", "impact_score", "outcome_was_accurate", "outcome_actual_impact", "outcome_factor_impacts", "total", "count"}).
		AddRow(d1, 1.0, 30.0, true, 60.0, []byte(nil), 40.0, 2).
		AddRow(d2, 0.9, 20.0, false, 25.0, []byte(`{"A":22}`), 20.0, 1)
	mock.ExpectQuery("WITH claimed AS").WithArgs(3, "A").WillReturnRows(rows)

	samples, err := New(mock).ClaimSamples(context.Background(), 3, "A")
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Equal(t, 45.0, samples[0].ObservedImpact)
	assert.Equal(t, 22.0, samples[1].ObservedImpact)
	assert.False(t, samples[1].WasAccurate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepoPendingCounts(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT df.factor_code, COUNT").
		WillReturnRows(pgxmock.NewRows([]string{"factor_code", "count"}).AddRow("A", 12).AddRow("B", 3))

	counts, err := New(mock).PendingCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"A": 12, "B": 3}, counts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepoMarkConsumed_OnlyActiveFactorsBlock(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	at := time.Date(2026, 5, 1, 3, 0, 0, 0, time.UTC)
	mock.ExpectExec("UPDATE decisions d SET consumed_at").
		WithArgs(at, []string{"AF_ACCESS_001"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 4))

	n, err := New(mock).MarkConsumed(context.Background(), at, []string{"AF_ACCESS_001"})
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

package repository

import (
	"context"
	"testing"
	"time"

	"afiss_backend/platform/apperr"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var factorRowColumns = []string{
	"code", "name", "description", "domain", "base_percentage", "current_weight", "original_weight",
	"min_weight", "max_weight", "usage_count", "accuracy_rate", "average_impact", "trigger_rules", "active", "version",
	"created_at", "updated_at",
}

func factorRow(code string, weight float64, version int64) *pgxmock.Rows {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return pgxmock.NewRows(factorRowColumns).AddRow(
		code, "Power line proximity", "Tree within striking distance of energized lines", "interference", 15.0,
		weight, 0.20, 0.05, 0.40, int64(12), 0.8, 0.21, []byte(`[{"kind":"range","key":"distance_to_power_line_m","max":3}]`),
		true, version, now, now,
	)
}

func TestRepoGet_DecodesRules(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT .* FROM factors WHERE code = \\$1").
		WithArgs("POWER_LINE").
		WillReturnRows(factorRow("POWER_LINE", 0.2, 3))

	f, err := New(mock).Get(context.Background(), "POWER_LINE")
	require.NoError(t, err)
	assert.Equal(t, DomainInterference, f.Domain)
	assert.Len(t, f.TriggerRules, 1)
	assert.Equal(t, int64(3), f.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepoGet_UnknownFactor(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT .* FROM factors WHERE code = \\$1").
		WithArgs("NOPE").
		WillReturnRows(pgxmock.NewRows(factorRowColumns))

	_, err = New(mock).Get(context.Background(), "NOPE")
	assert.True(t, apperr.HasCode(err, apperr.CodeUnknownFactor), "got %v", err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepoUpdateWeight_AppendsHistoryInTransaction(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cycle := 4
	update := WeightUpdate{
		Code:            "POWER_LINE",
		ExpectedVersion: 3,
		NewWeight:       0.23,
		UsageCount:      22,
		AccuracyRate:    0.82,
		AverageImpact:   0.25,
		Entry: CalibrationEntry{
			Timestamp:   time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC),
			OldWeight:   0.20,
			NewWeight:   0.23,
			Reason:      "calibration cycle 4",
			Confidence:  1,
			CycleNumber: &cycle,
		},
	}

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE factors").
		WithArgs("POWER_LINE", int64(3), 0.23, int64(22), 0.82, 0.25).
		WillReturnRows(factorRow("POWER_LINE", 0.23, 4))
	mock.ExpectExec("INSERT INTO factor_calibration_history").
		WithArgs("POWER_LINE", update.Entry.Timestamp, 0.20, 0.23, "calibration cycle 4", 1.0, &cycle).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	f, err := New(mock).UpdateWeight(context.Background(), update)
	require.NoError(t, err)
	assert.Equal(t, 0.23, f.CurrentWeight)
	assert.Equal(t, int64(4), f.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepoUpdateWeight_StaleVersionIsConflict(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE factors").
		WithArgs("POWER_LINE", int64(2), 0.23, int64(22), 0.82, 0.25).
		WillReturnRows(pgxmock.NewRows(factorRowColumns))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("POWER_LINE").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	_, err = New(mock).UpdateWeight(context.Background(), WeightUpdate{
		Code: "POWER_LINE", ExpectedVersion: 2, NewWeight: 0.23, UsageCount: 22, AccuracyRate: 0.82, AverageImpact: 0.25,
	})
	assert.True(t, apperr.HasCode(err, apperr.CodeConcurrentWeightChange), "got %v", err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

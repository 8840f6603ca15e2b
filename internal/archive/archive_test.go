package archive

import (
	"context"
	"testing"
	"time"

	calibrationrepo "afiss_backend/internal/calibration/repository"
	"afiss_backend/internal/events"
	factorrepo "afiss_backend/internal/factors/repository"
	"afiss_backend/platform/apperr"
	"afiss_backend/platform/logger"
	"afiss_backend/platform/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTime = time.Date(2026, 6, 1, 2, 0, 0, 0, time.UTC)

func TestHandle_ArchivesCompletedCycle(t *testing.T) {
	ctx := context.Background()
	cycles := calibrationrepo.NewMemory()
	c, err := cycles.Start(ctx, calibrationrepo.TriggerScheduled, testTime)
	require.NoError(t, err)
	c.Status = calibrationrepo.StatusCompleted
	require.NoError(t, cycles.Finish(ctx, c))

	factors := factorrepo.NewMemory()
	_, err = factors.Upsert(ctx, factorrepo.FactorDefinition{Code: "AF_SITE_001", Domain: factorrepo.DomainSiteConditions, Weight: 0.1, MaxWeight: 1})
	require.NoError(t, err)

	store := storage.NewMemoryStore()
	a := New(store, "calibration-snapshots", cycles, factors, logger.Nop())

	require.NoError(t, a.Handle(ctx, events.CalibrationCompleted{BaseEvent: events.NewBaseEvent(), CycleNumber: c.Number}))

	snap, err := a.Load(ctx, c.Number)
	require.NoError(t, err)
	assert.Equal(t, c.Number, snap.Cycle.Number)
	assert.Equal(t, calibrationrepo.StatusCompleted, snap.Cycle.Status)
	require.Len(t, snap.Factors, 1)
	assert.Equal(t, "AF_SITE_001", snap.Factors[0].Code)
}

func TestLoad_MissingSnapshotIsNotFound(t *testing.T) {
	a := New(storage.NewMemoryStore(), "b", calibrationrepo.NewMemory(), factorrepo.NewMemory(), logger.Nop())
	_, err := a.Load(context.Background(), 42)
	assert.True(t, apperr.Is(err, apperr.KindNotFound), "got %v", err)
}

func TestHandle_IgnoresOtherEventsAndMissingCycles(t *testing.T) {
	store := storage.NewMemoryStore()
	a := New(store, "b", calibrationrepo.NewMemory(), factorrepo.NewMemory(), logger.Nop())
	assert.NoError(t, a.Handle(context.Background(), events.FactorDefinitionChanged{FactorCode: "X"}))
	assert.NoError(t, a.Handle(context.Background(), events.CalibrationCompleted{CycleNumber: 7}))
	_, err := store.GetObject(context.Background(), "b", Key(7))
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)
}

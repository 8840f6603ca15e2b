// Package archive keeps an immutable snapshot of every completed
// calibration cycle, together with the registry state it produced, in
// object storage.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	calibrationrepo "afiss_backend/internal/calibration/repository"
	"afiss_backend/internal/events"
	factorrepo "afiss_backend/internal/factors/repository"
	"afiss_backend/platform/apperr"
	"afiss_backend/platform/logger"
	"afiss_backend/platform/storage"
)

const contentTypeJSON = "application/json"

// CycleReader loads a calibration cycle.
type CycleReader interface {
	Get(ctx context.Context, number int) (calibrationrepo.Cycle, error)
}

// FactorLister lists the registry.
type FactorLister interface {
	List(ctx context.Context, params factorrepo.ListParams) ([]factorrepo.Factor, error)
}

// Snapshot is the archived document.
type Snapshot struct {
	Cycle      calibrationrepo.Cycle `json:"cycle"`
	Factors    []factorrepo.Factor   `json:"factors"`
	ArchivedAt time.Time             `json:"archivedAt"`
}

// Archiver writes and reads cycle snapshots.
type Archiver struct {
	store   storage.ObjectStore
	bucket  string
	cycles  CycleReader
	factors FactorLister
	log     *logger.Logger
	now     func() time.Time
}

// New creates an archiver writing to bucket.
func New(store storage.ObjectStore, bucket string, cycles CycleReader, factors FactorLister, log *logger.Logger) *Archiver {
	return &Archiver{
		store:   store,
		bucket:  bucket,
		cycles:  cycles,
		factors: factors,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Key is the object key of a cycle snapshot.
func Key(cycle int) string {
	return fmt.Sprintf("cycles/%d.json", cycle)
}

// Archive stores the snapshot of a cycle. Re-archiving overwrites the
// object with the same content plus a new timestamp.
func (a *Archiver) Archive(ctx context.Context, number int) error {
	cycle, err := a.cycles.Get(ctx, number)
	if err != nil {
		return err
	}
	factors, err := a.factors.List(ctx, factorrepo.ListParams{})
	if err != nil {
		return err
	}

	body, err := json.MarshalIndent(Snapshot{Cycle: cycle, Factors: factors, ArchivedAt: a.now()}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := a.store.PutObject(ctx, a.bucket, Key(number), contentTypeJSON, body); err != nil {
		return err
	}
	a.log.Info("calibration snapshot archived", "cycle", number, "bucket", a.bucket, "bytes", len(body))
	return nil
}

// Load reads a stored snapshot.
func (a *Archiver) Load(ctx context.Context, number int) (Snapshot, error) {
	body, err := a.store.GetObject(ctx, a.bucket, Key(number))
	if errors.Is(err, storage.ErrObjectNotFound) {
		return Snapshot{}, apperr.NotFound(fmt.Sprintf("no snapshot for calibration cycle %d", number)).
			WithCode(apperr.CodeCalibrationCycleMissing)
	}
	if err != nil {
		return Snapshot{}, apperr.Wrap(apperr.KindUnavailable, "snapshot storage unavailable", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot %d: %w", number, err)
	}
	return snap, nil
}

// Handle archives completed cycles. Failures are logged; the cycle itself
// is already committed.
func (a *Archiver) Handle(ctx context.Context, event events.Event) error {
	e, ok := event.(events.CalibrationCompleted)
	if !ok {
		return nil
	}
	if err := a.Archive(ctx, e.CycleNumber); err != nil {
		a.log.Warn("calibration snapshot not archived", "cycle", e.CycleNumber, "error", err)
	}
	return nil
}

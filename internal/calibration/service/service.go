// Package service runs calibration cycles: it pairs ledger decisions with
// their outcomes and feeds bounded weight adjustments back into the factor
// registry, one checkpointed factor at a time.
package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"afiss_backend/internal/calibration/repository"
	"afiss_backend/internal/events"
	factorrepo "afiss_backend/internal/factors/repository"
	factorsvc "afiss_backend/internal/factors/service"
	ledgerrepo "afiss_backend/internal/ledger/repository"
	"afiss_backend/platform/apperr"
	"afiss_backend/platform/lock"
	"afiss_backend/platform/logger"
)

// LockName is the global calibration lock.
const LockName = "afiss:calibration"

const (
	defaultMinSampleSize    = 10
	defaultBaseLearningRate = 0.3
	defaultMaxStep          = 0.05
	defaultLockTTL          = 30 * time.Minute
	defaultStaleAfter       = 30 * time.Minute
	metricsCycleWindow      = 10
	metricsDecisionWindow   = 1000
)

// Registry is the part of the factor registry calibration needs.
type Registry interface {
	ActiveFactors(ctx context.Context) ([]factorrepo.Factor, error)
	ApplyWeightDelta(ctx context.Context, d factorsvc.WeightDelta) (factorsvc.WeightChange, error)
	Performance(ctx context.Context) ([]factorsvc.Performance, error)
}

// Config tunes the update rule.
type Config struct {
	MinSampleSize    int
	BaseLearningRate float64
	MaxStep          float64
	LockTTL          time.Duration
	// StaleAfter is how long a running cycle may go without a heartbeat
	// before another run may resume it.
	StaleAfter time.Duration
}

// RunOptions selects what a run does.
type RunOptions struct {
	// ResumeCycle resumes a specific unfinished cycle. When nil the latest
	// unfinished cycle is resumed, or a new one started.
	ResumeCycle *int
	Trigger     string
}

// AccuracyPoint is one cycle in the accuracy trend.
type AccuracyPoint struct {
	Cycle          int       `json:"cycle"`
	AccuracyBefore float64   `json:"accuracyBefore"`
	AccuracyAfter  float64   `json:"accuracyAfter"`
	FinishedAt     time.Time `json:"finishedAt"`
}

// AccuracyRate is the share of accurate outcomes within one group of
// decisions.
type AccuracyRate struct {
	Samples  int     `json:"samples"`
	Accurate int     `json:"accurate"`
	Rate     float64 `json:"rate"`
}

// Metrics summarizes calibration health.
type Metrics struct {
	Factors       []factorsvc.Performance `json:"factors"`
	Trend         []AccuracyPoint         `json:"trend"`
	LastCompleted *repository.Cycle       `json:"lastCompleted,omitempty"`
	MeanDrift     float64                 `json:"meanDrift"`
	// ByModelTier and ByComplexity cover the most recent labelled decisions.
	ByModelTier  map[string]AccuracyRate `json:"byModelTier"`
	ByComplexity map[string]AccuracyRate `json:"byComplexity"`
}

// Service is the calibration engine.
type Service struct {
	cycles   repository.Repository
	ledger   ledgerrepo.Repository
	registry Registry
	locker   lock.Locker
	bus      events.Bus
	log      *logger.Logger
	cfg      Config
	now      func() time.Time
}

// New creates the engine. bus may be nil.
func New(cycles repository.Repository, ledger ledgerrepo.Repository, registry Registry, locker lock.Locker, bus events.Bus, log *logger.Logger, cfg Config) *Service {
	if cfg.MinSampleSize < 1 {
		cfg.MinSampleSize = defaultMinSampleSize
	}
	if cfg.BaseLearningRate <= 0 {
		cfg.BaseLearningRate = defaultBaseLearningRate
	}
	if cfg.MaxStep <= 0 {
		cfg.MaxStep = defaultMaxStep
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	return &Service{
		cycles:   cycles,
		ledger:   ledger,
		registry: registry,
		locker:   locker,
		bus:      bus,
		log:      log,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RunCycle runs or resumes a calibration cycle under the global lock.
// A cancelled context stops the cycle between factors; the cycle is stored
// as cancelled with its checkpoints and the next run resumes it.
// The lock is refreshed before every weight change. If it has been lost the
// run stops without touching the cycle, which stays running until the
// watchdog interrupts it.
func (s *Service) RunCycle(ctx context.Context, opts RunOptions) (repository.Cycle, error) {
	lease, err := s.locker.TryAcquire(ctx, LockName, s.cfg.LockTTL)
	if errors.Is(err, lock.ErrNotAcquired) {
		return repository.Cycle{}, apperr.Conflict("a calibration cycle is already running").WithCode(apperr.CodeCalibrationInProgress)
	}
	if err != nil {
		return repository.Cycle{}, apperr.Wrap(apperr.KindUnavailable, "calibration lock unavailable", err)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.log.Warn("failed to release calibration lock", "error", err)
		}
	}()

	cycle, resumed, err := s.open(ctx, opts)
	if err != nil {
		return repository.Cycle{}, err
	}
	ctx = context.WithValue(ctx, logger.CycleKey, cycle.Number)
	log := s.log.WithContext(ctx)
	log.CalibrationEvent("started", cycle.Number, "resumed", resumed, "trigger", cycle.Trigger)

	done, err := s.cycles.Checkpoints(ctx, cycle.Number)
	if err != nil {
		return s.fail(ctx, cycle, fmt.Errorf("load checkpoints: %w", err))
	}
	checkpointed := make(map[string]repository.Checkpoint, len(done))
	for _, cp := range done {
		checkpointed[cp.FactorCode] = cp
	}

	pending, err := s.ledger.PendingCounts(ctx)
	if err != nil {
		return s.fail(ctx, cycle, fmt.Errorf("count pending samples: %w", err))
	}
	factors, err := s.registry.ActiveFactors(ctx)
	if err != nil {
		return s.fail(ctx, cycle, fmt.Errorf("load factors: %w", err))
	}
	sort.Slice(factors, func(i, j int) bool { return factors[i].Code < factors[j].Code })

	cycle.Skipped = nil
	cycle.Failures = nil
	for _, f := range factors {
		if err := ctx.Err(); err != nil {
			return s.cancel(ctx, cycle, err)
		}
		if _, ok := checkpointed[f.Code]; ok {
			continue
		}
		// A resumed cycle may already own claims the pending count excludes.
		if n := pending[f.Code]; !resumed && n < s.cfg.MinSampleSize {
			if n > 0 {
				cycle.Skipped = append(cycle.Skipped, insufficient(f.Code, n))
			}
			continue
		}

		cp, skip, failure, err := s.calibrateFactor(ctx, lease, cycle.Number, f)
		switch {
		case errors.Is(err, lock.ErrLost):
			log.Warn("calibration lock lost, abandoning cycle", "factor", f.Code)
			return cycle, err
		case err != nil:
			return s.fail(ctx, cycle, err)
		case skip != nil:
			cycle.Skipped = append(cycle.Skipped, *skip)
		case failure != nil:
			cycle.Failures = append(cycle.Failures, *failure)
			log.Warn("factor calibration failed", "factor", f.Code, "code", failure.Code, "error", failure.Message)
		case cp != nil:
			checkpointed[f.Code] = *cp
		}
	}

	return s.complete(ctx, cycle, factors, checkpointed)
}

// open resumes the requested or latest unfinished cycle, or starts a new one.
func (s *Service) open(ctx context.Context, opts RunOptions) (repository.Cycle, bool, error) {
	now := s.now()
	if opts.ResumeCycle != nil {
		target, err := s.cycles.Get(ctx, *opts.ResumeCycle)
		if err != nil {
			return repository.Cycle{}, false, err
		}
		if err := s.checkResumable(target, now); err != nil {
			return repository.Cycle{}, false, err
		}
		c, err := s.cycles.Resume(ctx, target.Number, now)
		return c, true, err
	}
	latest, ok, err := s.cycles.LatestUnfinished(ctx)
	if err != nil {
		return repository.Cycle{}, false, fmt.Errorf("find unfinished cycle: %w", err)
	}
	if ok {
		if err := s.checkResumable(latest, now); err != nil {
			return repository.Cycle{}, false, err
		}
		c, err := s.cycles.Resume(ctx, latest.Number, now)
		return c, true, err
	}
	trigger := opts.Trigger
	if trigger == "" {
		trigger = repository.TriggerManual
	}
	c, err := s.cycles.Start(ctx, trigger, now)
	return c, false, err
}

// checkResumable refuses a running cycle whose owner has sent a heartbeat
// within StaleAfter.
func (s *Service) checkResumable(c repository.Cycle, now time.Time) error {
	if c.Status != repository.StatusRunning || now.Sub(c.HeartbeatAt) >= s.cfg.StaleAfter {
		return nil
	}
	return apperr.Conflict(fmt.Sprintf("calibration cycle %d is still running", c.Number)).
		WithCode(apperr.CodeCalibrationInProgress)
}

// hold extends the lock and the cycle heartbeat. It returns an error
// wrapping lock.ErrLost when another run may own the cycle.
func (s *Service) hold(ctx context.Context, lease lock.Lease, cycleNumber int) error {
	if err := lease.Refresh(ctx, s.cfg.LockTTL); err != nil {
		if errors.Is(err, lock.ErrLost) {
			return apperr.Wrap(apperr.KindConflict, fmt.Sprintf("calibration lock lost during cycle %d", cycleNumber), err).
				WithCode(apperr.CodeCalibrationInProgress)
		}
		return apperr.Wrap(apperr.KindUnavailable, "calibration lock unavailable", err)
	}
	if err := s.cycles.Heartbeat(ctx, cycleNumber, s.now()); err != nil {
		return fmt.Errorf("heartbeat cycle %d: %w", cycleNumber, err)
	}
	return nil
}

// calibrateFactor claims the factor's samples and applies one delta.
// It returns at most one of a checkpoint, a skip, a failure or a fatal
// error; all nil means the factor had nothing to claim.
func (s *Service) calibrateFactor(ctx context.Context, lease lock.Lease, cycleNumber int, f factorrepo.Factor) (*repository.Checkpoint, *repository.SkippedFactor, *repository.FactorFailure, error) {
	samples, err := s.ledger.ClaimSamples(ctx, cycleNumber, f.Code)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("claim samples for %s: %w", f.Code, err)
	}
	if len(samples) < s.cfg.MinSampleSize {
		if err := s.ledger.ReleaseSamples(ctx, cycleNumber, f.Code); err != nil {
			return nil, nil, nil, fmt.Errorf("release samples for %s: %w", f.Code, err)
		}
		if len(samples) == 0 {
			return nil, nil, nil, nil
		}
		skip := insufficient(f.Code, len(samples))
		return nil, &skip, nil, nil
	}

	stats := summarize(samples)
	lr := s.cfg.BaseLearningRate / math.Sqrt(math.Max(1, float64(f.UsageCount)))
	requested := clamp(lr*stats.meanImpactError, -s.cfg.MaxStep, s.cfg.MaxStep)
	confidence := math.Min(1, float64(len(samples))/float64(s.cfg.MinSampleSize))
	number := cycleNumber

	if err := s.hold(ctx, lease, cycleNumber); err != nil {
		return nil, nil, nil, err
	}
	change, err := s.registry.ApplyWeightDelta(ctx, factorsvc.WeightDelta{
		Code:  f.Code,
		Delta: requested,
		Reason: fmt.Sprintf("calibration cycle %d: %d samples, mean impact error %+.4f",
			cycleNumber, len(samples), stats.meanImpactError),
		Confidence: confidence,
		Stats: &factorsvc.UsageStats{
			Samples:          len(samples),
			ObservedAccuracy: stats.accuracy,
			ObservedImpact:   stats.meanObserved,
		},
		CycleNumber: &number,
	})
	if err != nil {
		if !isFactorFailure(err) {
			return nil, nil, nil, fmt.Errorf("apply delta to %s: %w", f.Code, err)
		}
		if relErr := s.ledger.ReleaseSamples(ctx, cycleNumber, f.Code); relErr != nil {
			return nil, nil, nil, fmt.Errorf("release samples for %s: %w", f.Code, relErr)
		}
		failure := repository.FactorFailure{FactorCode: f.Code, Code: errorCode(err), Message: err.Error()}
		return nil, nil, &failure, nil
	}

	ids := make([]uuid.UUID, 0, len(samples))
	for _, smp := range samples {
		ids = append(ids, smp.DecisionID)
	}
	cp := repository.Checkpoint{
		CycleNumber: cycleNumber,
		FactorCode:  f.Code,
		Delta: repository.WeightDelta{
			FactorCode:       f.Code,
			OldWeight:        change.OldWeight,
			NewWeight:        change.NewWeight,
			RequestedDelta:   requested,
			AppliedDelta:     change.Applied,
			Confidence:       confidence,
			SampleSize:       len(samples),
			ObservedAccuracy: stats.accuracy,
			MeanImpactError:  stats.meanImpactError,
			Clamped:          change.Clamped,
		},
		DecisionIDs: ids,
		CreatedAt:   s.now(),
	}
	// The weight is already committed; persist the checkpoint even if the
	// caller has gone away so a resume does not apply it twice.
	if err := s.cycles.SaveCheckpoint(context.WithoutCancel(ctx), cp); err != nil {
		return nil, nil, nil, fmt.Errorf("checkpoint %s: %w", f.Code, err)
	}
	return &cp, nil, nil, nil
}

func (s *Service) complete(ctx context.Context, cycle repository.Cycle, factors []factorrepo.Factor, checkpointed map[string]repository.Checkpoint) (repository.Cycle, error) {
	codes := make([]string, 0, len(checkpointed))
	for code := range checkpointed {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	seen := make(map[uuid.UUID]struct{})
	cycle.WeightDeltas = make([]repository.WeightDelta, 0, len(codes))
	cycle.DecisionsAnalyzed = []uuid.UUID{}
	for _, code := range codes {
		cp := checkpointed[code]
		cycle.WeightDeltas = append(cycle.WeightDeltas, cp.Delta)
		for _, id := range cp.DecisionIDs {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			cycle.DecisionsAnalyzed = append(cycle.DecisionsAnalyzed, id)
		}
	}
	sort.Slice(cycle.DecisionsAnalyzed, func(i, j int) bool {
		return cycle.DecisionsAnalyzed[i].String() < cycle.DecisionsAnalyzed[j].String()
	})

	if len(cycle.DecisionsAnalyzed) > 0 {
		decisions, err := s.ledger.Query(ctx, ledgerrepo.Filter{IDs: cycle.DecisionsAnalyzed, Limit: len(cycle.DecisionsAnalyzed)})
		if err != nil {
			return s.fail(ctx, cycle, fmt.Errorf("load analyzed decisions: %w", err))
		}
		before, after := replayWeights(factors, cycle.WeightDeltas)
		accBefore, accAfter := accuracy(decisions, before), accuracy(decisions, after)
		cycle.AccuracyBefore, cycle.AccuracyAfter = &accBefore, &accAfter
		cycle.WindowStart, cycle.WindowEnd = window(decisions)
	}

	finished := s.now()
	cycle.Status = repository.StatusCompleted
	cycle.HeartbeatAt = finished
	cycle.FinishedAt = &finished
	if err := s.cycles.Finish(context.WithoutCancel(ctx), cycle); err != nil {
		return repository.Cycle{}, fmt.Errorf("persist cycle %d: %w", cycle.Number, err)
	}
	active := make([]string, 0, len(factors))
	for _, f := range factors {
		active = append(active, f.Code)
	}
	consumed, err := s.ledger.MarkConsumed(context.WithoutCancel(ctx), finished, active)
	if err != nil {
		return repository.Cycle{}, fmt.Errorf("mark decisions consumed: %w", err)
	}

	adjusted := make([]string, 0, len(cycle.WeightDeltas))
	for _, d := range cycle.WeightDeltas {
		adjusted = append(adjusted, d.FactorCode)
	}
	s.log.WithContext(ctx).CalibrationEvent("completed", cycle.Number,
		"adjusted", len(adjusted),
		"skipped", len(cycle.Skipped),
		"failures", len(cycle.Failures),
		"decisions", len(cycle.DecisionsAnalyzed),
		"consumed", consumed,
	)
	if s.bus != nil {
		evt := events.CalibrationCompleted{
			BaseEvent:         events.NewBaseEvent(),
			CycleNumber:       cycle.Number,
			DecisionsAnalyzed: len(cycle.DecisionsAnalyzed),
			FactorsAdjusted:   adjusted,
		}
		if cycle.AccuracyBefore != nil {
			evt.AccuracyBefore, evt.AccuracyAfter = *cycle.AccuracyBefore, *cycle.AccuracyAfter
		}
		s.bus.Publish(ctx, evt)
	}
	return cycle, nil
}

func (s *Service) cancel(ctx context.Context, cycle repository.Cycle, cause error) (repository.Cycle, error) {
	return s.stop(ctx, cycle, repository.StatusCancelled, cause)
}

func (s *Service) fail(ctx context.Context, cycle repository.Cycle, cause error) (repository.Cycle, error) {
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		return s.cancel(ctx, cycle, cause)
	}
	return s.stop(ctx, cycle, repository.StatusFailed, cause)
}

func (s *Service) stop(ctx context.Context, cycle repository.Cycle, status repository.Status, cause error) (repository.Cycle, error) {
	now := s.now()
	cycle.Status = status
	cycle.HeartbeatAt = now
	cycle.FinishedAt = &now
	if err := s.cycles.Finish(context.WithoutCancel(ctx), cycle); err != nil {
		s.log.Error("failed to persist stopped cycle", "cycle", cycle.Number, "error", err)
	}
	s.log.WithContext(ctx).CalibrationEvent(string(status), cycle.Number, "error", cause)
	if status == repository.StatusCancelled {
		return cycle, fmt.Errorf("calibration cycle %d cancelled: %w", cycle.Number, cause)
	}
	failed := apperr.Wrap(apperr.KindInternal, fmt.Sprintf("calibration cycle %d failed", cycle.Number), cause).
		WithCode(apperr.CodeCalibrationFailed)
	if apperr.Is(cause, apperr.KindUnavailable) {
		failed.Kind = apperr.KindUnavailable
	}
	return cycle, failed
}

// Get returns a cycle.
func (s *Service) Get(ctx context.Context, number int) (repository.Cycle, error) {
	return s.cycles.Get(ctx, number)
}

// List returns cycles newest first.
func (s *Service) List(ctx context.Context, limit int) ([]repository.Cycle, error) {
	return s.cycles.List(ctx, limit)
}

// Metrics reports per-factor performance and the recent accuracy trend.
func (s *Service) Metrics(ctx context.Context) (Metrics, error) {
	perf, err := s.registry.Performance(ctx)
	if err != nil {
		return Metrics{}, err
	}
	recent, err := s.cycles.List(ctx, metricsCycleWindow)
	if err != nil {
		return Metrics{}, err
	}

	labelled := true
	decisions, err := s.ledger.Query(ctx, ledgerrepo.Filter{HasOutcome: &labelled, Limit: metricsDecisionWindow})
	if err != nil {
		return Metrics{}, err
	}

	m := Metrics{
		Factors:      perf,
		Trend:        []AccuracyPoint{},
		ByModelTier:  accuracyBy(decisions, func(d ledgerrepo.Decision) string { return d.ModelTierUsed }),
		ByComplexity: accuracyBy(decisions, func(d ledgerrepo.Decision) string { return d.ComplexityLevel }),
	}
	var drift float64
	for _, p := range perf {
		drift += math.Abs(p.Drift)
	}
	if len(perf) > 0 {
		m.MeanDrift = drift / float64(len(perf))
	}
	for i := len(recent) - 1; i >= 0; i-- {
		c := recent[i]
		if c.Status != repository.StatusCompleted {
			continue
		}
		if m.LastCompleted == nil || c.Number > m.LastCompleted.Number {
			cp := c
			m.LastCompleted = &cp
		}
		if c.AccuracyBefore == nil || c.FinishedAt == nil {
			continue
		}
		m.Trend = append(m.Trend, AccuracyPoint{
			Cycle:          c.Number,
			AccuracyBefore: *c.AccuracyBefore,
			AccuracyAfter:  *c.AccuracyAfter,
			FinishedAt:     *c.FinishedAt,
		})
	}
	return m, nil
}

// MarkStale interrupts running cycles whose heartbeat is older than
// staleAfter.
func (s *Service) MarkStale(ctx context.Context, staleAfter time.Duration) ([]int, error) {
	return s.cycles.MarkStale(ctx, s.now().Add(-staleAfter))
}

// accuracyBy groups labelled decisions by key and reports each group's
// accurate share. Decisions without a key are grouped under "unknown".
func accuracyBy(decisions []ledgerrepo.Decision, key func(ledgerrepo.Decision) string) map[string]AccuracyRate {
	out := make(map[string]AccuracyRate)
	for _, d := range decisions {
		if d.Outcome == nil {
			continue
		}
		k := key(d)
		if k == "" {
			k = "unknown"
		}
		r := out[k]
		r.Samples++
		if d.Outcome.WasAccurate {
			r.Accurate++
		}
		out[k] = r
	}
	for k, r := range out {
		r.Rate = float64(r.Accurate) / float64(r.Samples)
		out[k] = r
	}
	return out
}

func insufficient(code string, n int) repository.SkippedFactor {
	return repository.SkippedFactor{FactorCode: code, Reason: apperr.CodeInsufficientSample, Samples: n}
}

// isFactorFailure reports errors confined to one factor. Anything else is
// treated as a storage failure and fails the cycle.
func isFactorFailure(err error) bool {
	return apperr.HasCode(err, apperr.CodeCalibrationFailed) ||
		apperr.HasCode(err, apperr.CodeOutOfRange) ||
		apperr.HasCode(err, apperr.CodeUnknownFactor) ||
		apperr.Is(err, apperr.KindValidation)
}

func errorCode(err error) string {
	if e, ok := apperr.As(err); ok && e.Code != "" {
		return e.Code
	}
	return apperr.CodeCalibrationFailed
}

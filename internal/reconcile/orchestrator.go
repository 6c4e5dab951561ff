package reconcile

import (
	"context"
	"fmt"

	"github.com/NCAR/tacc-backup/internal/model"
	"go.uber.org/zap"
)

// Scanner lists the candidate files currently in the source directory.
type Scanner interface {
	Scan(ctx context.Context) ([]model.Candidate, error)
}

// Locker guards a run against overlapping invocations on other hosts.
type Locker interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Report summarizes one run.
type Report struct {
	LockHeld         bool
	Polled           int
	PollErrors       int
	Updated          int
	Relocated        int
	RelocateErrors   int
	AdmissionSkipped bool
	CapReached       bool
	Oversized        int
	Submitted        int
	Rejected         int
	SubmitErrors     int
	DetailErrors     int
	Duplicates       int
}

func (r *Report) fields() []zap.Field {
	return []zap.Field{
		zap.Int("polled", r.Polled),
		zap.Int("poll_errors", r.PollErrors),
		zap.Int("updated", r.Updated),
		zap.Int("relocated", r.Relocated),
		zap.Int("relocate_errors", r.RelocateErrors),
		zap.Bool("admission_skipped", r.AdmissionSkipped),
		zap.Bool("cap_reached", r.CapReached),
		zap.Int("oversized", r.Oversized),
		zap.Int("submitted", r.Submitted),
		zap.Int("rejected", r.Rejected),
		zap.Int("submit_errors", r.SubmitErrors),
		zap.Int("detail_errors", r.DetailErrors),
		zap.Int("duplicates", r.Duplicates),
	}
}

// Orchestrator runs the three phases in order: reconcile, relocate, admit.
type Orchestrator struct {
	scanner Scanner
	engine  *Engine
	lock    Locker
	logger  *zap.Logger
}

func NewOrchestrator(scanner Scanner, engine *Engine, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{scanner: scanner, engine: engine, logger: logger}
}

// WithLock makes Run skip when lock is held elsewhere.
func (o *Orchestrator) WithLock(lock Locker) *Orchestrator {
	o.lock = lock
	return o
}

// Run performs one pass. The directory is rescanned before each phase so that
// relocated files are gone before admission looks at it.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	report := &Report{}

	if o.lock != nil {
		ok, err := o.lock.Acquire(ctx)
		if err != nil {
			return nil, fmt.Errorf("acquire run lock: %w", err)
		}
		if !ok {
			report.LockHeld = true
			o.logger.Info("another run holds the lock, skipping")
			return report, nil
		}
		defer func() {
			if err := o.lock.Release(context.WithoutCancel(ctx)); err != nil {
				o.logger.Warn("failed to release run lock", zap.Error(err))
			}
		}()
	}

	if err := o.phase(ctx, "reconcile", report, o.engine.Reconcile); err != nil {
		return report, err
	}
	if err := o.phase(ctx, "relocate", report, o.engine.Relocate); err != nil {
		return report, err
	}

	active, err := o.engine.ActiveTasks(ctx)
	if err != nil {
		return report, err
	}
	if o.engine.AtCapacity(active) {
		report.AdmissionSkipped = true
		o.logger.Warn("maximum number of active tasks reached, not submitting new transfers",
			zap.Int("active", active),
			zap.Int("max_active", o.engine.policy.MaxActiveTasks))
	} else if err := o.phase(ctx, "admit", report, o.engine.Admit); err != nil {
		return report, err
	}

	o.logger.Info("run complete", report.fields()...)
	return report, nil
}

func (o *Orchestrator) phase(ctx context.Context, name string, report *Report,
	fn func(context.Context, []model.Candidate, *Report) error) error {
	candidates, err := o.scanner.Scan(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	o.logger.Debug("starting phase", zap.String("phase", name), zap.Int("candidates", len(candidates)))
	if err := fn(ctx, candidates, report); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// Package reconcile keeps the tacc_backups records in step with Globus and
// decides when new transfers may be submitted.
//
// A file moves through these states, rebuilt from the record store on every
// run:
//
//	untracked          no record
//	submitted/active   record with status ACTIVE or INACTIVE
//	submitted/terminal record with any other status, file still in place
//	relocated          SUCCEEDED and moved into the completed directory
//
// Records are created only after Globus accepts a submission and are never
// deleted. Terminal records are never polled again.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/NCAR/tacc-backup/internal/database"
	"github.com/NCAR/tacc-backup/internal/globus"
	"github.com/NCAR/tacc-backup/internal/model"
	"go.uber.org/zap"
)

// TransferService is the part of the Globus client the engine needs.
type TransferService interface {
	GetTask(ctx context.Context, taskID string) (model.TaskInfo, error)
	ListTasks(ctx context.Context, filter string) ([]model.TaskInfo, error)
	SubmitTransfer(ctx context.Context, req model.TransferRequest) (model.SubmissionResult, error)
}

// Mover relocates a file by name out of the source directory.
type Mover interface {
	Move(name string) (string, error)
}

// Publisher receives record changes. Failures are logged and otherwise ignored.
type Publisher interface {
	StatusChanged(ctx context.Context, rec model.TransferRecord, previous model.Status) error
	Submitted(ctx context.Context, rec model.TransferRecord) error
}

// Policy holds the admission limits and the transfer addressing.
type Policy struct {
	MaxActiveTasks      int
	MaxFileSizeBytes    int64
	SourceEndpoint      string
	DestinationEndpoint string
	SourceBasePath      string
	DestinationBasePath string
	VerifyChecksum      bool
}

type Engine struct {
	store    database.Store
	transfer TransferService
	mover    Mover
	events   Publisher
	policy   Policy
	logger   *zap.Logger
	now      func() time.Time
}

type Option func(*Engine)

// WithPublisher sends record changes to p.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.events = p }
}

func NewEngine(store database.Store, transfer TransferService, mover Mover, policy Policy, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		transfer: transfer,
		mover:    mover,
		policy:   policy,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// lookup returns the record for a file, or nil if there is none.
func (e *Engine) lookup(ctx context.Context, file string) (*model.TransferRecord, error) {
	rec, err := e.store.Get(ctx, file)
	if errors.Is(err, database.ErrRecordNotFound) {
		return nil, nil
	}
	return rec, err
}

// Reconcile refreshes the status of every tracked, in-flight candidate. A
// failed status fetch skips that file only. Store errors abort the pass.
func (e *Engine) Reconcile(ctx context.Context, candidates []model.Candidate, report *Report) error {
	for _, c := range candidates {
		log := e.logger.With(zap.String("file", c.Name))

		rec, err := e.lookup(ctx, c.Name)
		if err != nil {
			return err
		}
		if rec == nil || rec.TaskID == "" {
			log.Debug("no record found")
			continue
		}
		if rec.Status.IsTerminal() {
			log.Debug("task already finished", zap.String("status", string(rec.Status)))
			continue
		}

		task, err := e.transfer.GetTask(ctx, rec.TaskID)
		if err != nil {
			report.PollErrors++
			log.Warn("failed to get task info", zap.String("task_id", rec.TaskID), zap.Error(err))
			continue
		}
		report.Polled++

		if task.Status == "" {
			report.PollErrors++
			log.Warn("task document has no status", zap.String("task_id", rec.TaskID))
			continue
		}
		if task.Status == rec.Status {
			log.Info("status unchanged", zap.String("status", string(task.Status)))
			continue
		}

		var completion *time.Time
		if task.Status.IsTerminal() {
			completion = task.CompletionTime
			if completion == nil {
				now := e.now().UTC()
				completion = &now
				log.Warn("terminal task has no completion time, using local clock",
					zap.String("task_id", rec.TaskID))
			}
		}

		if err := e.store.UpdateStatus(ctx, c.Name, task.Status, completion); err != nil {
			return err
		}
		report.Updated++
		log.Info("updated status",
			zap.String("task_id", rec.TaskID),
			zap.String("from", string(rec.Status)),
			zap.String("to", string(task.Status)))

		previous := rec.Status
		rec.Status = task.Status
		if completion != nil && !rec.CompletionTime.Valid {
			rec.CompletionTime.Time, rec.CompletionTime.Valid = *completion, true
		}
		e.publish(log, func() error { return e.events.StatusChanged(ctx, *rec, previous) })
	}
	return nil
}

// Relocate moves every candidate whose record is SUCCEEDED into the completed
// directory. FAILED files stay put for inspection.
func (e *Engine) Relocate(ctx context.Context, candidates []model.Candidate, report *Report) error {
	for _, c := range candidates {
		rec, err := e.lookup(ctx, c.Name)
		if err != nil {
			return err
		}
		if rec == nil || rec.Status != model.StatusSucceeded {
			continue
		}

		e.logger.Info("transfer succeeded, moving file", zap.String("file", c.Name))
		if _, err := e.mover.Move(c.Name); err != nil {
			report.RelocateErrors++
			e.logger.Error("failed to move file", zap.String("file", c.Name), zap.Error(err))
			continue
		}
		report.Relocated++
	}
	return nil
}

// ActiveTasks returns the number of tasks Globus is running for the account,
// including tasks this tool did not submit.
func (e *Engine) ActiveTasks(ctx context.Context) (int, error) {
	tasks, err := e.transfer.ListTasks(ctx, globus.FilterActive)
	if err != nil {
		return 0, fmt.Errorf("list active tasks: %w", err)
	}
	return len(tasks), nil
}

// AtCapacity reports whether active has reached the concurrency cap.
func (e *Engine) AtCapacity(active int) bool {
	return active >= e.policy.MaxActiveTasks
}

// Admit submits a transfer for each untracked candidate until the cap is
// reached. Capacity is re-read from Globus before every submission.
func (e *Engine) Admit(ctx context.Context, candidates []model.Candidate, report *Report) error {
	for _, c := range candidates {
		log := e.logger.With(zap.String("file", c.Name))

		rec, err := e.lookup(ctx, c.Name)
		if err != nil {
			return err
		}
		if rec != nil {
			log.Debug("record exists, not submitting", zap.String("task_id", rec.TaskID))
			continue
		}

		if c.Size > e.policy.MaxFileSizeBytes {
			report.Oversized++
			log.Warn("file larger than maximum allowed size, skipping",
				zap.Int64("size", c.Size),
				zap.Int64("max_size", e.policy.MaxFileSizeBytes))
			continue
		}

		active, err := e.ActiveTasks(ctx)
		if err != nil {
			return err
		}
		if e.AtCapacity(active) {
			report.CapReached = true
			log.Warn("maximum number of active tasks reached, stopping admission",
				zap.Int("active", active),
				zap.Int("max_active", e.policy.MaxActiveTasks))
			return nil
		}

		if err := e.submit(ctx, log, c, report); err != nil {
			return err
		}
	}
	return nil
}

// submit handles one admission. Only store failures are returned. Once Globus
// accepts a task a record is always written, so the file is never submitted
// twice; a failed submission leaves it untracked for the next run.
func (e *Engine) submit(ctx context.Context, log *zap.Logger, c model.Candidate, report *Report) error {
	log.Info("no record found, submitting transfer")

	result, err := e.transfer.SubmitTransfer(ctx, e.request(c.Name))
	if err != nil {
		report.SubmitErrors++
		log.Error("failed to submit transfer", zap.Error(err))
		return nil
	}
	if !result.Accepted() {
		report.Rejected++
		log.Error("transfer not accepted",
			zap.String("code", result.Code),
			zap.String("message", result.Message))
		return nil
	}
	if result.TaskID == "" {
		report.SubmitErrors++
		log.Error("accepted submission has no task id", zap.String("submission_id", result.SubmissionID))
		return nil
	}
	log.Info("transfer accepted",
		zap.String("task_id", result.TaskID),
		zap.String("message", result.Message))

	rec, err := e.acceptedRecord(ctx, c.Name, result.TaskID)
	if err != nil {
		report.DetailErrors++
		log.Warn("could not read submitted task, recording it from the submission",
			zap.String("task_id", result.TaskID), zap.Error(err))
		rec = e.provisionalRecord(c.Name, result.TaskID)
	}

	err = e.store.Insert(ctx, rec)
	if errors.Is(err, database.ErrRecordExists) {
		report.Duplicates++
		log.Warn("record was written by another run", zap.String("task_id", rec.TaskID))
		return nil
	}
	if err != nil {
		return err
	}
	report.Submitted++
	log.Info("added record", zap.String("task_id", rec.TaskID), zap.String("status", string(rec.Status)))

	e.publish(log, func() error { return e.events.Submitted(ctx, *rec) })
	return nil
}

// acceptedRecord builds the record for an accepted submission from the
// task's full document.
func (e *Engine) acceptedRecord(ctx context.Context, file, taskID string) (*model.TransferRecord, error) {
	task, err := e.transfer.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return model.NewRecord(file, task)
}

// provisionalRecord stands in for a task Globus accepted but whose document
// could not be read. Reconcile brings its status up to date on later runs.
func (e *Engine) provisionalRecord(file, taskID string) *model.TransferRecord {
	return &model.TransferRecord{
		File:                file,
		TaskID:              taskID,
		Status:              model.StatusActive,
		RequestTime:         e.now().UTC(),
		SourceEndpoint:      e.policy.SourceEndpoint,
		DestinationEndpoint: e.policy.DestinationEndpoint,
	}
}

func (e *Engine) request(name string) model.TransferRequest {
	return model.TransferRequest{
		SourceEndpoint:      e.policy.SourceEndpoint,
		DestinationEndpoint: e.policy.DestinationEndpoint,
		SourcePath:          path.Join(e.policy.SourceBasePath, name),
		DestinationPath:     path.Join(e.policy.DestinationBasePath, name),
		Label:               "Transfer " + name,
		VerifyChecksum:      e.policy.VerifyChecksum,
	}
}

func (e *Engine) publish(log *zap.Logger, send func() error) {
	if e.events == nil {
		return
	}
	if err := send(); err != nil {
		log.Warn("failed to publish event", zap.Error(err))
	}
}

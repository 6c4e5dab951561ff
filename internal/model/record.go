package model

import (
	"database/sql"
	"errors"
	"time"
)

// Status mirrors the Globus task status vocabulary.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusInactive  Status = "INACTIVE"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
)

// IsActive reports whether a task with this status is still in flight.
func (s Status) IsActive() bool {
	return s == StatusActive || s == StatusInactive
}

// IsTerminal reports whether the status is outside the in-flight set. Unknown
// values count as terminal.
func (s Status) IsTerminal() bool {
	return !s.IsActive()
}

// ErrIncompleteTask is returned when a task document lacks a field needed to
// write a record.
var ErrIncompleteTask = errors.New("task document missing required field")

// TransferRecord is one row of the tacc_backups table.
type TransferRecord struct {
	File                           string       `db:"file"`
	TaskID                         string       `db:"task_id"`
	Status                         Status       `db:"status"`
	RequestTime                    time.Time    `db:"request_time"`
	CompletionTime                 sql.NullTime `db:"completion_time"`
	SourceEndpoint                 string       `db:"source_endpoint"`
	DestinationEndpoint            string       `db:"destination_endpoint"`
	SourceEndpointDisplayName      string       `db:"source_endpoint_display_name"`
	DestinationEndpointDisplayName string       `db:"destination_endpoint_display_name"`
}

// NewRecord builds the record written after an accepted submission.
func NewRecord(file string, task TaskInfo) (*TransferRecord, error) {
	if err := task.Validate(); err != nil {
		return nil, err
	}
	rec := &TransferRecord{
		File:                           file,
		TaskID:                         task.TaskID,
		Status:                         task.Status,
		RequestTime:                    task.RequestTime,
		SourceEndpoint:                 task.SourceEndpointID,
		DestinationEndpoint:            task.DestinationEndpointID,
		SourceEndpointDisplayName:      task.SourceEndpointDisplayName,
		DestinationEndpointDisplayName: task.DestinationEndpointDisplayName,
	}
	if task.Status.IsTerminal() && task.CompletionTime != nil {
		rec.CompletionTime = sql.NullTime{Time: *task.CompletionTime, Valid: true}
	}
	return rec, nil
}

// Candidate is a file in the source directory that may need transferring.
type Candidate struct {
	Name string
	Path string
	Size int64
}

package model

import (
	"fmt"
	"time"
)

// CodeAccepted is the submission code Globus returns for an accepted task.
const CodeAccepted = "Accepted"

// Task types.
const (
	TaskTypeTransfer = "TRANSFER"
	TaskTypeDelete   = "DELETE"
)

// TaskInfo is the subset of a Globus task document this tool uses.
// CompletionTime is nil while the task is in flight. Delete tasks report
// their endpoint in the Source fields.
type TaskInfo struct {
	TaskID                         string
	Type                           string
	Status                         Status
	Label                          string
	NiceStatus                     string
	IsPaused                       bool
	RequestTime                    time.Time
	CompletionTime                 *time.Time
	Deadline                       *time.Time
	SourceEndpointID               string
	DestinationEndpointID          string
	SourceEndpointDisplayName      string
	DestinationEndpointDisplayName string
	Files                          int
	Directories                    int
	BytesTransferred               int64
	BytesPerSecond                 int64
	VerifyChecksum                 bool
}

// Validate checks the fields required to persist a record.
func (t TaskInfo) Validate() error {
	switch {
	case t.TaskID == "":
		return fmt.Errorf("%w: task_id", ErrIncompleteTask)
	case t.Status == "":
		return fmt.Errorf("%w: status", ErrIncompleteTask)
	case t.RequestTime.IsZero():
		return fmt.Errorf("%w: request_time", ErrIncompleteTask)
	}
	return nil
}

// TransferRequest describes a single-item transfer submission.
type TransferRequest struct {
	SourceEndpoint      string
	DestinationEndpoint string
	SourcePath          string
	DestinationPath     string
	Label               string
	VerifyChecksum      bool
}

// SubmissionResult is the response to a transfer submission.
type SubmissionResult struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	TaskID       string `json:"task_id"`
	SubmissionID string `json:"submission_id"`
	RequestID    string `json:"request_id"`
}

func (r SubmissionResult) Accepted() bool {
	return r.Code == CodeAccepted
}

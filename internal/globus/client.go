// Package globus is a minimal client for the Globus Transfer REST API: task
// lookup and listing, transfer and delete submission, and directory listing.
package globus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/NCAR/tacc-backup/internal/model"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "https://transfer.api.globus.org/v0.10"

	// FilterActive selects tasks the service is currently executing.
	FilterActive = "status:ACTIVE"

	pageLimit = 1000
)

// Client talks to the Transfer API. It never retries; failed calls are logged
// and returned to the caller.
type Client struct {
	baseURL      string
	http         *http.Client
	logger       *zap.Logger
	submissionID func() string
}

func NewClient(baseURL string, httpClient *http.Client, logger *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		http:         httpClient,
		logger:       logger,
		submissionID: func() string { return uuid.NewString() },
	}
}

// GetTask fetches the current document for one task.
func (c *Client) GetTask(ctx context.Context, taskID string) (model.TaskInfo, error) {
	if _, err := uuid.Parse(taskID); err != nil {
		return model.TaskInfo{}, fmt.Errorf("invalid task id %q: %w", taskID, err)
	}

	var doc taskDocument
	if err := c.do(ctx, http.MethodGet, "/task/"+url.PathEscape(taskID), nil, nil, &doc); err != nil {
		return model.TaskInfo{}, err
	}
	return doc.toTaskInfo(), nil
}

// ListTasks returns every task matching filter, following pagination.
func (c *Client) ListTasks(ctx context.Context, filter string) ([]model.TaskInfo, error) {
	var tasks []model.TaskInfo
	offset := 0
	for {
		query := url.Values{}
		if filter != "" {
			query.Set("filter", filter)
		}
		query.Set("limit", strconv.Itoa(pageLimit))
		query.Set("offset", strconv.Itoa(offset))

		var page taskListDocument
		if err := c.do(ctx, http.MethodGet, "/task_list", query, nil, &page); err != nil {
			return nil, err
		}
		for _, doc := range page.Data {
			tasks = append(tasks, doc.toTaskInfo())
		}

		offset += len(page.Data)
		if len(page.Data) == 0 || offset >= page.Total {
			return tasks, nil
		}
	}
}

// SubmitTransfer submits a transfer of exactly one file.
func (c *Client) SubmitTransfer(ctx context.Context, req model.TransferRequest) (model.SubmissionResult, error) {
	return c.SubmitBatchTransfer(ctx, model.BatchTransfer{
		SourceEndpoint:      req.SourceEndpoint,
		DestinationEndpoint: req.DestinationEndpoint,
		Label:               req.Label,
		VerifyChecksum:      req.VerifyChecksum,
		Items: []model.TransferItem{{
			SourcePath:      req.SourcePath,
			DestinationPath: req.DestinationPath,
		}},
	})
}

// SubmitBatchTransfer submits one transfer task covering every item.
func (c *Client) SubmitBatchTransfer(ctx context.Context, batch model.BatchTransfer) (model.SubmissionResult, error) {
	if len(batch.Items) == 0 {
		return model.SubmissionResult{}, errors.New("transfer has no items")
	}

	doc := transferDocument{
		DataType:            "transfer",
		SubmissionID:        c.submissionID(),
		SourceEndpoint:      batch.SourceEndpoint,
		DestinationEndpoint: batch.DestinationEndpoint,
		Label:               batch.Label,
		VerifyChecksum:      batch.VerifyChecksum,
		NotifyOnSucceeded:   false,
	}
	for _, item := range batch.Items {
		doc.Data = append(doc.Data, transferItem{
			DataType:        "transfer_item",
			SourcePath:      item.SourcePath,
			DestinationPath: item.DestinationPath,
		})
	}

	var result model.SubmissionResult
	if err := c.do(ctx, http.MethodPost, "/transfer", nil, doc, &result); err != nil {
		return model.SubmissionResult{}, err
	}
	return result, nil
}

// SubmitDelete submits a delete task for req.Paths.
func (c *Client) SubmitDelete(ctx context.Context, req model.DeleteRequest) (model.SubmissionResult, error) {
	if req.Endpoint == "" {
		return model.SubmissionResult{}, errors.New("delete needs an endpoint")
	}
	if len(req.Paths) == 0 {
		return model.SubmissionResult{}, errors.New("delete has no paths")
	}

	doc := deleteDocument{
		DataType:     "delete",
		SubmissionID: c.submissionID(),
		Endpoint:     req.Endpoint,
		Label:        req.Label,
		Recursive:    req.Recursive,
	}
	for _, p := range req.Paths {
		doc.Data = append(doc.Data, deleteItem{DataType: "delete_item", Path: p})
	}

	var result model.SubmissionResult
	if err := c.do(ctx, http.MethodPost, "/delete", nil, doc, &result); err != nil {
		return model.SubmissionResult{}, err
	}
	return result, nil
}

// NameFilter turns a listing pattern into a Transfer API name filter. The
// pattern starts with "=" (exact), "~" (glob), "!" or "!~" (negated); a bare
// pattern means "=".
func NameFilter(pattern string) string {
	if pattern == "" {
		return ""
	}
	switch pattern[0] {
	case '=', '~', '!':
		return "name:" + pattern
	}
	return "name:=" + pattern
}

// ListDirectory lists dir on an endpoint. An empty dir lists the endpoint's
// default directory; filter is a pattern accepted by NameFilter.
func (c *Client) ListDirectory(ctx context.Context, endpointID, dir, filter string) ([]model.DirEntry, error) {
	if endpointID == "" {
		return nil, errors.New("ls needs an endpoint")
	}

	query := url.Values{}
	if dir != "" {
		query.Set("path", dir)
	}
	if f := NameFilter(filter); f != "" {
		query.Set("filter", f)
	}

	var doc fileListDocument
	if err := c.do(ctx, http.MethodGet, "/operation/endpoint/"+url.PathEscape(endpointID)+"/ls", query, nil, &doc); err != nil {
		return nil, err
	}

	entries := make([]model.DirEntry, 0, len(doc.Data))
	for _, f := range doc.Data {
		entry := model.DirEntry{
			Name:        f.Name,
			Type:        f.Type,
			Size:        f.Size,
			User:        f.User,
			Group:       f.Group,
			Permissions: f.Permissions,
		}
		if f.LastModified.Valid {
			entry.LastModified = f.LastModified.Time
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Error("globus request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err))
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		remote := &RemoteError{HTTPStatus: resp.StatusCode}
		if err := json.Unmarshal(data, remote); err != nil || remote.Code == "" {
			remote.Code = "Unknown"
			remote.Message = strings.TrimSpace(string(data))
		}
		c.logger.Error("globus api error",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("http_status", remote.HTTPStatus),
			zap.String("code", remote.Code),
			zap.String("message", remote.Message),
			zap.String("request_id", remote.RequestID))
		return remote
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

type taskDocument struct {
	TaskID                         string     `json:"task_id"`
	Type                           string     `json:"type"`
	Status                         string     `json:"status"`
	Label                          string     `json:"label"`
	NiceStatus                     string     `json:"nice_status"`
	IsPaused                       bool       `json:"is_paused"`
	RequestTime                    globusTime `json:"request_time"`
	CompletionTime                 globusTime `json:"completion_time"`
	Deadline                       globusTime `json:"deadline"`
	SourceEndpointID               string     `json:"source_endpoint_id"`
	DestinationEndpointID          string     `json:"destination_endpoint_id"`
	SourceEndpointDisplayName      string     `json:"source_endpoint_display_name"`
	DestinationEndpointDisplayName string     `json:"destination_endpoint_display_name"`
	Files                          int        `json:"files"`
	Directories                    int        `json:"directories"`
	BytesTransferred               int64      `json:"bytes_transferred"`
	EffectiveBytesPerSecond        int64      `json:"effective_bytes_per_second"`
	VerifyChecksum                 bool       `json:"verify_checksum"`
}

func (d taskDocument) toTaskInfo() model.TaskInfo {
	info := model.TaskInfo{
		TaskID:                         d.TaskID,
		Type:                           d.Type,
		Status:                         model.Status(d.Status),
		Label:                          d.Label,
		NiceStatus:                     d.NiceStatus,
		IsPaused:                       d.IsPaused,
		SourceEndpointID:               d.SourceEndpointID,
		DestinationEndpointID:          d.DestinationEndpointID,
		SourceEndpointDisplayName:      d.SourceEndpointDisplayName,
		DestinationEndpointDisplayName: d.DestinationEndpointDisplayName,
		Files:                          d.Files,
		Directories:                    d.Directories,
		BytesTransferred:               d.BytesTransferred,
		BytesPerSecond:                 d.EffectiveBytesPerSecond,
		VerifyChecksum:                 d.VerifyChecksum,
	}
	if d.RequestTime.Valid {
		info.RequestTime = d.RequestTime.Time
	}
	if d.CompletionTime.Valid {
		completed := d.CompletionTime.Time
		info.CompletionTime = &completed
	}
	if d.Deadline.Valid {
		deadline := d.Deadline.Time
		info.Deadline = &deadline
	}
	return info
}

type taskListDocument struct {
	Offset int            `json:"offset"`
	Limit  int            `json:"limit"`
	Total  int            `json:"total"`
	Data   []taskDocument `json:"DATA"`
}

type transferItem struct {
	DataType        string `json:"DATA_TYPE"`
	SourcePath      string `json:"source_path"`
	DestinationPath string `json:"destination_path"`
}

type transferDocument struct {
	DataType            string         `json:"DATA_TYPE"`
	SubmissionID        string         `json:"submission_id"`
	SourceEndpoint      string         `json:"source_endpoint"`
	DestinationEndpoint string         `json:"destination_endpoint"`
	Label               string         `json:"label,omitempty"`
	VerifyChecksum      bool           `json:"verify_checksum"`
	NotifyOnSucceeded   bool           `json:"notify_on_succeeded"`
	Data                []transferItem `json:"DATA"`
}

type deleteItem struct {
	DataType string `json:"DATA_TYPE"`
	Path     string `json:"path"`
}

type deleteDocument struct {
	DataType     string       `json:"DATA_TYPE"`
	SubmissionID string       `json:"submission_id"`
	Endpoint     string       `json:"endpoint"`
	Label        string       `json:"label,omitempty"`
	Recursive    bool         `json:"recursive"`
	Data         []deleteItem `json:"DATA"`
}

type fileDocument struct {
	Name         string     `json:"name"`
	Type         string     `json:"type"`
	Size         int64      `json:"size"`
	User         string     `json:"user"`
	Group        string     `json:"group"`
	Permissions  string     `json:"permissions"`
	LastModified globusTime `json:"last_modified"`
}

type fileListDocument struct {
	Path string         `json:"path"`
	Data []fileDocument `json:"DATA"`
}

// Transfer API timestamps look like "2024-05-01 17:03:22+00:00".
var timeLayouts = []string{
	"2006-01-02 15:04:05-07:00",
	"2006-01-02 15:04:05.999999-07:00",
	time.RFC3339Nano,
}

type globusTime struct {
	Time  time.Time
	Valid bool
}

func (t *globusTime) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*t = globusTime{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*t = globusTime{}
		return nil
	}
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			*t = globusTime{Time: parsed.UTC(), Valid: true}
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", s)
}

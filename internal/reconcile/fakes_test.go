package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/NCAR/tacc-backup/internal/database"
	"github.com/NCAR/tacc-backup/internal/globus"
	"github.com/NCAR/tacc-backup/internal/model"
	"github.com/NCAR/tacc-backup/internal/relocator"
	"github.com/NCAR/tacc-backup/internal/scanner"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var requestTime = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

// fakeGlobus is an in-memory Transfer API. Submitted tasks start ACTIVE.
type fakeGlobus struct {
	mu         sync.Mutex
	tasks      map[string]*model.TaskInfo
	external   int
	getCalls   map[string]int
	getErr     map[string]error
	listErr    error
	submitCode string
	submitErr  error
	submitted  []model.TransferRequest
	nextID     int
}

func newFakeGlobus() *fakeGlobus {
	return &fakeGlobus{
		tasks:    make(map[string]*model.TaskInfo),
		getCalls: make(map[string]int),
		getErr:   make(map[string]error),
	}
}

func (f *fakeGlobus) GetTask(ctx context.Context, taskID string) (model.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls[taskID]++
	if err := f.getErr[taskID]; err != nil {
		return model.TaskInfo{}, err
	}
	task, ok := f.tasks[taskID]
	if !ok {
		return model.TaskInfo{}, &globus.RemoteError{HTTPStatus: http.StatusNotFound, Code: "TaskNotFound"}
	}
	return *task, nil
}

func (f *fakeGlobus) ListTasks(ctx context.Context, filter string) ([]model.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	tasks := make([]model.TaskInfo, f.external)
	for _, t := range f.tasks {
		if t.Status == model.StatusActive {
			tasks = append(tasks, *t)
		}
	}
	return tasks, nil
}

func (f *fakeGlobus) SubmitTransfer(ctx context.Context, req model.TransferRequest) (model.SubmissionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, req)
	if f.submitErr != nil {
		return model.SubmissionResult{}, f.submitErr
	}
	if f.submitCode != "" && f.submitCode != model.CodeAccepted {
		return model.SubmissionResult{Code: f.submitCode, Message: "rejected"}, nil
	}
	f.nextID++
	id := fmt.Sprintf("task-%03d", f.nextID)
	f.tasks[id] = &model.TaskInfo{
		TaskID:                         id,
		Type:                           "TRANSFER",
		Status:                         model.StatusActive,
		Label:                          req.Label,
		RequestTime:                    requestTime,
		SourceEndpointID:               req.SourceEndpoint,
		DestinationEndpointID:          req.DestinationEndpoint,
		SourceEndpointDisplayName:      "GDEX Lustre",
		DestinationEndpointDisplayName: "TACC Ranch",
	}
	return model.SubmissionResult{
		Code:    model.CodeAccepted,
		Message: "The transfer has been accepted and a task has been created and queued for execution",
		TaskID:  id,
	}, nil
}

func (f *fakeGlobus) addTask(id string, status model.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[id] = &model.TaskInfo{TaskID: id, Status: status, RequestTime: requestTime}
}

func (f *fakeGlobus) finish(id string, status model.Status, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[id].Status = status
	f.tasks[id].CompletionTime = &at
}

func (f *fakeGlobus) calls(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getCalls[id]
}

func (f *fakeGlobus) submissions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

// sizedScanner reports configured sizes in place of the real ones, so tests
// can model multi-gigabyte archives without writing them.
type sizedScanner struct {
	inner *scanner.Scanner
	sizes map[string]int64
}

func (s *sizedScanner) Scan(ctx context.Context) ([]model.Candidate, error) {
	candidates, err := s.inner.Scan(ctx)
	if err != nil {
		return nil, err
	}
	for i, c := range candidates {
		if size, ok := s.sizes[c.Name]; ok {
			candidates[i].Size = size
		}
	}
	return candidates, nil
}

type failingMover struct{}

func (failingMover) Move(name string) (string, error) {
	return "", errors.New("rename: permission denied")
}

type recordingPublisher struct {
	mu        sync.Mutex
	changes   []string
	submitted []string
	err       error
}

func (p *recordingPublisher) StatusChanged(ctx context.Context, rec model.TransferRecord, previous model.Status) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, fmt.Sprintf("%s:%s->%s", rec.File, previous, rec.Status))
	return p.err
}

func (p *recordingPublisher) Submitted(ctx context.Context, rec model.TransferRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submitted = append(p.submitted, rec.File)
	return p.err
}

const (
	gib     = int64(1) << 30
	maxSize = 10 * 1024 * gib
)

type testEnv struct {
	t       *testing.T
	fs      billy.Filesystem
	store   *database.Database
	globus  *fakeGlobus
	scanner *sizedScanner
	engine  *Engine
	orch    *Orchestrator
}

func testPolicy() Policy {
	return Policy{
		MaxActiveTasks:      4,
		MaxFileSizeBytes:    maxSize,
		SourceEndpoint:      "lustre-endpoint",
		DestinationEndpoint: "tacc-endpoint",
		SourceBasePath:      "work/tacc_backups",
		DestinationBasePath: "/gdex-data-backups",
	}
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	store, err := database.New(filepath.Join(t.TempDir(), "tacc.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fs := memfs.New()
	sc, err := scanner.New(fs, scanner.DefaultPattern)
	require.NoError(t, err)

	env := &testEnv{
		t:       t,
		fs:      fs,
		store:   store,
		globus:  newFakeGlobus(),
		scanner: &sizedScanner{inner: sc, sizes: make(map[string]int64)},
	}
	env.engine = NewEngine(store, env.globus, relocator.New(fs, "", zap.NewNop()), testPolicy(), zap.NewNop(), opts...)
	env.orch = NewOrchestrator(env.scanner, env.engine, zap.NewNop())
	return env
}

func (e *testEnv) addFile(name string, size int64) {
	e.t.Helper()
	require.NoError(e.t, util.WriteFile(e.fs, name, []byte("tar"), 0644))
	e.scanner.sizes[name] = size
}

// track inserts a record for name backed by a remote task with the same status.
func (e *testEnv) track(name, taskID string, status model.Status) {
	e.t.Helper()
	e.globus.addTask(taskID, status)
	rec := &model.TransferRecord{
		File:        name,
		TaskID:      taskID,
		Status:      status,
		RequestTime: requestTime,
	}
	if status.IsTerminal() {
		rec.CompletionTime.Time, rec.CompletionTime.Valid = requestTime.Add(time.Hour), true
	}
	require.NoError(e.t, e.store.Insert(context.Background(), rec))
}

func (e *testEnv) run() *Report {
	e.t.Helper()
	report, err := e.orch.Run(context.Background())
	require.NoError(e.t, err)
	return report
}

func (e *testEnv) record(name string) *model.TransferRecord {
	e.t.Helper()
	rec, err := e.store.Get(context.Background(), name)
	require.NoError(e.t, err)
	return rec
}

func (e *testEnv) records() []model.TransferRecord {
	e.t.Helper()
	records, err := e.store.List(context.Background())
	require.NoError(e.t, err)
	return records
}

func (e *testEnv) exists(path string) bool {
	_, err := e.fs.Stat(path)
	return err == nil
}

package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type countingRunner struct {
	mu      sync.Mutex
	runs    int
	active  int
	overlap bool
	err     error
	delay   time.Duration
}

func (r *countingRunner) Run(ctx context.Context) error {
	r.mu.Lock()
	r.runs++
	r.active++
	if r.active > 1 {
		r.overlap = true
	}
	r.mu.Unlock()

	time.Sleep(r.delay)

	r.mu.Lock()
	r.active--
	r.mu.Unlock()
	return r.err
}

func (r *countingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs
}

func (r *countingRunner) waitFor(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if r.count() >= n {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return false
}

func matchFn(name string) bool {
	return strings.Contains(name, "fn") && strings.HasSuffix(name, ".tar")
}

func startWatcher(t *testing.T, runner Runner, interval, debounce time.Duration) string {
	t.Helper()
	dir := t.TempDir()

	w, err := New(dir, matchFn, runner, interval, debounce, zap.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run() error = %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("Run() did not return after cancel")
		}
		w.Close()
	})
	return dir
}

func TestWatcherRunsOnStartup(t *testing.T) {
	runner := &countingRunner{}
	startWatcher(t, runner, time.Hour, time.Hour)

	if !runner.waitFor(1, 2*time.Second) {
		t.Fatal("no startup run")
	}
}

func TestWatcherFileEvent(t *testing.T) {
	runner := &countingRunner{}
	dir := startWatcher(t, runner, time.Hour, 100*time.Millisecond)

	if !runner.waitFor(1, 2*time.Second) {
		t.Fatal("no startup run")
	}

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(400 * time.Millisecond)
	if got := runner.count(); got != 1 {
		t.Fatalf("non-matching file triggered a run, runs = %d", got)
	}

	// A burst of writes collapses into one run.
	testFile := filepath.Join(dir, "backup_fn001.tar")
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(testFile, []byte("chunk"), 0644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if !runner.waitFor(2, 2*time.Second) {
		t.Fatal("matching file did not trigger a run")
	}
	time.Sleep(400 * time.Millisecond)
	if got := runner.count(); got != 2 {
		t.Errorf("runs = %d, want 2", got)
	}
}

func TestWatcherInterval(t *testing.T) {
	runner := &countingRunner{err: errors.New("globus unavailable"), delay: 30 * time.Millisecond}
	startWatcher(t, runner, 50*time.Millisecond, time.Hour)

	if !runner.waitFor(4, 3*time.Second) {
		t.Fatalf("runs = %d, want at least 4", runner.count())
	}

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if runner.overlap {
		t.Error("runs overlapped")
	}
}

func TestWatcherIgnoresRelocation(t *testing.T) {
	runner := &countingRunner{}
	dir := startWatcher(t, runner, time.Hour, 100*time.Millisecond)

	if !runner.waitFor(1, 2*time.Second) {
		t.Fatal("no startup run")
	}

	completed := filepath.Join(dir, "completed")
	if err := os.Mkdir(completed, 0755); err != nil {
		t.Fatal(err)
	}
	src := filepath.Join(dir, "backup_fn001.tar")
	if err := os.WriteFile(src, []byte("archive"), 0644); err != nil {
		t.Fatal(err)
	}
	if !runner.waitFor(2, 2*time.Second) {
		t.Fatal("new archive did not trigger a run")
	}

	if err := os.Rename(src, filepath.Join(completed, "backup_fn001.tar")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(400 * time.Millisecond)
	if got := runner.count(); got != 2 {
		t.Errorf("moving an archive out triggered a run, runs = %d", got)
	}
}

func TestNewRejectsNonPositiveDurations(t *testing.T) {
	runner := &countingRunner{}
	if _, err := New(t.TempDir(), matchFn, runner, 0, time.Second, zap.NewNop()); err == nil {
		t.Error("expected error for zero interval")
	}
	if _, err := New(t.TempDir(), matchFn, runner, time.Minute, -time.Second, zap.NewNop()); err == nil {
		t.Error("expected error for negative debounce")
	}
}

func TestRunnerFunc(t *testing.T) {
	called := false
	var r Runner = RunnerFunc(func(ctx context.Context) error {
		called = true
		return nil
	})
	if err := r.Run(context.Background()); err != nil || !called {
		t.Errorf("RunnerFunc not invoked, err = %v", err)
	}
}

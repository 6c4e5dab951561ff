package scanner

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func names(t *testing.T, s *Scanner) map[string]int64 {
	t.Helper()
	candidates, err := s.Scan(context.Background())
	require.NoError(t, err)
	out := make(map[string]int64, len(candidates))
	for _, c := range candidates {
		out[c.Name] = c.Size
	}
	return out
}

func TestScanner_Scan(t *testing.T) {
	fs := memfs.New()
	require.NoError(t, util.WriteFile(fs, "ds084.1_fn001.tar", []byte("12345"), 0644))
	require.NoError(t, util.WriteFile(fs, "ds084.1_fn002.tar", []byte("1"), 0644))
	require.NoError(t, util.WriteFile(fs, "ds084.1_fn003.tar.part", []byte("1"), 0644))
	require.NoError(t, util.WriteFile(fs, "notes.txt", []byte("1"), 0644))
	require.NoError(t, util.WriteFile(fs, "completed/ds084.1_fn000.tar", []byte("1"), 0644))
	require.NoError(t, fs.MkdirAll("dir_fn.tar", 0755))

	s, err := New(fs, "")
	require.NoError(t, err)

	got := names(t, s)
	assert.Equal(t, map[string]int64{
		"ds084.1_fn001.tar": 5,
		"ds084.1_fn002.tar": 1,
	}, got)
}

func TestScanner_ScanIsRestartable(t *testing.T) {
	fs := memfs.New()
	require.NoError(t, util.WriteFile(fs, "a_fn1.tar", []byte("x"), 0644))

	s, err := New(fs, DefaultPattern)
	require.NoError(t, err)
	assert.Len(t, names(t, s), 1)

	require.NoError(t, util.WriteFile(fs, "b_fn2.tar", []byte("x"), 0644))
	require.NoError(t, fs.Rename("a_fn1.tar", "moved.bin"))
	got := names(t, s)
	assert.Len(t, got, 1)
	assert.Contains(t, got, "b_fn2.tar")
}

func TestScanner_OSFilesystem(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"x_fn9.tar", "y_fn8.tar", "z.tar"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("abc"), 0644))
	}

	s, err := New(osfs.New(dir), DefaultPattern)
	require.NoError(t, err)
	candidates, err := s.Scan(context.Background())
	require.NoError(t, err)

	var paths []string
	for _, c := range candidates {
		paths = append(paths, c.Path)
	}
	sort.Strings(paths)
	assert.Equal(t, []string{filepath.Join(dir, "x_fn9.tar"), filepath.Join(dir, "y_fn8.tar")}, paths)
}

func TestScanner_Matches(t *testing.T) {
	s, err := New(memfs.New(), DefaultPattern)
	require.NoError(t, err)

	assert.True(t, s.Matches("/lustre/work/tacc_backups/ds633.0_fn12.tar"))
	assert.False(t, s.Matches("ds633.0_fn12.tar.tmp"))
	assert.False(t, s.Matches("ds633.0.tar"))
}

func TestNew_InvalidPattern(t *testing.T) {
	_, err := New(memfs.New(), "[")
	assert.Error(t, err)
}

func TestScanner_CanceledContext(t *testing.T) {
	fs := memfs.New()
	require.NoError(t, util.WriteFile(fs, "a_fn1.tar", []byte("x"), 0644))
	s, err := New(fs, DefaultPattern)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Scan(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

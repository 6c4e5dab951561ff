package scanner

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/NCAR/tacc-backup/internal/model"
	"github.com/go-git/go-billy/v5"
)

// DefaultPattern matches the archive backup tar files.
const DefaultPattern = "*fn*.tar"

// Scanner lists candidate files at the top level of a source directory.
type Scanner struct {
	fs      billy.Filesystem
	pattern string
}

func New(fs billy.Filesystem, pattern string) (*Scanner, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	return &Scanner{fs: fs, pattern: pattern}, nil
}

// Matches reports whether name is a candidate file name.
func (s *Scanner) Matches(name string) bool {
	ok, _ := filepath.Match(s.pattern, filepath.Base(name))
	return ok
}

// Scan returns the matching regular files currently present, in directory
// order. Subdirectories, including the completed directory, are not descended.
func (s *Scanner) Scan(ctx context.Context) ([]model.Candidate, error) {
	entries, err := s.fs.ReadDir(".")
	if err != nil {
		return nil, fmt.Errorf("read source directory %s: %w", s.fs.Root(), err)
	}

	var candidates []model.Candidate
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.Mode().IsRegular() || !s.Matches(entry.Name()) {
			continue
		}
		candidates = append(candidates, model.Candidate{
			Name: entry.Name(),
			Path: s.fs.Join(s.fs.Root(), entry.Name()),
			Size: entry.Size(),
		})
	}
	return candidates, nil
}

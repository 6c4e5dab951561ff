package relocator

import (
	"fmt"
	"path/filepath"

	"github.com/go-git/go-billy/v5"
	"go.uber.org/zap"
)

// DefaultDir is the completed-files directory, relative to the source directory.
const DefaultDir = "completed"

// Relocator moves files whose transfer succeeded out of the source directory.
// Moves are renames, so the completed directory must be on the same volume.
type Relocator struct {
	fs     billy.Filesystem
	dir    string
	logger *zap.Logger
}

func New(fs billy.Filesystem, dir string, logger *zap.Logger) *Relocator {
	if dir == "" {
		dir = DefaultDir
	}
	return &Relocator{fs: fs, dir: dir, logger: logger}
}

// Dir returns the completed directory relative to the source directory.
func (r *Relocator) Dir() string {
	return r.dir
}

// Move renames name into the completed directory, creating it if needed, and
// returns the new path. On failure the file is left where it was.
func (r *Relocator) Move(name string) (string, error) {
	name = filepath.Base(name)
	if err := r.fs.MkdirAll(r.dir, 0755); err != nil {
		return "", fmt.Errorf("create completed directory: %w", err)
	}

	target := r.fs.Join(r.dir, name)
	if err := r.fs.Rename(name, target); err != nil {
		return "", fmt.Errorf("move file %s: %w", name, err)
	}

	dest := r.fs.Join(r.fs.Root(), target)
	r.logger.Info("moved file", zap.String("file", name), zap.String("destination", dest))
	return dest, nil
}

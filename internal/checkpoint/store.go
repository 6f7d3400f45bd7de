package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/danielpatrickdp/spine-driver/internal/wire"
)

var (
	// ErrWeightsNotFound marks a weight path that resolves to no file.
	ErrWeightsNotFound = errors.New("weight file not found")
	// ErrAmbiguousPath marks a pattern used where one exact file is required.
	ErrAmbiguousPath = errors.New("training requires an exact weight file path")
)

// #region save
// Saved describes a checkpoint file written by Save.
type Saved struct {
	Path   string
	Digest wire.Digest
	Size   int64
}

// FileName returns the checkpoint path for prefix and iteration.
func FileName(prefix string, iteration int64) string {
	return fmt.Sprintf("%s-%d.ckpt", prefix, iteration)
}

// Save writes c to {prefix}-{c.Iteration}.ckpt. The parent directory of
// prefix must exist. The file is written under a temporary name and
// renamed, so the final name only ever holds a complete checkpoint.
func Save(prefix string, c Checkpoint, compression wire.Compression) (Saved, error) {
	path := FileName(prefix, c.Iteration)
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return Saved{}, fmt.Errorf("create checkpoint: %w", err)
	}
	defer os.Remove(tmp.Name())

	digest, err := Encode(tmp, c, compression)
	if err != nil {
		tmp.Close()
		return Saved{}, fmt.Errorf("write checkpoint %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return Saved{}, fmt.Errorf("sync checkpoint %s: %w", path, err)
	}
	info, err := tmp.Stat()
	if err != nil {
		tmp.Close()
		return Saved{}, err
	}
	if err := tmp.Close(); err != nil {
		return Saved{}, fmt.Errorf("close checkpoint %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return Saved{}, fmt.Errorf("rename checkpoint %s: %w", path, err)
	}
	return Saved{Path: path, Digest: digest, Size: info.Size()}, nil
}

// ReadFile decodes the checkpoint at path.
func ReadFile(path string) (Checkpoint, Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Checkpoint{}, Header{}, fmt.Errorf("open checkpoint: %w", err)
	}
	defer f.Close()
	c, h, err := Decode(f)
	if err != nil {
		return Checkpoint{}, h, fmt.Errorf("%s: %w", path, err)
	}
	return c, h, nil
}
// #endregion save

// #region snapshot
// Source is a live model whose state can be snapshotted.
type Source interface {
	StateDict(ctx context.Context) (State, error)
	OptimizerState(ctx context.Context) (wire.RawMessage, error)
}

// Snapshot captures the current state of src at iteration.
func Snapshot(ctx context.Context, src Source, iteration int64) (Checkpoint, error) {
	state, err := src.StateDict(ctx)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("fetch model state: %w", err)
	}
	opt, err := src.OptimizerState(ctx)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("fetch optimizer state: %w", err)
	}
	return Checkpoint{Iteration: iteration, ModelState: state, OptimizerState: opt}, nil
}
// #endregion snapshot

// #region resolve
// Resolve expands a weight path. An existing regular file resolves to
// itself. Otherwise, in training mode the path is an error; outside it
// the path is a glob whose matches are returned sorted.
func Resolve(pattern string, train bool) ([]string, error) {
	if info, err := os.Stat(pattern); err == nil && info.Mode().IsRegular() {
		return []string{pattern}, nil
	}
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("weight path %q: %w", pattern, err)
	}
	if train {
		if len(matches) > 0 {
			return nil, fmt.Errorf("%w: %q matches %d files", ErrAmbiguousPath, pattern, len(matches))
		}
		return nil, fmt.Errorf("%w: %s", ErrWeightsNotFound, pattern)
	}
	var files []string
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil && info.Mode().IsRegular() {
			files = append(files, m)
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrWeightsNotFound, pattern)
	}
	sort.Strings(files)
	return files, nil
}

// IsGlob reports whether path contains glob metacharacters.
func IsGlob(path string) bool {
	return strings.ContainsAny(path, "*?[")
}
// #endregion resolve

package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Local stores artifacts under dir/<task>/<name>.
type Local struct {
	dir string
}

func NewLocal(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &Local{dir: dir}, nil
}

// TaskDir returns the directory holding a task's artifacts.
func (l *Local) TaskDir(taskID string) string {
	return filepath.Join(l.dir, taskID)
}

func (l *Local) Put(ctx context.Context, taskID, name string, data []byte) error {
	if err := validName(taskID, name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := l.TaskDir(taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp := filepath.Join(dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, name))
}

func (l *Local) Open(ctx context.Context, taskID, name string) (io.ReadCloser, error) {
	if err := validName(taskID, name); err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(l.TaskDir(taskID), name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

func (l *Local) RemoveTask(ctx context.Context, taskID string) error {
	if err := validName(taskID, "x"); err != nil {
		return err
	}
	return os.RemoveAll(l.TaskDir(taskID))
}

// Package store persists generated artifacts per task, on local disk or in
// a Google Cloud Storage bucket.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// ErrNotFound is returned when an artifact does not exist.
var ErrNotFound = errors.New("artifact not found")

// Store keeps the files produced by one task under the task's ID.
type Store interface {
	Put(ctx context.Context, taskID, name string, data []byte) error
	Open(ctx context.Context, taskID, name string) (io.ReadCloser, error)
	RemoveTask(ctx context.Context, taskID string) error
}

// validName rejects names that could address another task's files.
func validName(taskID, name string) error {
	for _, s := range []string{taskID, name} {
		if s == "" || s == "." || s == ".." || strings.ContainsAny(s, `/\`) {
			return fmt.Errorf("invalid artifact name %q", path.Join(taskID, name))
		}
	}
	return nil
}

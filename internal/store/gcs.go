package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCS stores artifacts as objects gs://bucket/prefix/<task>/<name>.
type GCS struct {
	client *storage.Client
	bucket string
	prefix string
	log    *slog.Logger
}

// NewGCS connects with application default credentials.
func NewGCS(ctx context.Context, bucket, prefix string, log *slog.Logger) (*GCS, error) {
	if bucket == "" {
		return nil, errors.New("gcs bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &GCS{client: client, bucket: bucket, prefix: prefix, log: log}, nil
}

func (g *GCS) object(taskID, name string) string {
	return path.Join(g.prefix, taskID, name)
}

func (g *GCS) Put(ctx context.Context, taskID, name string, data []byte) error {
	if err := validName(taskID, name); err != nil {
		return err
	}
	obj := g.object(taskID, name)
	return Retry(ctx, g.log.With("object", obj), func(ctx context.Context) error {
		writeCtx, cancel := context.WithTimeout(ctx, 50*time.Second)
		defer cancel()

		w := g.client.Bucket(g.bucket).Object(obj).NewWriter(writeCtx)
		w.ContentType = contentType(name)
		if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
			_ = w.Close()
			return fmt.Errorf("copy to gcs: %w", err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("finalize upload: %w", err)
		}
		return nil
	})
}

func (g *GCS) Open(ctx context.Context, taskID, name string) (io.ReadCloser, error) {
	if err := validName(taskID, name); err != nil {
		return nil, err
	}
	r, err := g.client.Bucket(g.bucket).Object(g.object(taskID, name)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open gs://%s/%s: %w", g.bucket, g.object(taskID, name), err)
	}
	return r, nil
}

func (g *GCS) RemoveTask(ctx context.Context, taskID string) error {
	if err := validName(taskID, "x"); err != nil {
		return err
	}
	bucket := g.client.Bucket(g.bucket)
	it := bucket.Objects(ctx, &storage.Query{Prefix: path.Join(g.prefix, taskID) + "/"})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return fmt.Errorf("list task objects: %w", err)
		}
		if err := bucket.Object(attrs.Name).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("delete %s: %w", attrs.Name, err)
		}
	}
}

// Close releases the storage client.
func (g *GCS) Close() error {
	return g.client.Close()
}

func contentType(name string) string {
	switch path.Ext(name) {
	case ".pdf":
		return "application/pdf"
	case ".zip":
		return "application/zip"
	case ".txt":
		return "text/plain; charset=utf-8"
	}
	return "application/octet-stream"
}

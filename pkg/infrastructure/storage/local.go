package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	shared "github.com/capturelab/mocap-server/pkg"
)

// LocalAdapter stores blobs under Root/<bucket>/<object>. Used for local
// development and tests.
type LocalAdapter struct {
	Root string
}

func (a *LocalAdapter) path(bucket, object string) string {
	return filepath.Join(a.Root, bucket, filepath.FromSlash(object))
}

func (a *LocalAdapter) Write(ctx context.Context, bucket, object string, data []byte) error {
	return a.WriteFrom(ctx, bucket, object, bytes.NewReader(data))
}

func (a *LocalAdapter) WriteFrom(ctx context.Context, bucket, object string, r io.Reader) error {
	p := a.path(bucket, object)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), p)
}

func (a *LocalAdapter) Read(ctx context.Context, bucket, object string) ([]byte, error) {
	data, err := os.ReadFile(a.path(bucket, object))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s/%s: %w", bucket, object, shared.ErrNotFound)
	}
	return data, err
}

func (a *LocalAdapter) Open(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	f, err := os.Open(a.path(bucket, object))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s/%s: %w", bucket, object, shared.ErrNotFound)
	}
	return f, err
}

func (a *LocalAdapter) Delete(ctx context.Context, bucket, object string) error {
	err := os.Remove(a.path(bucket, object))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

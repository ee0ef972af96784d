package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	shared "github.com/capturelab/mocap-server/pkg"
)

// StorageAdapter provides blob storage operations using Google Cloud Storage
type StorageAdapter struct {
	Client *storage.Client
}

func (a *StorageAdapter) Write(ctx context.Context, bucketName, objectName string, data []byte) error {
	wc := a.Client.Bucket(bucketName).Object(objectName).NewWriter(ctx)
	if _, err := wc.Write(data); err != nil {
		wc.Close()
		return classify(err, bucketName, objectName)
	}
	return classify(wc.Close(), bucketName, objectName)
}

func (a *StorageAdapter) WriteFrom(ctx context.Context, bucketName, objectName string, r io.Reader) error {
	wc := a.Client.Bucket(bucketName).Object(objectName).NewWriter(ctx)
	if _, err := io.Copy(wc, r); err != nil {
		wc.Close()
		return classify(err, bucketName, objectName)
	}
	return classify(wc.Close(), bucketName, objectName)
}

func (a *StorageAdapter) Read(ctx context.Context, bucketName, objectName string) ([]byte, error) {
	rc, err := a.Open(ctx, bucketName, objectName)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, classify(err, bucketName, objectName)
	}
	return data, nil
}

func (a *StorageAdapter) Open(ctx context.Context, bucketName, objectName string) (io.ReadCloser, error) {
	rc, err := a.Client.Bucket(bucketName).Object(objectName).NewReader(ctx)
	if err != nil {
		return nil, classify(err, bucketName, objectName)
	}
	return rc, nil
}

func (a *StorageAdapter) Delete(ctx context.Context, bucketName, objectName string) error {
	err := a.Client.Bucket(bucketName).Object(objectName).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	return classify(err, bucketName, objectName)
}

// classify maps GCS errors onto the shared error vocabulary: missing objects
// become ErrNotFound, throttling and 5xx become TransientError.
func classify(err error, bucket, object string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return fmt.Errorf("gs://%s/%s: %w", bucket, object, shared.ErrNotFound)
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500 {
			return shared.NewTransientError(err, 0, fmt.Sprintf("gcs %d", apiErr.Code))
		}
		if apiErr.Code == http.StatusNotFound {
			return fmt.Errorf("gs://%s/%s: %w", bucket, object, shared.ErrNotFound)
		}
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return shared.NewTransientError(err, 0, "gcs read interrupted")
	}
	return fmt.Errorf("gs://%s/%s: %w", bucket, object, err)
}

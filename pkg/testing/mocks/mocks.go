package mocks

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/cloudevents/sdk-go/v2/event"

	shared "github.com/capturelab/mocap-server/pkg"
)

// --- Mock Publisher ---

// MockPublisher records every published event. PublishCloudEventFunc, when
// set, decides the outcome.
type MockPublisher struct {
	PublishCloudEventFunc func(ctx context.Context, topic string, e event.Event) (string, error)

	mu        sync.Mutex
	Published []PublishedEvent
}

type PublishedEvent struct {
	Topic string
	Event event.Event
}

func (m *MockPublisher) PublishCloudEvent(ctx context.Context, topic string, e event.Event) (string, error) {
	m.mu.Lock()
	m.Published = append(m.Published, PublishedEvent{Topic: topic, Event: e})
	m.mu.Unlock()
	if m.PublishCloudEventFunc != nil {
		return m.PublishCloudEventFunc(ctx, topic, e)
	}
	return "msg-id", nil
}

// Events returns a copy of the published events.
func (m *MockPublisher) Events() []PublishedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PublishedEvent(nil), m.Published...)
}

// --- Mock Storage ---

type MockBlobStore struct {
	WriteFunc     func(ctx context.Context, bucket, object string, data []byte) error
	ReadFunc      func(ctx context.Context, bucket, object string) ([]byte, error)
	WriteFromFunc func(ctx context.Context, bucket, object string, r io.Reader) error
	OpenFunc      func(ctx context.Context, bucket, object string) (io.ReadCloser, error)
	DeleteFunc    func(ctx context.Context, bucket, object string) error
}

func (m *MockBlobStore) Write(ctx context.Context, bucket, object string, data []byte) error {
	if m.WriteFunc != nil {
		return m.WriteFunc(ctx, bucket, object, data)
	}
	return nil
}

func (m *MockBlobStore) Read(ctx context.Context, bucket, object string) ([]byte, error) {
	if m.ReadFunc != nil {
		return m.ReadFunc(ctx, bucket, object)
	}
	return nil, fmt.Errorf("%s/%s: %w", bucket, object, shared.ErrNotFound)
}

func (m *MockBlobStore) WriteFrom(ctx context.Context, bucket, object string, r io.Reader) error {
	if m.WriteFromFunc != nil {
		return m.WriteFromFunc(ctx, bucket, object, r)
	}
	if m.WriteFunc != nil {
		data, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		return m.WriteFunc(ctx, bucket, object, data)
	}
	_, err := io.Copy(io.Discard, r)
	return err
}

func (m *MockBlobStore) Open(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	if m.OpenFunc != nil {
		return m.OpenFunc(ctx, bucket, object)
	}
	if m.ReadFunc != nil {
		data, err := m.ReadFunc(ctx, bucket, object)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	return nil, fmt.Errorf("%s/%s: %w", bucket, object, shared.ErrNotFound)
}

func (m *MockBlobStore) Delete(ctx context.Context, bucket, object string) error {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, bucket, object)
	}
	return nil
}

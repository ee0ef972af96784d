package framework

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/cloudevents/sdk-go/v2/event"

	shared "github.com/capturelab/mocap-server/pkg"
	"github.com/capturelab/mocap-server/pkg/bootstrap"
	"github.com/capturelab/mocap-server/pkg/infrastructure/sentry"
	"github.com/capturelab/mocap-server/pkg/types"
)

// FrameworkContext contains dependencies injected by the framework
type FrameworkContext struct {
	Service *bootstrap.Service
	Logger  *slog.Logger
	EventID string
}

// HandlerFunc is the signature for a cloud function handler
type HandlerFunc func(ctx context.Context, e event.Event, fwCtx *FrameworkContext) (interface{}, error)

// WrapCloudEvent adapts a handler to a CloudEvent function. Events that
// arrive inside a Pub/Sub envelope are unwrapped first.
//
// Only transient failures are returned to the runtime, so Pub/Sub
// redelivers those and acknowledges everything else. Every failure is
// reported to Sentry.
func WrapCloudEvent(serviceName string, svc *bootstrap.Service, handler HandlerFunc) func(context.Context, event.Event) error {
	return func(ctx context.Context, e event.Event) error {
		logger := svc.Logger
		if logger == nil {
			level := ""
			if svc.Config != nil {
				level = svc.Config.LogLevel
			}
			logger = bootstrap.NewLogger(serviceName, level)
		}

		inner := Unwrap(e)
		logger = logger.With("event_id", inner.ID(), "event_type", inner.Type())
		logger.Debug("Function started")

		fwCtx := &FrameworkContext{
			Service: svc,
			Logger:  logger,
			EventID: inner.ID(),
		}

		outputs, err := handler(ctx, inner, fwCtx)
		if err == nil {
			logger.Info("Function completed", "outputs", outputs)
			return nil
		}

		sentry.CaptureException(err, map[string]string{
			"service":    serviceName,
			"event_id":   inner.ID(),
			"event_type": inner.Type(),
		}, logger)

		if shared.IsTransient(err) {
			logger.Warn("Function failed, requesting redelivery", "error", err)
			return err
		}
		logger.Error("Function failed", "error", err)
		return nil
	}
}

// Unwrap returns the CloudEvent carried in a Pub/Sub message. Events that
// are not such envelopes are returned unchanged.
func Unwrap(e event.Event) event.Event {
	var msg types.PubSubMessage
	if err := e.DataAs(&msg); err != nil || len(msg.Message.Data) == 0 {
		return e
	}
	var inner event.Event
	if err := json.Unmarshal(msg.Message.Data, &inner); err != nil || inner.Type() == "" {
		return e
	}
	return inner
}

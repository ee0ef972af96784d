package archiveexport

import (
	"context"
	"fmt"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/capturelab/mocap-server/pkg/bootstrap"
	"github.com/capturelab/mocap-server/pkg/export"
	"github.com/capturelab/mocap-server/pkg/framework"
	"github.com/capturelab/mocap-server/pkg/types"
)

const serviceName = "archive-export"

var (
	svc     *bootstrap.Service
	svcOnce sync.Once
	svcErr  error
)

func init() {
	functions.CloudEvent("ExportArchive", ExportArchive)
}

func initService(ctx context.Context) (*bootstrap.Service, error) {
	svcOnce.Do(func() {
		cfg, err := bootstrap.LoadConfig("")
		if err != nil {
			svcErr = err
			return
		}
		svc, svcErr = bootstrap.NewService(ctx, serviceName, cfg)
	})
	return svc, svcErr
}

// ExportArchive is the entry point
func ExportArchive(ctx context.Context, e cloudevents.Event) error {
	svc, err := initService(ctx)
	if err != nil {
		return fmt.Errorf("service init failed: %w", err)
	}
	return framework.WrapCloudEvent(serviceName, svc, exportHandler)(ctx, e)
}

// exportHandler builds, zips and uploads the requested target and records
// the outcome on its download log.
func exportHandler(ctx context.Context, e cloudevents.Event, fwCtx *framework.FrameworkContext) (interface{}, error) {
	var req types.ExportRequest
	if err := e.DataAs(&req); err != nil {
		return nil, fmt.Errorf("decode export request: %w", err)
	}
	t := export.Target{Type: req.TargetType, ID: req.TargetID}
	if err := t.Validate(); err != nil {
		return nil, err
	}

	logger := fwCtx.Logger.With("task_id", req.TaskID, "target", t.String())
	logger.Info("Starting export")

	l, err := fwCtx.Service.Exports.Run(ctx, req)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"task_id": l.TaskID,
		"state":   string(l.State),
		"media":   l.Media,
	}, nil
}

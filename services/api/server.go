// Package api serves the HTTP surface used by capture devices, processing
// workers and the web app.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/capturelab/mocap-server/pkg/bootstrap"
	"github.com/capturelab/mocap-server/pkg/domain/trial"
	"github.com/capturelab/mocap-server/pkg/export"
	"github.com/capturelab/mocap-server/pkg/infrastructure/sentry"
	"github.com/capturelab/mocap-server/pkg/scheduler"
	"github.com/capturelab/mocap-server/pkg/types"
)

// SubjectStore persists subjects.
type SubjectStore interface {
	CreateSubject(ctx context.Context, s *types.Subject) error
	GetSubject(ctx context.Context, id uint) (*types.Subject, error)
}

// Deps are the services behind the handlers.
type Deps struct {
	Trials       *trial.Service
	Scheduler    *scheduler.Scheduler
	Exports      *export.Pipeline
	Subjects     SubjectStore
	MediaBaseURL string
	Logger       *slog.Logger
}

type Server struct {
	Deps
	now func() time.Time
}

func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	deps.Logger = deps.Logger.With("component", "api")
	return &Server{Deps: deps, now: time.Now}
}

// FromService wires a server to bootstrapped dependencies.
func FromService(svc *bootstrap.Service) *Server {
	return New(Deps{
		Trials:       svc.Trials,
		Scheduler:    svc.Scheduler,
		Exports:      svc.Exports,
		Subjects:     svc.DB,
		MediaBaseURL: svc.Config.MediaBaseURL,
		Logger:       svc.Logger,
	})
}

// badRequest lists the errors answered with 400.
var badRequest = []error{
	trial.ErrInvalidTransition,
	trial.ErrMissingResults,
	trial.ErrInvalidSelection,
	trial.ErrInvalidName,
	export.ErrInvalidTarget,
	errBadInput,
}

var errBadInput = errors.New("bad request")

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(sentry.Recoverer(s.Logger))
	r.Use(s.logRequests)

	r.Route("/sessions/{id}", func(r chi.Router) {
		r.Get("/status", s.sessionStatus)
		r.Get("/record", s.record)
		r.Post("/record", s.record)
		r.Get("/stop", s.stop)
		r.Get("/cancel_trial", s.cancelTrial)
		r.Post("/calibration", s.selectCalibration)
		r.Get("/get_n_calibrated_cameras", s.calibratedCameras)
		r.Get("/get_session_settings", s.sessionSettings)
		r.Get("/async-download", s.downloadSession)
		r.Post("/async-download", s.downloadSession)
		r.Post("/trash", s.trashToggle(s.Trials.TrashSession))
		r.Post("/restore", s.trashToggle(s.Trials.RestoreSession))
	})

	r.Post("/subjects", s.createSubject)
	r.Get("/subjects/{id}/async-download", s.downloadSubject)
	r.Post("/subjects/{id}/async-download", s.downloadSubject)

	r.Get("/trials/dequeue", s.dequeue)
	r.Get("/trials/get_trials_with_status", s.trialsWithStatus)
	r.Post("/trials/{id}/status", s.setTrialStatus)
	r.Post("/trials/{id}/trash", s.trashToggle(s.Trials.TrashTrial))
	r.Post("/trials/{id}/restore", s.trashToggle(s.Trials.RestoreTrial))

	r.Get("/logs/{task_id}/on-ready", s.downloadReady)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.Logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// ListenAndServe runs the server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.Logger.Info("Listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

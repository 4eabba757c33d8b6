// Package http contains HTTP handlers that work with the orchestrator.
package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/micromdm/nanopatch/http/api"
	"github.com/micromdm/nanopatch/log/logkeys"
	"github.com/micromdm/nanopatch/orchestrator"
	"github.com/micromdm/nanopatch/run"
	"github.com/micromdm/nanopatch/run/storage"

	"github.com/alexedwards/flow"
	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

var (
	ErrNoApps      = errors.New("no apps provided")
	ErrNoID        = errors.New("missing id parameter")
	ErrNoRunner    = errors.New("missing runner")
	ErrNoRunStatus = errors.New("no run status")
)

type Runner interface {
	RunWorkflow(ctx context.Context, req *orchestrator.Request) (*orchestrator.Result, error)
}

type Resumer interface {
	Resume(ctx context.Context, id string, req *orchestrator.Request) (*orchestrator.Result, error)
}

type StatusGetter interface {
	Status() *run.Status
	RunStatus(ctx context.Context, id string) (*run.Status, error)
}

type RunLister interface {
	RunIDs(ctx context.Context) ([]string, error)
}

// queryBool reports whether the named query parameter is set to a
// true value.
func queryBool(r *http.Request, name string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return b
}

// parseRequest builds a run request from the query parameters.
// Apps may be given as repeated "app" parameters or comma separated.
func parseRequest(r *http.Request) *orchestrator.Request {
	req := &orchestrator.Request{
		Cycle:  r.URL.Query().Get("cycle"),
		DryRun: queryBool(r, "dry_run"),
		Force:  queryBool(r, "force"),
	}
	for _, v := range r.URL.Query()["app"] {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				req.Apps = append(req.Apps, name)
			}
		}
	}
	return req
}

// errorStatus maps orchestrator and storage errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrRunInProgress):
		return http.StatusConflict
	case errors.Is(err, storage.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, run.ErrInvalidTransition):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, v interface{}, logger log.Logger) {
	if err := api.JSON(w, v, 0); err != nil {
		logger.Info(logkeys.Message, "encoding json response", logkeys.Error, err)
	}
}

// RunHandler creates a HandlerFunc that starts a run and returns its
// Result once finished.
func RunHandler(runner Runner, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		req := parseRequest(r)
		if len(req.Apps) < 1 {
			logger.Info(logkeys.Message, "parameters", logkeys.Error, ErrNoApps)
			api.JSONError(w, ErrNoApps, http.StatusBadRequest)
			return
		}
		logger = logger.With(
			logkeys.FirstAppName, req.Apps[0],
			logkeys.GenericCount, len(req.Apps),
		)
		if runner == nil {
			logger.Info(logkeys.Message, "starting run", logkeys.Error, ErrNoRunner)
			api.JSONError(w, ErrNoRunner, 0)
			return
		}

		logger.Debug(logkeys.Message, "starting run")
		res, err := runner.RunWorkflow(r.Context(), req)
		if err != nil {
			logger.Info(logkeys.Message, "starting run", logkeys.Error, err)
			api.JSONError(w, err, errorStatus(err))
			return
		}
		writeJSON(w, res, logger)
	}
}

// ResumeHandler creates a HandlerFunc that resumes the run named by
// the id parameter.
func ResumeHandler(resumer Resumer, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		id := flow.Param(r.Context(), "id")
		if id == "" {
			logger.Info(logkeys.Message, "parameters", logkeys.Error, ErrNoID)
			api.JSONError(w, ErrNoID, http.StatusBadRequest)
			return
		}
		logger = logger.With(logkeys.RunID, id)
		if resumer == nil {
			logger.Info(logkeys.Message, "resuming run", logkeys.Error, ErrNoRunner)
			api.JSONError(w, ErrNoRunner, 0)
			return
		}

		req := parseRequest(r)
		res, err := resumer.Resume(r.Context(), id, req)
		if err != nil {
			logger.Info(logkeys.Message, "resuming run", logkeys.Error, err)
			api.JSONError(w, err, errorStatus(err))
			return
		}
		writeJSON(w, res, logger)
	}
}

// RunStatusHandler creates a HandlerFunc that returns the status of
// the stored run named by the id parameter.
func RunStatusHandler(getter StatusGetter, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		id := flow.Param(r.Context(), "id")
		if id == "" {
			logger.Info(logkeys.Message, "parameters", logkeys.Error, ErrNoID)
			api.JSONError(w, ErrNoID, http.StatusBadRequest)
			return
		}
		logger = logger.With(logkeys.RunID, id)

		status, err := getter.RunStatus(r.Context(), id)
		if err != nil {
			logger.Info(logkeys.Message, "retrieving run", logkeys.Error, err)
			api.JSONError(w, err, errorStatus(err))
			return
		}
		writeJSON(w, status, logger)
	}
}

// StatusHandler creates a HandlerFunc that returns the status of the
// current or most recent run.
func StatusHandler(getter StatusGetter, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		status := getter.Status()
		if status == nil {
			api.JSONError(w, ErrNoRunStatus, http.StatusNotFound)
			return
		}
		writeJSON(w, status, logger)
	}
}

// RunsHandler creates a HandlerFunc that returns the ids of every
// stored run.
func RunsHandler(lister RunLister, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		ids, err := lister.RunIDs(r.Context())
		if err != nil {
			logger.Info(logkeys.Message, "listing runs", logkeys.Error, err)
			api.JSONError(w, err, 0)
			return
		}
		if ids == nil {
			ids = []string{}
		}
		writeJSON(w, &struct {
			RunIDs []string `json:"run_ids"`
		}{RunIDs: ids}, logger)
	}
}

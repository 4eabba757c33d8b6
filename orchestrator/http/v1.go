package http

import (
	"net/http"

	"github.com/micromdm/nanolib/log"
)

type APIOrchestrator interface {
	Runner
	Resumer
	StatusGetter
	RunLister
}

// Mux can register HTTP handlers.
// Ostensibly this supports flow router.
type Mux interface {
	// Handle registers the handler for the given pattern.
	Handle(pattern string, handler http.Handler, methods ...string)
}

// HandleAPIv1 registers the run API handlers into mux.
// API endpoint paths are prepended with prefix.
// Authentication is assumed to be layered with mux.
// The logger is adorned with a "handler" key of the endpoint name.
func HandleAPIv1(prefix string, mux Mux, logger log.Logger, o APIOrchestrator) {
	mux.Handle(
		prefix+"/run",
		RunHandler(o, logger.With("handler", "run")),
		"POST",
	)

	mux.Handle(
		prefix+"/run/:id",
		RunStatusHandler(o, logger.With("handler", "run status")),
		"GET",
	)

	mux.Handle(
		prefix+"/run/:id/resume",
		ResumeHandler(o, logger.With("handler", "resume run")),
		"POST",
	)

	mux.Handle(
		prefix+"/status",
		StatusHandler(o, logger.With("handler", "status")),
		"GET",
	)

	mux.Handle(
		prefix+"/runs",
		RunsHandler(o, logger.With("handler", "list runs")),
		"GET",
	)
}

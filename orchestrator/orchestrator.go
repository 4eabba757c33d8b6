// Package orchestrator drives applications through the patch pipeline
// and tracks their progress in durable run records.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/micromdm/nanopatch/catalog"
	"github.com/micromdm/nanopatch/config"
	"github.com/micromdm/nanopatch/download"
	"github.com/micromdm/nanopatch/jamf"
	"github.com/micromdm/nanopatch/log/logkeys"
	"github.com/micromdm/nanopatch/metrics"
	"github.com/micromdm/nanopatch/process"
	"github.com/micromdm/nanopatch/run"
	"github.com/micromdm/nanopatch/run/storage"
	"github.com/micromdm/nanopatch/titleeditor"
	"github.com/micromdm/nanopatch/utils/uuid"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

// AllApps requests every application in the catalog.
const AllApps = "all"

var (
	ErrRunInProgress = errors.New("run in progress")
	ErrNoRemote      = errors.New("remote client not configured")
)

// Catalog resolves application names to downloads.
type Catalog interface {
	Names() []string
	Entry(name string) (*catalog.Entry, bool)
	Resolve(ctx context.Context, name string) (*catalog.Descriptor, error)
}

// Downloader fetches packages. Failed downloads are omitted from the
// returned map of local paths keyed by application name.
type Downloader interface {
	FetchMany(ctx context.Context, reqs []download.Request, force bool) map[string]string
}

// Processor verifies downloaded packages.
type Processor interface {
	Verify(ctx context.Context, path, appName, expectedTeamID string) (*process.Metadata, error)
	Rename(path string, md *process.Metadata) (string, error)
}

// RemoteClient publishes packages to the patch service.
// FindTitle and GroupID return errors wrapping jamf.ErrNotFound when
// nothing matches.
type RemoteClient interface {
	UploadPackage(ctx context.Context, path string) (string, error)
	FindTitle(ctx context.Context, name string) (*jamf.Title, error)
	LinkPackage(ctx context.Context, titleID, version string, pkg jamf.PackageRef) error
	GroupID(ctx context.Context, name string) (string, error)
	CreatePolicy(ctx context.Context, spec *jamf.PolicySpec) (string, error)
}

// DefinitionSync creates patch definitions for new versions.
type DefinitionSync interface {
	Ensure(ctx context.Context, titleID, version string, def *titleeditor.Definition) error
}

// Request is a request to run the pipeline.
type Request struct {
	// Apps are the application names to run. A sole "all" (in any
	// case) selects every catalog application.
	Apps []string `json:"apps"`

	// Cycle is the patch cycle to create policies for.
	// The first configured cycle is used when empty.
	Cycle string `json:"cycle,omitempty"`

	DryRun bool `json:"dry_run"`
	Force  bool `json:"force"`
}

// Processed is the process stage result of an application.
type Processed struct {
	Path     string            `json:"path"`
	Metadata *process.Metadata `json:"metadata,omitempty"`
}

// Results are the per-stage outputs keyed by application name.
type Results struct {
	Downloads map[string]string     `json:"downloads"`
	Processed map[string]*Processed `json:"processed"`
	Uploaded  map[string]string     `json:"uploaded"`
	Patches   map[string]string     `json:"patches"`
	Policies  map[string]string     `json:"policies"`
}

func newResults() *Results {
	return &Results{
		Downloads: make(map[string]string),
		Processed: make(map[string]*Processed),
		Uploaded:  make(map[string]string),
		Patches:   make(map[string]string),
		Policies:  make(map[string]string),
	}
}

const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Result summarizes a pipeline run.
type Result struct {
	RunID          string   `json:"run_id"`
	Status         string   `json:"status"`
	TotalApps      int      `json:"total_apps"`
	CompletedApps  int      `json:"completed_apps"`
	FailedApps     int      `json:"failed_apps"`
	RuntimeSeconds float64  `json:"runtime_seconds"`
	Error          string   `json:"error,omitempty"`
	Results        *Results `json:"results,omitempty"`
}

// Orchestrator runs the patch pipeline one run at a time.
type Orchestrator struct {
	catalog    Catalog
	downloader Downloader
	processor  Processor
	remote     RemoteClient
	defs       DefinitionSync
	storage    storage.Storage

	cycles  *config.Cycles
	ider    uuid.IDer
	logger  log.Logger
	metrics *metrics.Metrics
	rename  bool
	now     func() time.Time

	mu      sync.Mutex
	running bool
	status  *run.Status
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator logger.
func WithLogger(logger log.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithRemoteClient sets the patch service client.
// Runs that are not dry runs fail without one.
func WithRemoteClient(c RemoteClient) Option {
	return func(o *Orchestrator) {
		o.remote = c
	}
}

// WithDefinitionSync creates patch definitions with d before packages
// are linked.
func WithDefinitionSync(d DefinitionSync) Option {
	return func(o *Orchestrator) {
		o.defs = d
	}
}

// WithCycles sets the configured patch cycles.
func WithCycles(c *config.Cycles) Option {
	return func(o *Orchestrator) {
		o.cycles = c
	}
}

// WithIDer sets the run id generator.
func WithIDer(ider uuid.IDer) Option {
	return func(o *Orchestrator) {
		o.ider = ider
	}
}

// WithMetrics records state transitions in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithRename turns renaming of processed packages on or off.
func WithRename(rename bool) Option {
	return func(o *Orchestrator) {
		o.rename = rename
	}
}

// New creates a new Orchestrator.
func New(cat Catalog, dl Downloader, proc Processor, store storage.Storage, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		catalog:    cat,
		downloader: dl,
		processor:  proc,
		storage:    store,
		cycles:     new(config.Cycles),
		ider:       uuid.NewTimeIDs("run"),
		logger:     log.NopLogger,
		rename:     true,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func logAndError(err error, logger log.Logger, msg string) error {
	logger.Info(
		logkeys.Message, msg,
		logkeys.Error, err,
	)
	return fmt.Errorf("%s: %w", msg, err)
}

func (o *Orchestrator) acquire() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return false
	}
	o.running = true
	return true
}

func (o *Orchestrator) release() {
	o.mu.Lock()
	o.running = false
	o.mu.Unlock()
}

// appNames expands the "all" sentinel against the catalog.
func (o *Orchestrator) appNames(apps []string) []string {
	if len(apps) == 1 && strings.EqualFold(apps[0], AllApps) {
		return o.catalog.Names()
	}
	return apps
}

// RunWorkflow creates a new run for req and drives it through every
// stage. Application failures are recorded on the run and do not fail
// it. Errors outside of per-application work produce a failed Result.
// ErrRunInProgress is returned if another run is executing.
func (o *Orchestrator) RunWorkflow(ctx context.Context, req *Request) (*Result, error) {
	if req == nil {
		req = new(Request)
	}
	if !o.acquire() {
		return nil, ErrRunInProgress
	}
	defer o.release()

	r := run.New(o.ider.ID(), o.appNames(req.Apps), req.DryRun, o.now())
	ctxlog.Logger(ctx, o.logger).Info(
		logkeys.Message, "starting run",
		logkeys.RunID, r.ID,
		logkeys.GenericCount, len(r.Apps),
		"dry_run", r.DryRun,
	)
	return o.execute(ctx, r, req), nil
}

// Resume continues a stored run. Only applications not yet in a
// terminal state are worked on. The run's dry run mode is kept and
// the cycle and force options are taken from req.
func (o *Orchestrator) Resume(ctx context.Context, id string, req *Request) (*Result, error) {
	if req == nil {
		req = new(Request)
	}
	if !o.acquire() {
		return nil, ErrRunInProgress
	}
	defer o.release()

	r, err := o.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.State.Terminal() {
		if err = r.Reopen(); err != nil {
			return nil, err
		}
	}
	ctxlog.Logger(ctx, o.logger).Info(
		logkeys.Message, "resuming run",
		logkeys.RunID, r.ID,
		logkeys.Stage, r.State,
	)
	return o.execute(ctx, r, req), nil
}

// execute runs the pipeline for r and never panics.
func (o *Orchestrator) execute(ctx context.Context, r *run.Run, req *Request) (res *Result) {
	start := o.now()
	logger := ctxlog.Logger(ctx, o.logger).With(logkeys.RunID, r.ID)
	results := newResults()

	defer func() {
		if p := recover(); p != nil {
			res = o.fail(ctx, r, fmt.Errorf("panic: %v", p), start)
		}
	}()

	if err := o.pipeline(ctx, r, req, results); err != nil {
		return o.fail(ctx, r, logAndError(err, logger, "run failed"), start)
	}

	if err := r.Advance(run.Completed, o.now()); err != nil {
		return o.fail(ctx, r, err, start)
	}
	o.metrics.IncRun(run.Completed.String())
	r.Tally()

	runtime := o.now().Sub(start).Seconds()
	if r.Metrics == nil {
		r.Metrics = make(map[string]interface{})
	}
	r.Metrics["total_runtime_seconds"] = runtime
	if m, ok := o.downloader.(interface{ Metrics() map[string]interface{} }); ok {
		r.Metrics["downloader_metrics"] = m.Metrics()
	}
	if c, ok := o.downloader.(interface{ CacheStats() map[string]interface{} }); ok {
		r.Metrics["cache_stats"] = c.CacheStats()
	}
	o.save(ctx, r)

	logger.Info(
		logkeys.Message, "run completed",
		"completed", r.CompletedApps,
		"failed", r.FailedApps,
	)
	return &Result{
		RunID:          r.ID,
		Status:         StatusCompleted,
		TotalApps:      r.TotalApps,
		CompletedApps:  r.CompletedApps,
		FailedApps:     r.FailedApps,
		RuntimeSeconds: runtime,
		Results:        results,
	}
}

// fail marks r Failed, persists it, and returns a failed Result.
func (o *Orchestrator) fail(ctx context.Context, r *run.Run, err error, start time.Time) *Result {
	if !r.State.Terminal() {
		if advErr := r.Advance(run.Failed, o.now()); advErr == nil {
			o.metrics.IncRun(run.Failed.String())
		}
	} else if r.State == run.Completed {
		// a failure after completion bookkeeping still fails the run
		r.State = run.Failed
	}
	o.save(ctx, r)
	return &Result{
		RunID:          r.ID,
		Status:         StatusFailed,
		TotalApps:      r.TotalApps,
		Error:          err.Error(),
		RuntimeSeconds: o.now().Sub(start).Seconds(),
	}
}

// pipeline runs the stages in order. Each stage works only on the
// applications whose state marks them ready for it.
func (o *Orchestrator) pipeline(ctx context.Context, r *run.Run, req *Request, results *Results) error {
	o.save(ctx, r)

	if err := o.enter(ctx, r, run.Downloading); err != nil {
		return err
	}
	o.downloadStage(ctx, r, req.Force, results)
	o.save(ctx, r)

	if err := o.enter(ctx, r, run.Processing); err != nil {
		return err
	}
	o.processStage(ctx, r, results)
	o.save(ctx, r)

	if r.DryRun {
		ctxlog.Logger(ctx, o.logger).Debug(
			logkeys.Message, "dry run: skipping upload and patch management",
			logkeys.RunID, r.ID,
		)
		return nil
	}
	if o.remote == nil {
		return ErrNoRemote
	}

	if err := o.enter(ctx, r, run.Uploading); err != nil {
		return err
	}
	o.uploadStage(ctx, r, results)
	o.save(ctx, r)

	if err := o.enter(ctx, r, run.PatchManagement); err != nil {
		return err
	}
	o.patchStage(ctx, r, results)
	o.save(ctx, r)

	if err := o.enter(ctx, r, run.PolicyCreation); err != nil {
		return err
	}
	o.policyStage(ctx, r, req.Cycle, results)
	o.save(ctx, r)
	return nil
}

// enter advances the run to stage s and persists it.
// A resumed run already past s is left as is.
func (o *Orchestrator) enter(ctx context.Context, r *run.Run, s run.State) error {
	if r.State.Reached(s) {
		return nil
	}
	if err := r.Advance(s, o.now()); err != nil {
		return err
	}
	o.metrics.IncRun(s.String())
	ctxlog.Logger(ctx, o.logger).Debug(
		logkeys.Message, "entering stage",
		logkeys.RunID, r.ID,
		logkeys.Stage, s,
	)
	o.save(ctx, r)
	return nil
}

// save persists r and publishes its status. Failures are logged.
func (o *Orchestrator) save(ctx context.Context, r *run.Run) {
	if err := o.storage.StoreRun(context.WithoutCancel(ctx), r); err != nil {
		ctxlog.Logger(ctx, o.logger).Info(
			logkeys.Message, "saving run",
			logkeys.RunID, r.ID,
			logkeys.Error, err,
		)
	}
	status := r.Status()
	o.mu.Lock()
	o.status = status
	o.mu.Unlock()
}

// Load retrieves a stored run.
// An error wrapping storage.ErrRunNotFound is returned for unknown ids.
func (o *Orchestrator) Load(ctx context.Context, id string) (*run.Run, error) {
	r, err := o.storage.RetrieveRun(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading run %s: %w", id, err)
	}
	return r, nil
}

// Status returns the status of the current (or most recent) run of
// this orchestrator, or nil if there has been none.
func (o *Orchestrator) Status() *run.Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// RunStatus returns the status of a stored run.
func (o *Orchestrator) RunStatus(ctx context.Context, id string) (*run.Status, error) {
	r, err := o.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.Status(), nil
}

// RunIDs returns the ids of every stored run.
func (o *Orchestrator) RunIDs(ctx context.Context) ([]string, error) {
	return o.storage.ListRunIDs(ctx)
}

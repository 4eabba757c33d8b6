// Package main runs the NanoPatch pipeline once or as a server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/micromdm/nanopatch/catalog"
	"github.com/micromdm/nanopatch/config"
	"github.com/micromdm/nanopatch/download"
	"github.com/micromdm/nanopatch/jamf"
	"github.com/micromdm/nanopatch/log/logkeys"
	"github.com/micromdm/nanopatch/metrics"
	"github.com/micromdm/nanopatch/orchestrator"
	orchhttp "github.com/micromdm/nanopatch/orchestrator/http"
	"github.com/micromdm/nanopatch/process"
	"github.com/micromdm/nanopatch/titleeditor"

	"github.com/alexedwards/flow"
	"github.com/micromdm/nanolib/envflag"
	nanohttp "github.com/micromdm/nanolib/http"
	"github.com/micromdm/nanolib/http/trace"
	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/stdlogfmt"
)

// overridden by -ldflags -X
var version = "unknown"

const (
	apiUsername = "nanopatch"
	apiRealm    = "nanopatch"
)

func main() {
	var (
		flDebug    = flag.Bool("debug", false, "log debug messages")
		flVersion  = flag.Bool("version", false, "print version and exit")
		flConfig   = flag.String("config", "config", "configuration directory")
		flApps     = flag.String("apps", "", "comma separated application names or \"all\"")
		flCycle    = flag.String("cycle", "", "patch cycle for created policies")
		flDryRun   = flag.Bool("dry-run", false, "download and verify only")
		flForce    = flag.Bool("force", false, "ignore cached downloads")
		flStatus   = flag.String("status", "", "print the status of a run and exit")
		flResume   = flag.String("resume", "", "resume a stored run")
		flSyncAll  = flag.Bool("sync-all", false, "sync local patch definitions to the Title Editor and exit")
		flTitles   = flag.Bool("titles", false, "list patch titles with their latest versions and exit")
		flStorage  = flag.String("storage", "file", "name of storage backend")
		flDSN      = flag.String("storage-dsn", "", "data source name (e.g. connection string or path)")
		flOptions  = flag.String("storage-options", "", "storage backend options")
		flListen   = flag.String("listen", "", "HTTP listen address (enables server mode)")
		flAPIKey   = flag.String("api", "", "API key for API endpoints")
		flInterval = flag.Uint("interval", 0, "interval for scheduled runs in seconds (server mode)")
		flJamfURL  = flag.String("jamf-url", "", "URL of Jamf Pro server")
		flJamfUser = flag.String("jamf-username", "", "Jamf Pro API username")
		flJamfPass = flag.String("jamf-password", "", "Jamf Pro API password")
		flTEURL    = flag.String("title-editor-url", "", "URL of Title Editor API")
		flTEToken  = flag.String("title-editor-token", "", "Title Editor API token")
		flS3Bucket = flag.String("s3-bucket", "", "S3 bucket of the distribution point")
		flS3Prefix = flag.String("s3-prefix", "", "S3 key prefix of the distribution point")
		flS3Region = flag.String("s3-region", "", "S3 region of the distribution point")
	)
	envflag.Parse("NANOPATCH_", []string{"version"})

	if *flVersion {
		fmt.Println(version)
		return
	}

	logger := stdlogfmt.New(stdlogfmt.WithDebugFlag(*flDebug))

	cfg, err := config.Load(*flConfig)
	if err != nil {
		logger.Info(logkeys.Message, "loading config", logkeys.Error, err)
		os.Exit(1)
	}

	store, err := parseStorage(*flStorage, *flDSN, *flOptions, cfg.Workflow.State.Dir)
	if err != nil {
		logger.Info(logkeys.Message, "parse storage", logkeys.Error, err)
		os.Exit(1)
	}

	cat, err := catalog.Load(cfg.ApplicationsPath(), catalog.WithLogger(logger.With("service", "catalog")))
	if err != nil {
		logger.Info(logkeys.Message, "loading catalog", logkeys.Error, err)
		os.Exit(1)
	}

	m := metrics.New(nil)

	w := cfg.Workflow
	dl := download.New(
		w.Cache.Dir,
		download.WithLogger(logger.With("service", "download")),
		download.WithWorkers(w.Execution.MaxParallelWorkers),
		download.WithRetries(w.Execution.RetryAttempts),
		download.WithRetryDelay(w.RetryDelay()),
		download.WithTimeout(w.Timeout()),
		download.WithMetrics(m),
	)

	proc := process.New(
		process.WithLogger(logger.With("service", "process")),
		process.WithWorkDir(w.Processing.WorkDir),
		process.WithNamingPattern(w.Processing.NamingPattern),
	)

	oOpts := []orchestrator.Option{
		orchestrator.WithLogger(logger.With("service", "orchestrator")),
		orchestrator.WithCycles(cfg.Cycles),
		orchestrator.WithMetrics(m),
		orchestrator.WithRename(w.RenameEnabled()),
	}
	rOpts, te, err := remoteOptions(logger, remoteConfig{
		jamfURL:  *flJamfURL,
		jamfUser: *flJamfUser,
		jamfPass: *flJamfPass,
		teURL:    *flTEURL,
		teToken:  *flTEToken,
		s3: jamf.S3Config{
			Bucket: *flS3Bucket,
			Prefix: *flS3Prefix,
			Region: *flS3Region,
		},
	})
	if err != nil {
		logger.Info(logkeys.Message, "configuring remote", logkeys.Error, err)
		os.Exit(1)
	}
	o := orchestrator.New(cat, dl, proc, store, append(oOpts, rOpts...)...)

	ctx := context.Background()
	req := &orchestrator.Request{
		Apps:   splitApps(*flApps),
		Cycle:  *flCycle,
		DryRun: *flDryRun,
		Force:  *flForce,
	}

	if *flListen != "" {
		serve(ctx, logger, o, dl, cfg, req, *flListen, *flAPIKey, time.Duration(*flInterval)*time.Second)
		return
	}

	var v interface{}
	var failed bool
	switch {
	case *flSyncAll || *flTitles:
		if te == nil {
			logger.Info(logkeys.Error, "-sync-all and -titles require Jamf Pro and Title Editor configuration")
			os.Exit(2)
		}
		if *flTitles {
			v, err = te.ListTitles(ctx)
			break
		}
		var res *titleeditor.SyncResults
		res, err = syncAll(ctx, logger, te, cfg.DefinitionsPath())
		v, failed = res, res != nil && res.Failed > 0
	case *flStatus != "":
		v, err = o.RunStatus(ctx, *flStatus)
	case *flResume != "":
		var res *orchestrator.Result
		res, err = o.Resume(ctx, *flResume, req)
		v, failed = res, res != nil && res.Status == orchestrator.StatusFailed
	case len(req.Apps) > 0:
		var res *orchestrator.Result
		res, err = o.RunWorkflow(ctx, req)
		v, failed = res, res != nil && res.Status == orchestrator.StatusFailed
	default:
		logger.Info(logkeys.Error, "one of -apps, -status, -resume, -sync-all, -titles or -listen required")
		os.Exit(2)
	}
	if err != nil {
		logger.Info(logkeys.Error, err)
		os.Exit(1)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err = enc.Encode(v); err != nil {
		logger.Info(logkeys.Message, "encoding output", logkeys.Error, err)
		os.Exit(1)
	}
	if failed {
		os.Exit(1)
	}
}

// splitApps splits a comma separated list of application names.
func splitApps(s string) []string {
	var apps []string
	for _, name := range strings.Split(s, ",") {
		if name = strings.TrimSpace(name); name != "" {
			apps = append(apps, name)
		}
	}
	return apps
}

type remoteConfig struct {
	jamfURL, jamfUser, jamfPass string
	teURL, teToken              string
	s3                          jamf.S3Config
}

// syncAll syncs the local patch definitions at path.
// A missing definitions file syncs nothing.
func syncAll(ctx context.Context, logger log.Logger, te *titleeditor.Syncer, path string) (*titleeditor.SyncResults, error) {
	defs, err := titleeditor.LoadDefinitions(path)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Info(logkeys.Message, "definitions file not found", logkeys.Path, path)
		return &titleeditor.SyncResults{Results: []titleeditor.SyncResult{}}, nil
	} else if err != nil {
		return nil, fmt.Errorf("loading definitions: %w", err)
	}
	return te.SyncAll(ctx, defs)
}

// remoteOptions configures the Jamf Pro client and Title Editor sync.
// No options are returned when no Jamf Pro URL is set.
func remoteOptions(logger log.Logger, c remoteConfig) ([]orchestrator.Option, *titleeditor.Syncer, error) {
	if c.jamfURL == "" {
		logger.Debug(logkeys.Message, "no Jamf Pro URL: only dry runs are possible")
		return nil, nil, nil
	}
	if c.jamfUser == "" || c.jamfPass == "" {
		return nil, nil, errors.New("Jamf Pro username and password required")
	}

	jOpts := []jamf.Option{jamf.WithLogger(logger.With("service", "jamf"))}
	if c.s3.Bucket != "" {
		d, err := jamf.NewS3Distributor(context.Background(), c.s3)
		if err != nil {
			return nil, nil, fmt.Errorf("creating s3 distributor: %w", err)
		}
		jOpts = append(jOpts, jamf.WithDistributor(d))
	}
	client := jamf.New(c.jamfURL, c.jamfUser, c.jamfPass, jOpts...)
	opts := []orchestrator.Option{orchestrator.WithRemoteClient(client)}

	if c.teURL == "" {
		return opts, nil, nil
	}
	te, err := titleeditor.New(c.teURL, c.teToken, client, titleeditor.WithLogger(logger.With("service", "title editor")))
	if err != nil {
		return nil, nil, fmt.Errorf("creating title editor sync: %w", err)
	}
	return append(opts, orchestrator.WithDefinitionSync(te)), te, nil
}

// serve runs the HTTP API and, with a non-zero interval, scheduled runs.
func serve(ctx context.Context, logger log.Logger, o *orchestrator.Orchestrator, dl *download.Downloader, cfg *config.Config, req *orchestrator.Request, listen, apiKey string, interval time.Duration) {
	mux := flow.New()

	mux.Handle("/version", nanohttp.NewJSONVersionHandler(version))
	mux.Handle("/metrics", metrics.Handler(), "GET")

	if apiKey != "" {
		mux.Group(func(mux *flow.Mux) {
			mux.Use(func(h http.Handler) http.Handler {
				return nanohttp.NewSimpleBasicAuthHandler(h, apiUsername, apiKey, apiRealm)
			})

			orchhttp.HandleAPIv1("/v1", mux, logger, o)
		})
	} else {
		logger.Info(logkeys.Message, "no API key: run API disabled")
	}

	if interval > 0 {
		if len(req.Apps) < 1 {
			req.Apps = []string{orchestrator.AllApps}
		}
		s := orchestrator.NewScheduler(
			o,
			req,
			orchestrator.WithSchedulerLogger(logger.With("service", "scheduler")),
			orchestrator.WithInterval(interval),
			orchestrator.WithCleaner(dl, cfg.Workflow.CacheMaxAge()),
		)
		go func() {
			err := s.Run(ctx)
			logs := []interface{}{logkeys.Message, "scheduler stopped"}
			if err != nil {
				logger.Info(append(logs, logkeys.Error, err)...)
				return
			}
			logger.Debug(logs...)
		}()
	}

	logger.Info(logkeys.Message, "starting server", "listen", listen)
	err := http.ListenAndServe(listen, trace.NewTraceLoggingHandler(mux, logger.With("handler", "log"), newTraceID))
	logs := []interface{}{logkeys.Message, "server shutdown"}
	if err != nil {
		logs = append(logs, logkeys.Error, err)
	}
	logger.Info(logs...)
}

// newTraceID generates a new HTTP trace ID for context logging.
func newTraceID(_ *http.Request) string {
	b := make([]byte, 8)
	rand.Read(b)
	return fmt.Sprintf("%x", b)
}

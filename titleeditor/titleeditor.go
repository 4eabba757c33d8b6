// Package titleeditor creates patch definitions with the Jamf Title Editor.
package titleeditor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/micromdm/nanopatch/catalog"
	"github.com/micromdm/nanopatch/jamf"
	"github.com/micromdm/nanopatch/log/logkeys"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

const DefaultMinimumOS = "10.15"

var ErrMissingConfig = errors.New("title editor url and token required")

// Remote lists the patch software titles of Jamf Pro and their
// defined versions.
type Remote interface {
	HasVersion(ctx context.Context, titleID, version string) (bool, error)
	Titles(ctx context.Context) ([]jamf.Title, error)
	Definitions(ctx context.Context, titleID string) ([]jamf.Definition, error)
}

// Definition is the application information a patch definition is
// built from.
type Definition struct {
	Name      string
	BundleID  string
	MinimumOS string
}

// KillApp is an application quit before a patch is installed.
type KillApp struct {
	BundleID string `json:"bundleId"`
}

// killApps are the applications to quit keyed by bundle id substring.
var killApps = []struct {
	match string
	apps  []KillApp
}{
	{"com.1password", []KillApp{{"com.1password.1password"}, {"com.1password.1password-launcher"}}},
	{"com.google.Chrome", []KillApp{{"com.google.Chrome"}}},
	{"org.mozilla.firefox", []KillApp{{"org.mozilla.firefox"}}},
	{"com.tinyspeck.slackmacgap", []KillApp{{"com.tinyspeck.slackmacgap"}}},
	{"us.zoom.xos", []KillApp{{"us.zoom.xos"}}},
	{"com.microsoft", []KillApp{
		{"com.microsoft.Word"},
		{"com.microsoft.Excel"},
		{"com.microsoft.Powerpoint"},
		{"com.microsoft.Outlook"},
		{"com.microsoft.onenote.mac"},
	}},
}

// KillApps returns the applications to quit when patching bundleID.
func KillApps(bundleID string) []KillApp {
	for _, k := range killApps {
		if strings.Contains(bundleID, k.match) {
			return k.apps
		}
	}
	return []KillApp{{BundleID: bundleID}}
}

type criterion struct {
	Name     string `json:"name"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
	Type     string `json:"type"`
	And      *bool  `json:"and,omitempty"`
}

type component struct {
	Name     string      `json:"name"`
	Version  string      `json:"version"`
	Criteria []criterion `json:"criteria"`
}

type definitionPayload struct {
	Version                string      `json:"version"`
	ReleaseDate            string      `json:"releaseDate"`
	Standalone             bool        `json:"standalone"`
	MinimumOperatingSystem string      `json:"minimumOperatingSystem"`
	RebootRequired         bool        `json:"rebootRequired"`
	KillApps               []KillApp   `json:"killApps"`
	Components             []component `json:"components"`
	Capabilities           []criterion `json:"capabilities"`
	Dependencies           []string    `json:"dependencies"`
}

func newDefinitionPayload(version string, def *Definition, now time.Time) *definitionPayload {
	name, minOS := def.Name, def.MinimumOS
	if name == "" {
		name = "Application"
	}
	if minOS == "" {
		minOS = DefaultMinimumOS
	}
	and := true
	return &definitionPayload{
		Version:                version,
		ReleaseDate:            now.UTC().Format(time.RFC3339),
		Standalone:             true,
		MinimumOperatingSystem: minOS,
		KillApps:               KillApps(def.BundleID),
		Components: []component{{
			Name:    name,
			Version: version,
			Criteria: []criterion{{
				Name:     "Application Bundle ID",
				Operator: "is",
				Value:    def.BundleID,
				Type:     "recon",
				And:      &and,
			}},
		}},
		Capabilities: []criterion{{
			Name:     "Operating System Version",
			Operator: "greater than or equal",
			Value:    minOS,
			Type:     "recon",
		}},
		Dependencies: []string{},
	}
}

// Syncer creates patch definitions for versions Jamf does not yet have.
type Syncer struct {
	baseURL  string
	token    string
	remote   Remote
	client   *http.Client
	logger   log.Logger
	now      func() time.Time
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithLogger sets the syncer logger.
func WithLogger(logger log.Logger) Option {
	return func(s *Syncer) {
		s.logger = logger
	}
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Syncer) {
		s.client = client
	}
}

// New creates a new Syncer. Existing titles and versions are read
// from remote.
func New(baseURL, token string, remote Remote, opts ...Option) (*Syncer, error) {
	if baseURL == "" || token == "" {
		return nil, ErrMissingConfig
	}
	if remote == nil {
		return nil, errors.New("nil remote")
	}
	s := &Syncer{
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		remote:   remote,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   log.NopLogger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Ensure creates a definition of version for titleID unless one exists.
func (s *Syncer) Ensure(ctx context.Context, titleID, version string, def *Definition) error {
	if def == nil {
		def = new(Definition)
	}
	logger := ctxlog.Logger(ctx, s.logger).With(logkeys.TitleID, titleID, logkeys.Version, version)

	exists, err := s.remote.HasVersion(ctx, titleID, version)
	if err != nil {
		return fmt.Errorf("checking existing versions: %w", err)
	}
	if exists {
		logger.Debug(logkeys.Message, "version already defined")
		return nil
	}
	return s.create(ctx, logger, titleID, version, def)
}

// create posts a new definition of version to the Title Editor.
func (s *Syncer) create(ctx context.Context, logger log.Logger, titleID, version string, def *Definition) error {
	body, err := json.Marshal(newDefinitionPayload(version, def, s.now()))
	if err != nil {
		return err
	}
	u := s.baseURL + "/v2/titles/" + url.PathEscape(titleID) + "/definitions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		return fmt.Errorf("creating definition: unexpected status: %s: %s", resp.Status, bytes.TrimSpace(msg))
	}
	logger.Info(logkeys.Message, "created patch definition")
	return nil
}

// VersionInfo is a locally maintained version of a title.
type VersionInfo struct {
	Version   string `json:"version"`
	Name      string `json:"name,omitempty"`
	BundleID  string `json:"bundle_id,omitempty"`
	MinimumOS string `json:"minimum_os,omitempty"`
}

// TitleDefinitions are the locally maintained versions of a title.
type TitleDefinitions struct {
	Versions []VersionInfo `json:"versions"`
}

// LoadDefinitions reads local patch definitions keyed by title name
// from the JSON file at path.
func LoadDefinitions(path string) (map[string]TitleDefinitions, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	defs := make(map[string]TitleDefinitions)
	if err = json.Unmarshal(b, &defs); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return defs, nil
}

// SyncStatus is the outcome of syncing one title version.
type SyncStatus string

const (
	SyncSynced  SyncStatus = "synced"
	SyncExists  SyncStatus = "exists"
	SyncFailed  SyncStatus = "failed"
	SyncSkipped SyncStatus = "skipped"
)

// SyncResult is the outcome for a title, or a version of it.
// Skipped titles have no local definitions and carry no version.
type SyncResult struct {
	Title   string     `json:"title"`
	TitleID string     `json:"title_id"`
	Version string     `json:"version,omitempty"`
	Status  SyncStatus `json:"status"`
	Error   string     `json:"error,omitempty"`
}

// SyncResults are the outcomes of a bulk sync.
type SyncResults struct {
	Results []SyncResult `json:"results"`
	Synced  int          `json:"synced"`
	Failed  int          `json:"failed"`
	Skipped int          `json:"skipped"`
}

func (r *SyncResults) add(res SyncResult) {
	switch res.Status {
	case SyncSynced:
		r.Synced++
	case SyncFailed:
		r.Failed++
	case SyncSkipped:
		r.Skipped++
	}
	r.Results = append(r.Results, res)
}

// SyncAll creates the missing definitions of every Jamf Pro title
// found in defs. Titles without local definitions are skipped.
// Per-version failures are recorded in the results and do not stop
// the sync.
func (s *Syncer) SyncAll(ctx context.Context, defs map[string]TitleDefinitions) (*SyncResults, error) {
	logger := ctxlog.Logger(ctx, s.logger)
	titles, err := s.remote.Titles(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing titles: %w", err)
	}

	results := &SyncResults{Results: []SyncResult{}}
	for _, title := range titles {
		id := string(title.ID)
		local, ok := defs[title.Name]
		if !ok {
			results.add(SyncResult{Title: title.Name, TitleID: id, Status: SyncSkipped})
			continue
		}
		for _, v := range local.Versions {
			if err := ctx.Err(); err != nil {
				return results, err
			}
			res := SyncResult{Title: title.Name, TitleID: id, Version: v.Version}
			vLogger := logger.With(logkeys.TitleID, id, logkeys.Version, v.Version)
			exists, err := s.remote.HasVersion(ctx, id, v.Version)
			if err == nil && !exists {
				def := &Definition{Name: v.Name, BundleID: v.BundleID, MinimumOS: v.MinimumOS}
				err = s.create(ctx, vLogger, id, v.Version, def)
			}
			switch {
			case err != nil:
				vLogger.Info(logkeys.Message, "syncing definition", logkeys.Error, err)
				res.Status, res.Error = SyncFailed, err.Error()
			case exists:
				vLogger.Debug(logkeys.Message, "version already defined")
				res.Status = SyncExists
			default:
				res.Status = SyncSynced
			}
			results.add(res)
		}
	}
	logger.Debug(
		logkeys.Message, "synced definitions",
		"synced", results.Synced,
		"failed", results.Failed,
		"skipped", results.Skipped,
	)
	return results, nil
}

// LatestVersion returns the highest defined version of titleID or an
// empty string if the title has no definitions.
func (s *Syncer) LatestVersion(ctx context.Context, titleID string) (string, error) {
	defs, err := s.remote.Definitions(ctx, titleID)
	if err != nil {
		return "", fmt.Errorf("listing definitions: %w", err)
	}
	var latest string
	for _, d := range defs {
		if latest == "" || catalog.CompareVersions(d.Version, latest) > 0 {
			latest = d.Version
		}
	}
	return latest, nil
}

// TitleVersion is a patch software title and its latest version.
type TitleVersion struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Latest string `json:"latest_version,omitempty"`
}

// ListTitles returns every patch software title with its latest
// defined version.
func (s *Syncer) ListTitles(ctx context.Context) ([]TitleVersion, error) {
	titles, err := s.remote.Titles(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing titles: %w", err)
	}
	ret := make([]TitleVersion, 0, len(titles))
	for _, title := range titles {
		latest, err := s.LatestVersion(ctx, string(title.ID))
		if err != nil {
			return nil, fmt.Errorf("title %s: %w", title.ID, err)
		}
		ret = append(ret, TitleVersion{ID: string(title.ID), Name: title.Name, Latest: latest})
	}
	return ret, nil
}

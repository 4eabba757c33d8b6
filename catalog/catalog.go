// Package catalog resolves application names to download descriptors.
package catalog

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/micromdm/nanolib/log"
	"go.yaml.in/yaml/v2"
)

var (
	ErrNotFound            = errors.New("application not found")
	ErrNoDescriptor        = errors.New("no download descriptor")
	ErrUnknownDownloadType = errors.New("unknown download type")
)

// Download types.
const (
	Direct     = "direct"
	GitHub     = "github"
	Sparkle    = "sparkle"
	JSONAPI    = "json_api"
	WebScraper = "web_scraper"
)

// Entry is the catalog configuration of a single application.
type Entry struct {
	Name     string `yaml:"name"`
	BundleID string `yaml:"bundle_id"`
	TeamID   string `yaml:"team_id"`

	DownloadType     string `yaml:"download_type"`
	DownloadURL      string `yaml:"download_url"`
	DownloadURLArm64 string `yaml:"download_url_arm64"`
	DownloadURLX8664 string `yaml:"download_url_x86_64"`
	GitHubRepo       string `yaml:"github_repo"`
	SparkleFeedURL   string `yaml:"sparkle_feed_url"`
	APIURL           string `yaml:"api_url"`
	VersionSelector  string `yaml:"version_selector"`
	URLSelector      string `yaml:"url_selector"`
	ScrapeURL        string `yaml:"scrape_url"`
	URLPattern       string `yaml:"url_pattern"`
	VersionPattern   string `yaml:"version_pattern"`

	// Version and Filename are static hints for direct downloads.
	Version  string `yaml:"version"`
	Filename string `yaml:"filename"`

	PackageType string `yaml:"package_type"`
	PatchTitle  string `yaml:"patch_title"`
	MinimumOS   string `yaml:"minimum_os"`
}

// Type returns the download type of e, defaulting to Direct.
func (e *Entry) Type() string {
	if e.DownloadType == "" {
		return Direct
	}
	return e.DownloadType
}

// PatchTitleName returns the configured patch title or fallback.
func (e *Entry) PatchTitleName(fallback string) string {
	if e == nil || e.PatchTitle == "" {
		return fallback
	}
	return e.PatchTitle
}

// Descriptor is a resolved download location for an application.
type Descriptor struct {
	URL      string `json:"url"`
	Version  string `json:"version"`
	Filename string `json:"filename"`
	Kind     string `json:"type"`
}

// Catalog is a set of application entries keyed by lowercased name.
type Catalog struct {
	entries   map[string]*Entry
	client    *http.Client
	arch      string
	githubAPI string
	userAgent string
	logger    log.Logger
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithLogger sets the catalog logger.
func WithLogger(logger log.Logger) Option {
	return func(c *Catalog) {
		c.logger = logger
	}
}

// WithHTTPClient sets the HTTP client used by the resolution strategies.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Catalog) {
		c.client = client
	}
}

// WithArch overrides the detected architecture ("arm64" or "x86_64").
func WithArch(arch string) Option {
	return func(c *Catalog) {
		c.arch = arch
	}
}

// WithGitHubAPI sets the base URL of the GitHub releases API.
func WithGitHubAPI(url string) Option {
	return func(c *Catalog) {
		c.githubAPI = strings.TrimRight(url, "/")
	}
}

func hostArch() string {
	if runtime.GOARCH == "arm64" {
		return "arm64"
	}
	return "x86_64"
}

// New creates a new catalog from entries.
// Entry keys are lowercased.
func New(entries map[string]*Entry, opts ...Option) *Catalog {
	c := &Catalog{
		entries:   make(map[string]*Entry, len(entries)),
		client:    &http.Client{Timeout: 30 * time.Second},
		arch:      hostArch(),
		githubAPI: "https://api.github.com",
		userAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36",
		logger:    log.NopLogger,
	}
	for k, v := range entries {
		if v != nil {
			c.entries[strings.ToLower(k)] = v
		}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load reads a YAML applications file at path.
func Load(path string, opts ...Option) (*Catalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}
	entries := make(map[string]*Entry)
	if err = yaml.Unmarshal(b, &entries); err != nil {
		return nil, fmt.Errorf("parsing catalog %s: %w", path, err)
	}
	return New(entries, opts...), nil
}

// Names returns the sorted names of every application.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.entries))
	for k := range c.entries {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Entry returns the entry for the case-insensitive name.
func (c *Catalog) Entry(name string) (*Entry, bool) {
	e, ok := c.entries[strings.ToLower(name)]
	return e, ok
}

// Search returns the sorted names of applications whose name, display
// name, or bundle id contains query, case-insensitively.
func (c *Catalog) Search(query string) []string {
	q := strings.ToLower(query)
	var matches []string
	for k, e := range c.entries {
		if strings.Contains(k, q) ||
			strings.Contains(strings.ToLower(e.Name), q) ||
			strings.Contains(strings.ToLower(e.BundleID), q) {
			matches = append(matches, k)
		}
	}
	sort.Strings(matches)
	return matches
}

// Validate returns the configuration problems of the named application.
// An empty result means the entry is valid.
func (c *Catalog) Validate(name string) []string {
	e, ok := c.Entry(name)
	if !ok {
		return []string{fmt.Sprintf("Application '%s' not found", name)}
	}
	var problems []string
	for _, f := range []struct{ field, value string }{
		{"name", e.Name},
		{"bundle_id", e.BundleID},
		{"team_id", e.TeamID},
	} {
		if f.value == "" {
			problems = append(problems, "Missing required field: "+f.field)
		}
	}
	switch e.Type() {
	case Direct:
		if e.DownloadURL == "" {
			problems = append(problems, "Missing download_url for direct download")
		}
	case GitHub:
		if e.GitHubRepo == "" {
			problems = append(problems, "Missing github_repo for GitHub releases")
		}
	case Sparkle:
		if e.SparkleFeedURL == "" {
			problems = append(problems, "Missing sparkle_feed_url for Sparkle feed")
		}
	case JSONAPI:
		if e.APIURL == "" {
			problems = append(problems, "Missing api_url for JSON API")
		}
	case WebScraper:
		if e.ScrapeURL == "" || e.URLPattern == "" {
			problems = append(problems, "Missing scrape_url or url_pattern for web scraper")
		}
	default:
		problems = append(problems, "Unknown download_type: "+e.DownloadType)
	}
	return problems
}

// Package process verifies downloaded packages and extracts their
// metadata using the macOS command line tools.
package process

import (
	"bufio"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/micromdm/nanopatch/log/logkeys"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

var (
	ErrUnsupportedPackage = errors.New("unsupported package type")
	ErrTeamIDMismatch     = errors.New("team id mismatch")
	ErrNoAppBundle        = errors.New("no app bundle found")
	ErrMount              = errors.New("mounting disk image")
)

// Runner runs external commands.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run runs the named command and returns its output.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// Metadata is the information extracted from a verified package.
type Metadata struct {
	Name          string   `json:"name,omitempty"`
	Version       string   `json:"version,omitempty"`
	Build         string   `json:"build,omitempty"`
	BundleID      string   `json:"bundle_id,omitempty"`
	MinimumOS     string   `json:"minimum_os,omitempty"`
	TeamID        string   `json:"team_id,omitempty"`
	Developer     string   `json:"developer,omitempty"`
	Architectures []string `json:"architectures,omitempty"`
	Signed        bool     `json:"signed"`

	PackageType string `json:"package_type"`
	PackagePath string `json:"package_path"`
	PackageSize int64  `json:"package_size"`
}

// KnownTeamIDs are the expected signing team ids of well-known vendors
// used when the catalog has none configured.
var KnownTeamIDs = map[string]string{
	"1password":          "2BUA8C4S2C",
	"chrome":             "EQHXZ8M8AV",
	"firefox":            "43AQ936H96",
	"slack":              "BQR82RBBHL",
	"zoom":               "BJ4HAAB9B3",
	"microsoftoffice":    "UBF8T346G9",
	"adobecreativecloud": "JQ525L2MZD",
	"docker":             "9BNSXJN65R",
	"vscode":             "UBF8T346G9",
	"notion":             "LBQJ5QBXR8",
}

// Processor verifies packages.
type Processor struct {
	runner        Runner
	workDir       string
	namingPattern string
	teamIDs       map[string]string
	logger        log.Logger
	now           func() time.Time
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger sets the processor logger.
func WithLogger(logger log.Logger) Option {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithRunner sets the external command runner.
func WithRunner(r Runner) Option {
	return func(p *Processor) {
		p.runner = r
	}
}

// WithWorkDir sets the directory for temporary extraction.
func WithWorkDir(dir string) Option {
	return func(p *Processor) {
		p.workDir = dir
	}
}

// WithNamingPattern sets the rename pattern.
// The placeholders {name}, {version} and {ext} are replaced.
func WithNamingPattern(pattern string) Option {
	return func(p *Processor) {
		if pattern != "" {
			p.namingPattern = pattern
		}
	}
}

// WithTeamIDs sets the fallback expected team ids by lowercased app name.
func WithTeamIDs(ids map[string]string) Option {
	return func(p *Processor) {
		p.teamIDs = ids
	}
}

// New creates a new Processor.
func New(opts ...Option) *Processor {
	p := &Processor{
		runner:        ExecRunner{},
		workDir:       os.TempDir(),
		namingPattern: "{name}-{version}.{ext}",
		teamIDs:       KnownTeamIDs,
		logger:        log.NopLogger,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Processor) expectedTeamID(appName, expected string) string {
	if expected != "" {
		return expected
	}
	return p.teamIDs[strings.ToLower(appName)]
}

// Verify verifies the package at path and returns its metadata.
// The signing team id must equal expectedTeamID, or the known team id
// for appName, when either is present.
func (p *Processor) Verify(ctx context.Context, path, appName, expectedTeamID string) (*Metadata, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("package not found: %w", err)
	}
	md := &Metadata{PackagePath: path, PackageSize: fi.Size()}
	expected := p.expectedTeamID(appName, expectedTeamID)

	logger := ctxlog.Logger(ctx, p.logger).With(logkeys.AppName, appName, logkeys.Path, path)

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".dmg":
		md.PackageType = "dmg"
		err = p.processDMG(ctx, path, expected, md)
	case ".pkg":
		md.PackageType = "pkg"
		err = p.processPKG(ctx, path, expected, md)
	case ".zip":
		md.PackageType = "zip"
		err = p.processZIP(ctx, path, expected, md)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedPackage, ext)
	}
	if err != nil {
		logger.Info(logkeys.Message, "verification failed", logkeys.Error, err)
		return nil, err
	}

	logger.Debug(
		logkeys.Message, "verified package",
		logkeys.Version, md.Version,
		"team_id", md.TeamID,
	)
	return md, nil
}

// mountPoint returns the mount point from hdiutil attach output.
// It is the last tab-separated field of the first line with one.
func mountPoint(out []byte) string {
	s := bufio.NewScanner(bytes.NewReader(out))
	for s.Scan() {
		parts := strings.Split(s.Text(), "\t")
		if len(parts) < 3 {
			continue
		}
		if mp := strings.TrimSpace(parts[len(parts)-1]); filepath.IsAbs(mp) {
			return mp
		}
	}
	return ""
}

// attachDevice returns the first device node from hdiutil attach output.
func attachDevice(out []byte) string {
	s := bufio.NewScanner(bytes.NewReader(out))
	for s.Scan() {
		if dev, _, _ := strings.Cut(s.Text(), "\t"); strings.HasPrefix(dev, "/dev/") {
			return strings.TrimSpace(dev)
		}
	}
	return ""
}

// detach detaches the disk image mounted at or attached as target.
func (p *Processor) detach(ctx context.Context, target string) {
	if _, _, err := p.runner.Run(context.WithoutCancel(ctx), "hdiutil", "detach", target, "-quiet"); err != nil {
		ctxlog.Logger(ctx, p.logger).Info(logkeys.Message, "detaching disk image", logkeys.Path, target, logkeys.Error, err)
	}
}

func (p *Processor) processDMG(ctx context.Context, path, expected string, md *Metadata) error {
	stdout, stderr, err := p.runner.Run(ctx, "hdiutil", "attach", path, "-nobrowse", "-noautoopen")
	if err != nil {
		return fmt.Errorf("%w: %v: %s", ErrMount, err, bytes.TrimSpace(stderr))
	}
	mp := mountPoint(stdout)
	if mp == "" {
		if dev := attachDevice(stdout); dev != "" {
			p.detach(ctx, dev)
		}
		return fmt.Errorf("%w: could not determine mount point", ErrMount)
	}
	defer p.detach(ctx, mp)

	app, err := findApp(mp, false)
	if err != nil {
		return err
	}
	if app == "" {
		return fmt.Errorf("%w: in disk image", ErrNoAppBundle)
	}
	return p.appMetadata(ctx, app, expected, md)
}

// appMetadata fills md from the app bundle at app and checks its
// signing team id against expected.
func (p *Processor) appMetadata(ctx context.Context, app, expected string, md *Metadata) error {
	info, err := readBundleInfo(app)
	if err != nil {
		return err
	}
	md.BundleID = info.CFBundleIdentifier
	md.Version = info.CFBundleShortVersionString
	md.Build = info.CFBundleVersion
	md.MinimumOS = info.LSMinimumSystemVersion
	md.Name = info.CFBundleName
	if md.Name == "" {
		md.Name = strings.TrimSuffix(filepath.Base(app), ".app")
	}
	if info.CFBundleExecutable != "" {
		md.Architectures = p.architectures(ctx, filepath.Join(app, "Contents", "MacOS", info.CFBundleExecutable))
	}

	md.TeamID = p.codesignTeamID(ctx, app)
	md.Signed = md.TeamID != ""
	if expected != "" && md.TeamID != expected {
		return fmt.Errorf("%w: expected %s, got %q", ErrTeamIDMismatch, expected, md.TeamID)
	}
	return nil
}

// codesignTeamID returns the TeamIdentifier codesign reports for app.
func (p *Processor) codesignTeamID(ctx context.Context, app string) string {
	_, stderr, err := p.runner.Run(ctx, "codesign", "-dv", "--verbose=4", app)
	if err != nil {
		return ""
	}
	s := bufio.NewScanner(bytes.NewReader(stderr))
	for s.Scan() {
		if v, ok := strings.CutPrefix(strings.TrimSpace(s.Text()), "TeamIdentifier="); ok {
			if v = strings.TrimSpace(v); v != "not set" {
				return v
			}
		}
	}
	return ""
}

func (p *Processor) architectures(ctx context.Context, exe string) []string {
	stdout, _, err := p.runner.Run(ctx, "lipo", "-info", exe)
	if err != nil {
		return nil
	}
	out := strings.TrimSpace(string(stdout))
	if _, archs, ok := strings.Cut(out, "are:"); ok {
		return strings.Fields(archs)
	}
	if _, arch, ok := strings.Cut(out, "is architecture:"); ok {
		return strings.Fields(arch)
	}
	return nil
}

// pkgSignature parses pkgutil --check-signature output for the
// developer name and the team id in parentheses.
func pkgSignature(out []byte) (developer, teamID string) {
	s := bufio.NewScanner(bytes.NewReader(out))
	for s.Scan() {
		line := s.Text()
		if !strings.Contains(line, "Developer ID") {
			continue
		}
		if _, v, ok := strings.Cut(line, ":"); ok {
			developer = strings.TrimSpace(v)
		}
		start, end := strings.LastIndex(line, "("), strings.LastIndex(line, ")")
		if start >= 0 && start < end {
			teamID = line[start+1 : end]
		}
		return
	}
	return
}

type packageInfo struct {
	Identifier string `xml:"identifier,attr"`
	Version    string `xml:"version,attr"`
}

func (p *Processor) processPKG(ctx context.Context, path, expected string, md *Metadata) error {
	logger := ctxlog.Logger(ctx, p.logger).With(logkeys.Path, path, "expected_team_id", expected)
	stdout, stderr, err := p.runner.Run(ctx, "pkgutil", "--check-signature", path)
	if err == nil {
		md.Developer, md.TeamID = pkgSignature(stdout)
		md.Signed = md.TeamID != ""
	} else {
		logger.Debug(
			logkeys.Message, "checking package signature",
			logkeys.Error, fmt.Errorf("%w: %s", err, bytes.TrimSpace(stderr)),
		)
	}
	if expected != "" && md.TeamID != expected {
		return fmt.Errorf("%w: expected %s, got %q", ErrTeamIDMismatch, expected, md.TeamID)
	}

	tmp, err := os.MkdirTemp(p.workDir, "pkg-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)
	// pkgutil requires the expand destination to not exist
	dest := filepath.Join(tmp, "expanded")
	if _, stderr, err := p.runner.Run(ctx, "pkgutil", "--expand", path, dest); err != nil {
		logger.Debug(
			logkeys.Message, "expanding package: using signature team id only",
			"team_id", md.TeamID,
			logkeys.Error, fmt.Errorf("%w: %s", err, bytes.TrimSpace(stderr)),
		)
		return nil
	}

	return filepath.WalkDir(dest, func(walkPath string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || d.Name() != "PackageInfo" {
			return err
		}
		raw, err := os.ReadFile(walkPath)
		if err != nil {
			return err
		}
		pi := new(packageInfo)
		if err = xml.Unmarshal(raw, pi); err != nil {
			return fmt.Errorf("parsing PackageInfo: %w", err)
		}
		if md.BundleID == "" {
			md.BundleID = pi.Identifier
			md.Version = pi.Version
		}
		return nil
	})
}

func (p *Processor) processZIP(ctx context.Context, path, expected string, md *Metadata) error {
	tmp, err := os.MkdirTemp(p.workDir, "zip-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	if _, stderr, err := p.runner.Run(ctx, "unzip", "-q", path, "-d", tmp); err != nil {
		return fmt.Errorf("extracting zip: %w: %s", err, bytes.TrimSpace(stderr))
	}
	app, err := findApp(tmp, true)
	if err != nil {
		return err
	}
	if app == "" {
		return fmt.Errorf("%w: in zip archive", ErrNoAppBundle)
	}
	return p.appMetadata(ctx, app, expected, md)
}

// sanitize keeps only letters, digits and ".-_".
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		}
		return -1
	}, s)
}

// Rename renames the package at path using the naming pattern and md.
// A timestamp is appended when the target already exists.
func (p *Processor) Rename(path string, md *Metadata) (string, error) {
	name, version := "Unknown", "Unknown"
	if md != nil && md.Name != "" {
		name = strings.ReplaceAll(md.Name, " ", "")
	}
	if md != nil && md.Version != "" {
		version = md.Version
	}
	ext := strings.TrimPrefix(filepath.Ext(path), ".")

	newName := sanitize(strings.NewReplacer(
		"{name}", name,
		"{version}", version,
		"{ext}", ext,
	).Replace(p.namingPattern))
	newPath := filepath.Join(filepath.Dir(path), newName)
	if newPath == path {
		return path, nil
	}
	if _, err := os.Stat(newPath); err == nil {
		newExt := filepath.Ext(newName)
		newName = strings.TrimSuffix(newName, newExt) + "_" + p.now().Format("20060102_150405") + newExt
		newPath = filepath.Join(filepath.Dir(path), newName)
	}
	if err := os.Rename(path, newPath); err != nil {
		return path, fmt.Errorf("renaming package: %w", err)
	}
	return newPath, nil
}

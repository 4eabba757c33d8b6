package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/micromdm/nanolib/log"
)

const testInfoPlist = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>CFBundleIdentifier</key>
	<string>org.mozilla.firefox</string>
	<key>CFBundleShortVersionString</key>
	<string>128.0.3</string>
	<key>CFBundleVersion</key>
	<string>12824.7.4</string>
	<key>CFBundleName</key>
	<string>Firefox</string>
	<key>CFBundleExecutable</key>
	<string>firefox</string>
	<key>LSMinimumSystemVersion</key>
	<string>10.15.0</string>
</dict>
</plist>
`

type fakeRunner struct {
	mu    sync.Mutex
	calls []string
	fn    func(name string, args []string) ([]byte, []byte, error)
}

func (r *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
	r.mu.Lock()
	r.calls = append(r.calls, name+" "+strings.Join(args, " "))
	r.mu.Unlock()
	return r.fn(name, args)
}

func (r *fakeRunner) called(prefix string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func writeApp(t *testing.T, dir string) string {
	t.Helper()
	app := filepath.Join(dir, "Firefox.app")
	if err := os.MkdirAll(filepath.Join(app, "Contents", "MacOS"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(app, "Contents", "Info.plist"), []byte(testInfoPlist), 0644); err != nil {
		t.Fatal(err)
	}
	return app
}

func writeFile(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("package"), 0644); err != nil {
		t.Fatal(err)
	}
}

func appRunner(mount, teamID string) *fakeRunner {
	return &fakeRunner{fn: func(name string, args []string) ([]byte, []byte, error) {
		switch name {
		case "hdiutil":
			if args[0] == "attach" {
				out := fmt.Sprintf("/dev/disk4\tGUID_partition_scheme\t\n/dev/disk4s1\tApple_HFS\t%s\n", mount)
				return []byte(out), nil, nil
			}
			return nil, nil, nil
		case "codesign":
			return nil, []byte("Executable=/x\nAuthority=Developer ID Application\nTeamIdentifier=" + teamID + "\n"), nil
		case "lipo":
			return []byte("Architectures in the fat file: firefox are: x86_64 arm64\n"), nil, nil
		}
		return nil, nil, errors.New("unexpected command: " + name)
	}}
}

func TestVerifyDMG(t *testing.T) {
	mount := t.TempDir()
	writeApp(t, mount)
	pkg := filepath.Join(t.TempDir(), "Firefox.dmg")
	writeFile(t, pkg)

	r := appRunner(mount, "43AQ936H96")
	p := New(WithRunner(r), WithWorkDir(t.TempDir()))

	md, err := p.Verify(context.Background(), pkg, "firefox", "")
	if err != nil {
		t.Fatal(err)
	}
	want := &Metadata{
		Name:          "Firefox",
		Version:       "128.0.3",
		Build:         "12824.7.4",
		BundleID:      "org.mozilla.firefox",
		MinimumOS:     "10.15.0",
		TeamID:        "43AQ936H96",
		Architectures: []string{"x86_64", "arm64"},
		Signed:        true,
		PackageType:   "dmg",
		PackagePath:   pkg,
		PackageSize:   int64(len("package")),
	}
	if !reflect.DeepEqual(md, want) {
		t.Errorf("have: %+v, want: %+v", md, want)
	}
	if !r.called("hdiutil detach " + mount) {
		t.Error("expected disk image to be detached")
	}
}

func TestVerifyDMGMismatch(t *testing.T) {
	mount := t.TempDir()
	writeApp(t, mount)
	pkg := filepath.Join(t.TempDir(), "Firefox.dmg")
	writeFile(t, pkg)

	r := appRunner(mount, "BADTEAM123")
	p := New(WithRunner(r))

	_, err := p.Verify(context.Background(), pkg, "firefox", "43AQ936H96")
	if !errors.Is(err, ErrTeamIDMismatch) {
		t.Errorf("have: %v, want: %v", err, ErrTeamIDMismatch)
	}
	// detach happens on failure too
	if !r.called("hdiutil detach") {
		t.Error("expected disk image to be detached")
	}

	// known vendor team id applies without an explicit one
	if _, err = p.Verify(context.Background(), pkg, "Firefox", ""); !errors.Is(err, ErrTeamIDMismatch) {
		t.Errorf("have: %v, want: %v", err, ErrTeamIDMismatch)
	}

	// unknown apps without an expected team id pass
	if _, err = p.Verify(context.Background(), pkg, "someapp", ""); err != nil {
		t.Error(err)
	}
}

func TestVerifyDMGNoApp(t *testing.T) {
	mount := t.TempDir()
	pkg := filepath.Join(t.TempDir(), "Empty.dmg")
	writeFile(t, pkg)

	p := New(WithRunner(appRunner(mount, "")))
	if _, err := p.Verify(context.Background(), pkg, "empty", ""); !errors.Is(err, ErrNoAppBundle) {
		t.Errorf("have: %v, want: %v", err, ErrNoAppBundle)
	}
}

func TestVerifyDMGNoMountPoint(t *testing.T) {
	pkg := filepath.Join(t.TempDir(), "Firefox.dmg")
	writeFile(t, pkg)

	r := &fakeRunner{fn: func(name string, args []string) ([]byte, []byte, error) {
		if name == "hdiutil" && args[0] == "attach" {
			return []byte("/dev/disk4\tGUID_partition_scheme\t\n/dev/disk4s1\tApple_HFS\t\n"), nil, nil
		}
		return nil, nil, nil
	}}
	p := New(WithRunner(r))
	if _, err := p.Verify(context.Background(), pkg, "firefox", ""); !errors.Is(err, ErrMount) {
		t.Errorf("have: %v, want: %v", err, ErrMount)
	}
	if !r.called("hdiutil detach /dev/disk4 ") {
		t.Errorf("expected device to be detached: %v", r.calls)
	}
}

func TestAttachDevice(t *testing.T) {
	for _, test := range []struct {
		out  string
		want string
	}{
		{"/dev/disk4\tGUID_partition_scheme\t\n/dev/disk4s1\tApple_HFS\t/Volumes/Firefox\n", "/dev/disk4"},
		{"expected CRC32 $D1C5B3F2\n/dev/disk5          \t\t\n", "/dev/disk5"},
		{"nothing useful\n", ""},
	} {
		if have := attachDevice([]byte(test.out)); have != test.want {
			t.Errorf("have: %q, want: %q", have, test.want)
		}
	}
}

// debugLogger records the Debug lines of it and its children.
type debugLogger struct {
	mu     *sync.Mutex
	debugs *[]string
	ctx    []interface{}
}

func newDebugLogger() *debugLogger {
	return &debugLogger{mu: new(sync.Mutex), debugs: new([]string)}
}

func (l *debugLogger) Info(...interface{}) {}

func (l *debugLogger) Debug(args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.debugs = append(*l.debugs, strings.TrimSpace(fmt.Sprintln(append(l.ctx, args...)...)))
}

func (l *debugLogger) With(args ...interface{}) log.Logger {
	l2 := *l
	l2.ctx = append(append([]interface{}{}, l.ctx...), args...)
	return &l2
}

func (l *debugLogger) contains(s ...string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range *l.debugs {
		found := true
		for _, sub := range s {
			found = found && strings.Contains(line, sub)
		}
		if found {
			return true
		}
	}
	return false
}

func TestVerifyPKGToolFailures(t *testing.T) {
	pkg := filepath.Join(t.TempDir(), "Zoom.pkg")
	writeFile(t, pkg)

	var signatureErr bool
	r := &fakeRunner{fn: func(name string, args []string) ([]byte, []byte, error) {
		switch args[0] {
		case "--check-signature":
			if signatureErr {
				return nil, []byte("no signature"), errors.New("exit status 1")
			}
			return []byte("    1. Developer ID Installer: Zoom Video Communications, Inc. (BJ4HAAB9B3)\n"), nil, nil
		case "--expand":
			return nil, []byte("Could not open package for expansion"), errors.New("exit status 1")
		}
		return nil, nil, errors.New("unexpected args")
	}}
	logger := newDebugLogger()
	p := New(WithRunner(r), WithWorkDir(t.TempDir()), WithLogger(logger))

	// expansion failure keeps the signature metadata
	md, err := p.Verify(context.Background(), pkg, "zoom", "")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := md.TeamID, "BJ4HAAB9B3"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if md.BundleID != "" {
		t.Errorf("unexpected bundle id: %v", md.BundleID)
	}
	if !logger.contains("expanding package", "BJ4HAAB9B3", "Could not open package") {
		t.Errorf("expand failure not logged: %v", *logger.debugs)
	}

	// the known team id still applies when the signature cannot be read
	signatureErr = true
	if _, err = p.Verify(context.Background(), pkg, "zoom", ""); !errors.Is(err, ErrTeamIDMismatch) {
		t.Errorf("have: %v, want: %v", err, ErrTeamIDMismatch)
	}
	if !logger.contains("checking package signature", "expected_team_id BJ4HAAB9B3", "no signature") {
		t.Errorf("signature failure not logged: %v", *logger.debugs)
	}
}

func TestVerifyPKG(t *testing.T) {
	pkg := filepath.Join(t.TempDir(), "Zoom.pkg")
	writeFile(t, pkg)

	r := &fakeRunner{fn: func(name string, args []string) ([]byte, []byte, error) {
		if name != "pkgutil" {
			return nil, nil, errors.New("unexpected command: " + name)
		}
		switch args[0] {
		case "--check-signature":
			return []byte(`Package "Zoom.pkg":
   Status: signed by a developer certificate issued by Apple for distribution
   Certificate Chain:
    1. Developer ID Installer: Zoom Video Communications, Inc. (BJ4HAAB9B3)
    2. Developer ID Certification Authority
`), nil, nil
		case "--expand":
			dir := filepath.Join(args[2], "zoomus.pkg")
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, nil, err
			}
			pi := `<?xml version="1.0" encoding="utf-8"?><pkg-info identifier="us.zoom.pkg.videomeeting" version="6.1.0"></pkg-info>`
			return nil, nil, os.WriteFile(filepath.Join(dir, "PackageInfo"), []byte(pi), 0644)
		}
		return nil, nil, errors.New("unexpected args")
	}}
	p := New(WithRunner(r), WithWorkDir(t.TempDir()))

	md, err := p.Verify(context.Background(), pkg, "zoom", "")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := md.TeamID, "BJ4HAAB9B3"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := md.Developer, "Zoom Video Communications, Inc. (BJ4HAAB9B3)"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := md.BundleID, "us.zoom.pkg.videomeeting"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := md.Version, "6.1.0"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if !md.Signed {
		t.Error("expected signed package")
	}

	if _, err = p.Verify(context.Background(), pkg, "zoom", "AAAAAAAAAA"); !errors.Is(err, ErrTeamIDMismatch) {
		t.Errorf("have: %v, want: %v", err, ErrTeamIDMismatch)
	}
}

func TestVerifyZIP(t *testing.T) {
	pkg := filepath.Join(t.TempDir(), "Firefox.zip")
	writeFile(t, pkg)

	base := appRunner("", "43AQ936H96")
	r := &fakeRunner{fn: func(name string, args []string) ([]byte, []byte, error) {
		if name == "unzip" {
			dest := filepath.Join(args[3], "nested")
			if err := os.MkdirAll(filepath.Join(args[3], "__MACOSX"), 0755); err != nil {
				return nil, nil, err
			}
			writeApp(t, dest)
			return nil, nil, nil
		}
		return base.fn(name, args)
	}}
	p := New(WithRunner(r), WithWorkDir(t.TempDir()))

	md, err := p.Verify(context.Background(), pkg, "firefox", "")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := md.Version, "128.0.3"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := md.PackageType, "zip"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}

func TestVerifyUnsupported(t *testing.T) {
	pkg := filepath.Join(t.TempDir(), "tool.tar.gz")
	writeFile(t, pkg)
	p := New(WithRunner(&fakeRunner{}))
	if _, err := p.Verify(context.Background(), pkg, "tool", ""); !errors.Is(err, ErrUnsupportedPackage) {
		t.Errorf("have: %v, want: %v", err, ErrUnsupportedPackage)
	}
	if _, err := p.Verify(context.Background(), filepath.Join(t.TempDir(), "missing.dmg"), "tool", ""); err == nil {
		t.Error("expected error for missing package")
	}
}

func TestMountPoint(t *testing.T) {
	for _, test := range []struct {
		out  string
		want string
	}{
		{"/dev/disk4\tGUID_partition_scheme\t\n/dev/disk4s1\tApple_HFS\t/Volumes/Firefox\n", "/Volumes/Firefox"},
		{"/dev/disk4\t\t/Volumes/My App 2\n", "/Volumes/My App 2"},
		{"nothing useful\n", ""},
	} {
		if have := mountPoint([]byte(test.out)); have != test.want {
			t.Errorf("have: %q, want: %q", have, test.want)
		}
	}
}

func TestRename(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "download.dmg")
	writeFile(t, src)

	p := New()
	p.now = func() time.Time { return time.Date(2024, 3, 5, 14, 7, 9, 0, time.UTC) }
	md := &Metadata{Name: "Google Chrome!", Version: "126.0"}

	have, err := p.Rename(src, md)
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(dir, "GoogleChrome-126.0.dmg"); have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	// collision appends a timestamp
	src2 := filepath.Join(dir, "other.dmg")
	writeFile(t, src2)
	have, err = p.Rename(src2, md)
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(dir, "GoogleChrome-126.0_20240305_140709.dmg"); have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	// missing metadata falls back to Unknown
	src3 := filepath.Join(dir, "x.pkg")
	writeFile(t, src3)
	have, err = p.Rename(src3, nil)
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(dir, "Unknown-Unknown.pkg"); have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}

func TestParseBundleInfo(t *testing.T) {
	info, err := ParseBundleInfo([]byte(testInfoPlist))
	if err != nil {
		t.Fatal(err)
	}
	if have, want := info.CFBundleIdentifier, "org.mozilla.firefox"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if _, err = ParseBundleInfo([]byte("not a plist")); !errors.Is(err, ErrInvalidBundle) {
		t.Errorf("have: %v, want: %v", err, ErrInvalidBundle)
	}
	empty := `<?xml version="1.0" encoding="UTF-8"?><plist version="1.0"><dict></dict></plist>`
	if _, err = ParseBundleInfo([]byte(empty)); !errors.Is(err, ErrInvalidBundle) {
		t.Errorf("have: %v, want: %v", err, ErrInvalidBundle)
	}
}

package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestLoadAndLookup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "applications.yaml")
	yaml := `
Firefox:
  name: Mozilla Firefox
  bundle_id: org.mozilla.firefox
  team_id: 43AQ936H96
  download_url: https://example.com/Firefox.dmg
  patch_title: Mozilla Firefox
zoom:
  name: Zoom
  bundle_id: us.zoom.xos
  team_id: BJ4HAAB9B3
  download_type: direct
  download_url: https://example.com/ZoomInstaller.pkg
  package_type: pkg
vscode:
  name: Visual Studio Code
  bundle_id: com.microsoft.VSCode
  download_type: github
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if have, want := c.Names(), []string{"firefox", "vscode", "zoom"}; !reflect.DeepEqual(have, want) {
		t.Errorf("have: %v, want: %v", have, want)
	}

	e, ok := c.Entry("FIREFOX")
	if !ok {
		t.Fatal("expected firefox entry")
	}
	if have, want := e.PatchTitleName("firefox"), "Mozilla Firefox"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	z, _ := c.Entry("zoom")
	if have, want := z.PatchTitleName("zoom"), "zoom"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	if have, want := c.Search("MOZILLA"), []string{"firefox"}; !reflect.DeepEqual(have, want) {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := c.Search("us.zoom"), []string{"zoom"}; !reflect.DeepEqual(have, want) {
		t.Errorf("have: %v, want: %v", have, want)
	}

	if problems := c.Validate("firefox"); len(problems) != 0 {
		t.Errorf("unexpected problems: %v", problems)
	}
	want := []string{
		"Missing required field: team_id",
		"Missing github_repo for GitHub releases",
	}
	if have := c.Validate("vscode"); !reflect.DeepEqual(have, want) {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have := c.Validate("nope"); len(have) != 1 {
		t.Errorf("expected one problem, have: %v", have)
	}
}

func TestResolveDirect(t *testing.T) {
	entries := map[string]*Entry{
		"docker": {
			DownloadURL:      "https://example.com/arm64/Docker.dmg",
			DownloadURLX8664: "https://example.com/amd64/Docker.dmg",
		},
		"slack": {
			DownloadURL:      "https://example.com/slack.dmg",
			DownloadURLArm64: "https://example.com/slack-arm.dmg",
			PackageType:      "dmg",
		},
	}
	ctx := context.Background()

	for _, test := range []struct {
		arch string
		name string
		url  string
	}{
		{"arm64", "docker", "https://example.com/arm64/Docker.dmg"},
		{"x86_64", "docker", "https://example.com/amd64/Docker.dmg"},
		{"arm64", "slack", "https://example.com/slack-arm.dmg"},
		{"x86_64", "slack", "https://example.com/slack.dmg"},
	} {
		t.Run(test.arch+"-"+test.name, func(t *testing.T) {
			c := New(entries, WithArch(test.arch))
			d, err := c.Resolve(ctx, test.name)
			if err != nil {
				t.Fatal(err)
			}
			if have, want := d.URL, test.url; have != want {
				t.Errorf("have: %v, want: %v", have, want)
			}
			if have, want := d.Version, "latest"; have != want {
				t.Errorf("have: %v, want: %v", have, want)
			}
			if have, want := d.Kind, "dmg"; have != want {
				t.Errorf("have: %v, want: %v", have, want)
			}
		})
	}
}

func TestResolveErrors(t *testing.T) {
	c := New(map[string]*Entry{
		"empty": {},
		"weird": {DownloadType: "ftp"},
		"gh":    {DownloadType: GitHub},
	})
	ctx := context.Background()

	if _, err := c.Resolve(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("have: %v, want: %v", err, ErrNotFound)
	}
	if _, err := c.Resolve(ctx, "empty"); !errors.Is(err, ErrNoDescriptor) {
		t.Errorf("have: %v, want: %v", err, ErrNoDescriptor)
	}
	if _, err := c.Resolve(ctx, "weird"); !errors.Is(err, ErrUnknownDownloadType) {
		t.Errorf("have: %v, want: %v", err, ErrUnknownDownloadType)
	}
	if _, err := c.Resolve(ctx, "gh"); !errors.Is(err, ErrNoDescriptor) {
		t.Errorf("have: %v, want: %v", err, ErrNoDescriptor)
	}
}

func TestResolveGitHub(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/tool/releases/latest" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"tag_name":"v1.4.2","assets":[
			{"name":"tool-1.4.2-arm64.zip","browser_download_url":"https://dl.example.com/tool-1.4.2-arm64.zip"},
			{"name":"tool-1.4.2-x64.zip","browser_download_url":"https://dl.example.com/tool-1.4.2-x64.zip"}]}`)
	}))
	defer srv.Close()

	entries := map[string]*Entry{"tool": {DownloadType: GitHub, GitHubRepo: "acme/tool"}}
	ctx := context.Background()

	for arch, want := range map[string]string{
		"arm64":  "https://dl.example.com/tool-1.4.2-arm64.zip",
		"x86_64": "https://dl.example.com/tool-1.4.2-x64.zip",
	} {
		c := New(entries, WithArch(arch), WithGitHubAPI(srv.URL+"/"))
		d, err := c.Resolve(ctx, "tool")
		if err != nil {
			t.Fatal(err)
		}
		if have := d.URL; have != want {
			t.Errorf("%s: have: %v, want: %v", arch, have, want)
		}
		if have, want := d.Version, "1.4.2"; have != want {
			t.Errorf("have: %v, want: %v", have, want)
		}
		if have, want := d.Kind, "zip"; have != want {
			t.Errorf("have: %v, want: %v", have, want)
		}
		if have, want := d.Filename, want[len("https://dl.example.com/"):]; have != want {
			t.Errorf("have: %v, want: %v", have, want)
		}
	}
}

func TestResolveSparkle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<?xml version="1.0" encoding="utf-8"?>
<rss version="2.0" xmlns:sparkle="http://www.andymatuschak.org/xml-namespaces/sparkle">
<channel>
<item><sparkle:version>2.9</sparkle:version><enclosure url="https://dl.example.com/App-2.9.dmg"/></item>
<item><enclosure url="https://dl.example.com/App-2.10.dmg" sparkle:version="2.10"/></item>
<item><sparkle:version>2.1.5</sparkle:version><enclosure url="https://dl.example.com/App-2.1.5.dmg"/></item>
</channel>
</rss>`)
	}))
	defer srv.Close()

	c := New(map[string]*Entry{"app": {DownloadType: Sparkle, SparkleFeedURL: srv.URL}})
	d, err := c.Resolve(context.Background(), "app")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := d.Version, "2.10"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := d.URL, "https://dl.example.com/App-2.10.dmg"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}

func TestResolveJSONAPI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"releases":[{"version":"3.2.1","links":{"mac":"https://dl.example.com/app-3.2.1.pkg"}}]}`)
	}))
	defer srv.Close()

	c := New(map[string]*Entry{"app": {
		DownloadType:    JSONAPI,
		APIURL:          srv.URL,
		VersionSelector: "releases.0.version",
		URLSelector:     "releases.0.links.mac",
	}})
	d, err := c.Resolve(context.Background(), "app")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := d.Version, "3.2.1"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := d.Kind, "pkg"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	if _, ok := ExtractJSON(map[string]interface{}{"a": []interface{}{}}, "a.3"); ok {
		t.Error("expected out of range selector to fail")
	}
}

func TestResolveWebScraper(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><p>Version 5.6.7</p><a href="/files/App-5.6.7.dmg">Download</a></html>`)
	}))
	defer srv.Close()

	c := New(map[string]*Entry{"app": {
		DownloadType:   WebScraper,
		ScrapeURL:      srv.URL + "/downloads/",
		URLPattern:     `href="([^"]+\.dmg)"`,
		VersionPattern: `Version ([0-9.]+)`,
	}})
	d, err := c.Resolve(context.Background(), "app")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := d.URL, srv.URL+"/files/App-5.6.7.dmg"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := d.Version, "5.6.7"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := d.Filename, "App-5.6.7.dmg"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}

func TestCompareVersions(t *testing.T) {
	for _, test := range []struct {
		a, b string
		want int
	}{
		{"1.2", "1.2.0", 0},
		{"1.10", "1.9", 1},
		{"2.0.1", "2.1", -1},
		{"1.0b", "1.0a", 1},
	} {
		if have := CompareVersions(test.a, test.b); have != test.want {
			t.Errorf("%s vs %s: have: %v, want: %v", test.a, test.b, have, test.want)
		}
	}
}

func TestGuessKind(t *testing.T) {
	for u, want := range map[string]string{
		"https://x/A.DMG":           "dmg",
		"https://x/a.pkg":           "pkg",
		"https://x/a.zip":           "zip",
		"https://x/download?os=osx": "unknown",
	} {
		if have := GuessKind(u); have != want {
			t.Errorf("%s: have: %v, want: %v", u, have, want)
		}
	}
}

package catalog

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/micromdm/nanopatch/log/logkeys"

	"github.com/micromdm/nanolib/log/ctxlog"
)

// Resolve returns the download descriptor for the named application.
// ErrNotFound is returned for names not in the catalog and
// ErrNoDescriptor when the entry's strategy produced no download URL.
func (c *Catalog) Resolve(ctx context.Context, name string) (*Descriptor, error) {
	e, ok := c.Entry(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	var d *Descriptor
	var err error
	switch e.Type() {
	case Direct:
		d = c.direct(e)
	case GitHub:
		d, err = c.github(ctx, e)
	case Sparkle:
		d, err = c.sparkle(ctx, e)
	case JSONAPI:
		d, err = c.jsonAPI(ctx, e)
	case WebScraper:
		d, err = c.scrape(ctx, e)
	default:
		return nil, fmt.Errorf("%w: %s: %s", ErrUnknownDownloadType, name, e.DownloadType)
	}
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", name, err)
	}
	if d == nil || d.URL == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoDescriptor, name)
	}

	ctxlog.Logger(ctx, c.logger).Debug(
		logkeys.Message, "resolved download",
		logkeys.AppName, name,
		logkeys.URL, d.URL,
		logkeys.Version, d.Version,
	)
	return d, nil
}

// urlFilename returns the last path element of rawURL.
func urlFilename(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL[strings.LastIndex(rawURL, "/")+1:]
	}
	if b := path.Base(u.Path); b != "/" && b != "." {
		return b
	}
	return ""
}

func (c *Catalog) direct(e *Entry) *Descriptor {
	u := e.DownloadURL
	if c.arch == "arm64" && e.DownloadURLArm64 != "" {
		u = e.DownloadURLArm64
	} else if c.arch == "x86_64" && e.DownloadURLX8664 != "" {
		u = e.DownloadURLX8664
	}
	d := &Descriptor{
		URL:      u,
		Version:  e.Version,
		Filename: e.Filename,
		Kind:     e.PackageType,
	}
	if d.Version == "" {
		d.Version = "latest"
	}
	if d.Kind == "" {
		d.Kind = "dmg"
	}
	return d
}

// get fetches rawURL and returns the body for a 2xx response.
func (c *Catalog) get(ctx context.Context, rawURL string, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("GET %s: unexpected status: %s", rawURL, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

type githubRelease struct {
	TagName string `json:"tag_name"`
	Assets  []struct {
		Name               string `json:"name"`
		BrowserDownloadURL string `json:"browser_download_url"`
	} `json:"assets"`
}

func containsAny(s string, terms ...string) bool {
	for _, t := range terms {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}

func (c *Catalog) github(ctx context.Context, e *Entry) (*Descriptor, error) {
	if e.GitHubRepo == "" {
		return nil, nil
	}
	body, err := c.get(ctx, c.githubAPI+"/repos/"+e.GitHubRepo+"/releases/latest", "application/vnd.github+json")
	if err != nil {
		return nil, err
	}
	rel := new(githubRelease)
	if err = json.Unmarshal(body, rel); err != nil {
		return nil, fmt.Errorf("decoding release: %w", err)
	}
	if len(rel.Assets) < 1 {
		return nil, nil
	}

	armTerms := []string{"arm64", "apple", "m1"}
	u := rel.Assets[0].BrowserDownloadURL
	for _, a := range rel.Assets {
		n := strings.ToLower(a.Name)
		if c.arch == "arm64" {
			if containsAny(n, armTerms...) {
				u = a.BrowserDownloadURL
				break
			}
		} else if containsAny(n, "x86_64", "intel", "x64") || !containsAny(n, armTerms...) {
			u = a.BrowserDownloadURL
			break
		}
	}
	return &Descriptor{
		URL:      u,
		Version:  strings.TrimPrefix(rel.TagName, "v"),
		Filename: urlFilename(u),
		Kind:     GuessKind(u),
	}, nil
}

type sparkleFeed struct {
	Items []struct {
		Version   string `xml:"http://www.andymatuschak.org/xml-namespaces/sparkle version"`
		Enclosure struct {
			URL     string `xml:"url,attr"`
			Version string `xml:"http://www.andymatuschak.org/xml-namespaces/sparkle version,attr"`
		} `xml:"enclosure"`
	} `xml:"channel>item"`
}

func (c *Catalog) sparkle(ctx context.Context, e *Entry) (*Descriptor, error) {
	if e.SparkleFeedURL == "" {
		return nil, nil
	}
	body, err := c.get(ctx, e.SparkleFeedURL, "")
	if err != nil {
		return nil, err
	}
	feed := new(sparkleFeed)
	if err = xml.Unmarshal(body, feed); err != nil {
		return nil, fmt.Errorf("parsing sparkle feed: %w", err)
	}

	var latestURL string
	latest := "0.0.0"
	for _, item := range feed.Items {
		v := item.Version
		if v == "" {
			v = item.Enclosure.Version
		}
		if v == "" || item.Enclosure.URL == "" {
			continue
		}
		if CompareVersions(v, latest) > 0 {
			latest = v
			latestURL = item.Enclosure.URL
		}
	}
	if latestURL == "" {
		return nil, nil
	}
	return &Descriptor{
		URL:      latestURL,
		Version:  latest,
		Filename: urlFilename(latestURL),
		Kind:     GuessKind(latestURL),
	}, nil
}

// ExtractJSON walks data using a dot-separated selector.
// Numeric path elements index into arrays.
func ExtractJSON(data interface{}, selector string) (interface{}, bool) {
	cur := data
	for _, key := range strings.Split(selector, ".") {
		switch v := cur.(type) {
		case map[string]interface{}:
			next, ok := v[key]
			if !ok {
				return nil, false
			}
			cur = next
		case []interface{}:
			i, err := strconv.Atoi(key)
			if err != nil || i < 0 || i >= len(v) {
				return nil, false
			}
			cur = v[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

func jsonString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(s)
	}
}

func (c *Catalog) jsonAPI(ctx context.Context, e *Entry) (*Descriptor, error) {
	if e.APIURL == "" {
		return nil, nil
	}
	body, err := c.get(ctx, e.APIURL, "application/json")
	if err != nil {
		return nil, err
	}
	var data interface{}
	if err = json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("decoding api response: %w", err)
	}

	vSel, uSel := e.VersionSelector, e.URLSelector
	if vSel == "" {
		vSel = "version"
	}
	if uSel == "" {
		uSel = "download_url"
	}
	v, _ := ExtractJSON(data, vSel)
	u, _ := ExtractJSON(data, uSel)
	version, dlURL := jsonString(v), jsonString(u)
	if version == "" || dlURL == "" {
		return nil, nil
	}
	return &Descriptor{
		URL:      dlURL,
		Version:  version,
		Filename: urlFilename(dlURL),
		Kind:     GuessKind(dlURL),
	}, nil
}

func (c *Catalog) scrape(ctx context.Context, e *Entry) (*Descriptor, error) {
	if e.ScrapeURL == "" || e.URLPattern == "" {
		return nil, nil
	}
	urlRe, err := regexp.Compile(e.URLPattern)
	if err != nil {
		return nil, fmt.Errorf("url pattern: %w", err)
	}
	var versionRe *regexp.Regexp
	if e.VersionPattern != "" {
		if versionRe, err = regexp.Compile(e.VersionPattern); err != nil {
			return nil, fmt.Errorf("version pattern: %w", err)
		}
	}

	body, err := c.get(ctx, e.ScrapeURL, "")
	if err != nil {
		return nil, err
	}
	m := urlRe.FindSubmatch(body)
	if len(m) < 2 {
		return nil, nil
	}
	dlURL := string(m[1])
	if !strings.HasPrefix(dlURL, "http") {
		base, err := url.Parse(e.ScrapeURL)
		if err != nil {
			return nil, err
		}
		ref, err := url.Parse(dlURL)
		if err != nil {
			return nil, err
		}
		dlURL = base.ResolveReference(ref).String()
	}

	version := "latest"
	if versionRe != nil {
		if vm := versionRe.FindSubmatch(body); len(vm) > 1 {
			version = string(vm[1])
		}
	}
	return &Descriptor{
		URL:      dlURL,
		Version:  version,
		Filename: urlFilename(dlURL),
		Kind:     GuessKind(dlURL),
	}, nil
}

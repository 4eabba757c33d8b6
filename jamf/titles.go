package jamf

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/micromdm/nanopatch/log/logkeys"

	"github.com/micromdm/nanolib/log/ctxlog"
)

const (
	titlesPath = "/api/v2/patch-software-titles"

	titlesPageSize = 100
)

// Title is a patch software title.
type Title struct {
	ID   ID     `json:"id"`
	Name string `json:"name"`
}

// Definition is a version definition of a patch software title.
type Definition struct {
	Version                string      `json:"version"`
	MinimumOperatingSystem string      `json:"minimumOperatingSystem,omitempty"`
	ReleaseDate            string      `json:"releaseDate,omitempty"`
	RebootRequired         bool        `json:"rebootRequired"`
	Package                *PackageRef `json:"package,omitempty"`
}

// PackageRef references a package record from a definition.
type PackageRef struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName,omitempty"`
}

// FindTitle returns the patch software title with name.
// ErrNotFound is returned if no title exists.
func (c *Client) FindTitle(ctx context.Context, name string) (*Title, error) {
	res := new(searchResults[Title])
	if _, err := c.do(ctx, http.MethodGet, titlesPath, nameFilter("name", name), nil, res); err != nil {
		return nil, err
	}
	if res.TotalCount < 1 || len(res.Results) < 1 {
		return nil, fmt.Errorf("patch title %q: %w", name, ErrNotFound)
	}
	return &res.Results[0], nil
}

// Titles returns every patch software title.
func (c *Client) Titles(ctx context.Context) ([]Title, error) {
	var titles []Title
	for page := 0; ; page++ {
		q := url.Values{
			"page":      []string{strconv.Itoa(page)},
			"page-size": []string{strconv.Itoa(titlesPageSize)},
		}
		res := new(searchResults[Title])
		if _, err := c.do(ctx, http.MethodGet, titlesPath, q, nil, res); err != nil {
			return nil, err
		}
		titles = append(titles, res.Results...)
		if len(res.Results) < 1 || len(titles) >= res.TotalCount {
			return titles, nil
		}
	}
}

// Definitions returns the version definitions of a title.
func (c *Client) Definitions(ctx context.Context, titleID string) ([]Definition, error) {
	var cfg struct {
		Definitions []Definition `json:"definitions"`
	}
	if _, err := c.do(ctx, http.MethodGet, titlesPath+"/"+url.PathEscape(titleID), nil, nil, &cfg); err != nil {
		return nil, err
	}
	return cfg.Definitions, nil
}

// HasVersion reports whether title has a definition for version.
func (c *Client) HasVersion(ctx context.Context, titleID, version string) (bool, error) {
	defs, err := c.Definitions(ctx, titleID)
	if err != nil {
		return false, err
	}
	for _, d := range defs {
		if d.Version == version {
			return true, nil
		}
	}
	return false, nil
}

// LinkPackage sets pkg as the package of the title's version definition.
// The title configuration is read and written back whole so fields
// this client does not model are preserved.
func (c *Client) LinkPackage(ctx context.Context, titleID, version string, pkg PackageRef) error {
	path := titlesPath + "/" + url.PathEscape(titleID)
	var cfg map[string]interface{}
	if _, err := c.do(ctx, http.MethodGet, path, nil, nil, &cfg); err != nil {
		return err
	}

	defs, _ := cfg["definitions"].([]interface{})
	var def map[string]interface{}
	for _, d := range defs {
		if m, ok := d.(map[string]interface{}); ok && m["version"] == version {
			def = m
			break
		}
	}
	if def == nil {
		return fmt.Errorf("definition for version %s: %w", version, ErrNotFound)
	}
	if pkg.DisplayName == "" {
		pkg.DisplayName = pkg.Name
	}
	def["package"] = pkg

	if _, err := c.do(ctx, http.MethodPut, path, nil, cfg, nil); err != nil {
		return err
	}
	ctxlog.Logger(ctx, c.logger).Info(
		logkeys.Message, "linked package",
		logkeys.TitleID, titleID,
		logkeys.Version, version,
		logkeys.PackageID, pkg.ID,
	)
	return nil
}

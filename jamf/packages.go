package jamf

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/micromdm/nanopatch/log/logkeys"

	"github.com/micromdm/nanolib/log/ctxlog"
)

// Distributor places package files where Jamf clients download them.
type Distributor interface {
	Distribute(ctx context.Context, path string) error
}

type packageRecord struct {
	PackageName       string `json:"packageName"`
	FileName          string `json:"fileName"`
	CategoryID        string `json:"categoryId"`
	Priority          int    `json:"priority"`
	FillUserTemplate  bool   `json:"fillUserTemplate"`
	FillExistingUsers bool   `json:"fillExistingUsers"`
	OSRequirements    string `json:"osRequirements"`
	Info              string `json:"info"`
}

type packageResult struct {
	ID          ID     `json:"id"`
	PackageName string `json:"packageName"`
}

// UploadPackage distributes the package file (if a Distributor is
// configured) and creates its package record, returning the record id.
// An existing record with the same name is reused.
func (c *Client) UploadPackage(ctx context.Context, path string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("package file: %w", err)
	}
	name := filepath.Base(path)
	logger := ctxlog.Logger(ctx, c.logger).With(logkeys.Path, path)

	if c.dist != nil {
		if err := c.dist.Distribute(ctx, path); err != nil {
			return "", fmt.Errorf("distributing package: %w", err)
		}
	}

	rec := &packageRecord{
		PackageName: name,
		FileName:    name,
		CategoryID:  "-1",
		Priority:    10,
		Info:        "Uploaded by nanopatch on " + c.now().Format("2006-01-02T15:04:05"),
	}
	created := new(packageResult)
	_, err := c.do(ctx, http.MethodPost, "/api/v1/packages", nil, rec, created, http.StatusCreated)
	if err == nil && created.ID != "" {
		logger.Info(logkeys.Message, "created package record", logkeys.PackageID, created.ID)
		return string(created.ID), nil
	}

	// the record may already exist
	res := new(searchResults[packageResult])
	if _, findErr := c.do(ctx, http.MethodGet, "/api/v1/packages", nameFilter("packageName", name), nil, res); findErr != nil || res.TotalCount < 1 || len(res.Results) < 1 {
		if err == nil {
			err = fmt.Errorf("package record %s: %w", name, ErrNotFound)
		}
		return "", fmt.Errorf("creating package record: %w", err)
	}
	logger.Debug(logkeys.Message, "package record exists", logkeys.PackageID, res.Results[0].ID)
	return string(res.Results[0].ID), nil
}

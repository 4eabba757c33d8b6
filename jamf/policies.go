package jamf

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/micromdm/nanopatch/log/logkeys"

	"github.com/micromdm/nanolib/log/ctxlog"
)

// UserInteraction configures the end user messages of a patch policy.
type UserInteraction struct {
	MessageStart    string `json:"messageStart"`
	MessageFinish   string `json:"messageFinish"`
	AllowDeferral   bool   `json:"allowDeferral"`
	DeferralPeriod  int    `json:"deferralPeriod"`
	DeadlineEnabled bool   `json:"deadlineEnabled"`
	DeadlinePeriod  int    `json:"deadlinePeriod"`
}

// PolicySpec describes a patch policy to create.
type PolicySpec struct {
	Name            string
	Version         string
	TitleID         string
	GroupIDs        []string
	UserInteraction UserInteraction
	Enabled         bool
}

type reminders struct {
	Frequency int  `json:"frequency"`
	Enabled   bool `json:"enabled"`
}

type notificationSettings struct {
	NotificationType string    `json:"notificationType"`
	Reminders        reminders `json:"reminders"`
}

type scopeTargets struct {
	ComputerGroups []string `json:"computerGroups"`
	Computers      []string `json:"computers"`
	Buildings      []string `json:"buildings"`
	Departments    []string `json:"departments"`
}

type scopeLimitations struct {
	NetworkSegments []string `json:"networkSegments"`
	Users           []string `json:"users"`
	UserGroups      []string `json:"userGroups"`
}

type scopeExclusions struct {
	scopeTargets
	Users      []string `json:"users"`
	UserGroups []string `json:"userGroups"`
}

type policyScope struct {
	Targets     scopeTargets     `json:"targets"`
	Limitations scopeLimitations `json:"limitations"`
	Exclusions  scopeExclusions  `json:"exclusions"`
}

type policyPayload struct {
	Enabled              bool                 `json:"enabled"`
	TargetPatchVersion   string               `json:"targetPatchVersion"`
	Name                 string               `json:"name"`
	SoftwareTitleID      string               `json:"softwareTitleId"`
	ReleaseDate          int64                `json:"releaseDate"`
	IncrementalUpdates   bool                 `json:"incrementalUpdates"`
	RebootMinutes        int                  `json:"rebootMinutes"`
	NotificationSettings notificationSettings `json:"notificationSettings"`
	UserInteraction      UserInteraction      `json:"userInteraction"`
	Scope                policyScope          `json:"scope"`
}

func emptyTargets() scopeTargets {
	return scopeTargets{
		ComputerGroups: []string{},
		Computers:      []string{},
		Buildings:      []string{},
		Departments:    []string{},
	}
}

func newPolicyPayload(spec *PolicySpec, releaseDate int64) *policyPayload {
	targets := emptyTargets()
	if len(spec.GroupIDs) > 0 {
		targets.ComputerGroups = spec.GroupIDs
	}
	return &policyPayload{
		Enabled:            spec.Enabled,
		TargetPatchVersion: spec.Version,
		Name:               spec.Name,
		SoftwareTitleID:    spec.TitleID,
		ReleaseDate:        releaseDate,
		NotificationSettings: notificationSettings{
			NotificationType: "SELF_SERVICE",
			Reminders:        reminders{Frequency: 1, Enabled: true},
		},
		UserInteraction: spec.UserInteraction,
		Scope: policyScope{
			Targets: targets,
			Limitations: scopeLimitations{
				NetworkSegments: []string{},
				Users:           []string{},
				UserGroups:      []string{},
			},
			Exclusions: scopeExclusions{
				scopeTargets: emptyTargets(),
				Users:        []string{},
				UserGroups:   []string{},
			},
		},
	}
}

// CreatePolicy creates a patch policy and returns its id.
func (c *Client) CreatePolicy(ctx context.Context, spec *PolicySpec) (string, error) {
	if spec == nil {
		return "", errors.New("nil policy spec")
	}
	created := new(struct {
		ID ID `json:"id"`
	})
	payload := newPolicyPayload(spec, c.now().UnixMilli())
	if _, err := c.do(ctx, http.MethodPost, "/api/v2/patch-policies", nil, payload, created, http.StatusCreated); err != nil {
		return "", err
	}
	ctxlog.Logger(ctx, c.logger).Info(
		logkeys.Message, "created patch policy",
		"name", spec.Name,
		logkeys.PolicyID, created.ID,
	)
	return string(created.ID), nil
}

type group struct {
	ID   ID     `json:"id"`
	Name string `json:"name"`
}

// GroupID returns the id of the computer group with name.
// ErrNotFound is returned if no group exists.
func (c *Client) GroupID(ctx context.Context, name string) (string, error) {
	res := new(searchResults[group])
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/computer-groups", nameFilter("name", name), nil, res); err != nil {
		return "", err
	}
	if res.TotalCount < 1 || len(res.Results) < 1 {
		return "", fmt.Errorf("computer group %q: %w", name, ErrNotFound)
	}
	return string(res.Results[0].ID), nil
}

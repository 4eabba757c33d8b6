package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/micromdm/nanopatch/config"
	"github.com/micromdm/nanopatch/download"
	"github.com/micromdm/nanopatch/jamf"
	"github.com/micromdm/nanopatch/log/logkeys"
	"github.com/micromdm/nanopatch/run"
	"github.com/micromdm/nanopatch/titleeditor"

	"github.com/micromdm/nanolib/log/ctxlog"
)

const (
	msgNoDownloadInfo = "No download info available"
	msgDownloadFailed = "Download failed"
	unknownVersion    = "unknown"
)

// advance moves a to state s, logging refused transitions.
func (o *Orchestrator) advance(ctx context.Context, a *run.App, s run.State) bool {
	if err := a.Advance(s, o.now()); err != nil {
		ctxlog.Logger(ctx, o.logger).Info(logkeys.AppName, a.Name, logkeys.Error, err)
		return false
	}
	o.metrics.IncApp(s.String())
	return true
}

// failApp marks a Failed with msg.
func (o *Orchestrator) failApp(ctx context.Context, a *run.App, msg string) {
	logger := ctxlog.Logger(ctx, o.logger).With(logkeys.AppName, a.Name)
	if err := a.Fail(msg, o.now()); err != nil {
		logger.Info(logkeys.Error, err)
		return
	}
	o.metrics.IncApp(run.Failed.String())
	logger.Info(logkeys.Message, "application failed", "reason", msg)
}

func (o *Orchestrator) downloadStage(ctx context.Context, r *run.Run, force bool, results *Results) {
	logger := ctxlog.Logger(ctx, o.logger).With(logkeys.RunID, r.ID, logkeys.Stage, run.Downloading)

	var reqs []download.Request
	for _, a := range r.InState(run.NotStarted) {
		a.StartTime = o.now()
		d, err := o.catalog.Resolve(ctx, a.Name)
		if err != nil {
			logger.Info(logkeys.AppName, a.Name, logkeys.Error, err)
			o.failApp(ctx, a, msgNoDownloadInfo)
			continue
		}
		reqs = append(reqs, download.Request{Name: a.Name, URL: d.URL, Filename: d.Filename})
	}
	if len(reqs) < 1 {
		return
	}

	logger.Debug(
		logkeys.Message, "downloading",
		logkeys.GenericCount, len(reqs),
		logkeys.FirstAppName, reqs[0].Name,
	)
	paths := o.downloader.FetchMany(ctx, reqs, force)
	for _, req := range reqs {
		a := r.App(req.Name)
		p, ok := paths[req.Name]
		if !ok {
			o.failApp(ctx, a, msgDownloadFailed)
			continue
		}
		a.DownloadPath = p
		if o.advance(ctx, a, run.Processing) {
			results.Downloads[a.Name] = p
		}
	}
}

func (o *Orchestrator) processStage(ctx context.Context, r *run.Run, results *Results) {
	for _, a := range r.InState(run.Processing) {
		if a.DownloadPath == "" {
			continue
		}
		var teamID string
		if e, ok := o.catalog.Entry(a.Name); ok {
			teamID = e.TeamID
		}
		md, err := o.processor.Verify(ctx, a.DownloadPath, a.Name, teamID)
		if err != nil {
			o.failApp(ctx, a, err.Error())
			continue
		}
		p := a.DownloadPath
		if o.rename {
			if p, err = o.processor.Rename(a.DownloadPath, md); err != nil {
				o.failApp(ctx, a, err.Error())
				continue
			}
		}
		a.ProcessedPath = p
		a.Version = md.Version
		if a.Version == "" {
			a.Version = unknownVersion
		}
		if o.advance(ctx, a, run.Uploading) {
			results.Processed[a.Name] = &Processed{Path: p, Metadata: md}
			ctxlog.Logger(ctx, o.logger).Debug(
				logkeys.Message, "processed package",
				logkeys.AppName, a.Name,
				logkeys.Version, a.Version,
			)
		}
	}
}

func (o *Orchestrator) uploadStage(ctx context.Context, r *run.Run, results *Results) {
	for _, a := range r.InState(run.Uploading) {
		id, err := o.remote.UploadPackage(ctx, a.ProcessedPath)
		if err != nil {
			o.failApp(ctx, a, "Upload failed: "+err.Error())
			continue
		}
		a.PackageID = id
		if o.advance(ctx, a, run.PatchManagement) {
			results.Uploaded[a.Name] = id
		}
	}
}

// definition builds the patch definition source of an application
// from its catalog entry.
func (o *Orchestrator) definition(name string) *titleeditor.Definition {
	def := &titleeditor.Definition{Name: name, MinimumOS: titleeditor.DefaultMinimumOS}
	if e, ok := o.catalog.Entry(name); ok {
		def.BundleID = e.BundleID
		if e.Name != "" {
			def.Name = e.Name
		}
		if e.MinimumOS != "" {
			def.MinimumOS = e.MinimumOS
		}
	}
	return def
}

func (o *Orchestrator) patchStage(ctx context.Context, r *run.Run, results *Results) {
	for _, a := range r.InState(run.PatchManagement) {
		logger := ctxlog.Logger(ctx, o.logger).With(logkeys.AppName, a.Name)

		e, _ := o.catalog.Entry(a.Name)
		titleName := e.PatchTitleName(a.Name)
		title, err := o.remote.FindTitle(ctx, titleName)
		if errors.Is(err, jamf.ErrNotFound) {
			// left in place for a later resume once the title exists
			a.ErrorMessage = fmt.Sprintf("Patch title '%s' not found", titleName)
			logger.Info(logkeys.Message, "patch title not found", "title", titleName)
			continue
		} else if err != nil {
			o.failApp(ctx, a, "Patch management failed: "+err.Error())
			continue
		}
		a.PatchTitleID = string(title.ID)

		if o.defs != nil && a.Version != "" && a.Version != unknownVersion {
			if err = o.defs.Ensure(ctx, a.PatchTitleID, a.Version, o.definition(a.Name)); err != nil {
				logger.Info(logkeys.Message, "syncing patch definition", logkeys.Error, err)
			}
		}

		pkg := jamf.PackageRef{ID: a.PackageID, Name: a.Name + "-" + a.Version}
		if err = o.remote.LinkPackage(ctx, a.PatchTitleID, a.Version, pkg); err != nil {
			o.failApp(ctx, a, "Patch management failed: "+err.Error())
			continue
		}
		a.ErrorMessage = ""
		if o.advance(ctx, a, run.PolicyCreation) {
			results.Patches[a.Name] = a.PatchTitleID
		}
	}
}

func boolValue(b *bool) bool {
	return b != nil && *b
}

func userInteraction(u config.UserInteraction) jamf.UserInteraction {
	return jamf.UserInteraction{
		MessageStart:    u.MessageStart,
		MessageFinish:   u.MessageFinish,
		AllowDeferral:   boolValue(u.AllowDeferral),
		DeferralPeriod:  u.DeferralPeriod,
		DeadlineEnabled: boolValue(u.DeadlineEnabled),
		DeadlinePeriod:  u.DeadlinePeriod,
	}
}

// cycleGroup resolves a cycle and the id of its target group.
func (o *Orchestrator) cycleGroup(ctx context.Context, name string) (*config.Cycle, string, error) {
	cycle, err := o.cycles.Cycle(name)
	if err != nil {
		return nil, "", fmt.Errorf("Patch cycle '%s' not found", name)
	}
	groupID, err := o.remote.GroupID(ctx, cycle.SmartGroup)
	if errors.Is(err, jamf.ErrNotFound) {
		return nil, "", fmt.Errorf("Smart group '%s' not found", cycle.SmartGroup)
	} else if err != nil {
		return nil, "", err
	}
	return cycle, groupID, nil
}

func (o *Orchestrator) policyStage(ctx context.Context, r *run.Run, cycleName string, results *Results) {
	apps := r.InState(run.PolicyCreation)
	if len(apps) < 1 {
		return
	}
	if cycleName == "" {
		cycleName = o.cycles.DefaultName()
	}
	cycle, groupID, err := o.cycleGroup(ctx, cycleName)
	if err != nil {
		for _, a := range apps {
			o.failApp(ctx, a, "Policy creation failed: "+err.Error())
		}
		return
	}

	for _, a := range apps {
		spec := &jamf.PolicySpec{
			Name:            fmt.Sprintf("Patch - %s - %s", a.Name, cycleName),
			Version:         a.Version,
			TitleID:         a.PatchTitleID,
			GroupIDs:        []string{groupID},
			UserInteraction: userInteraction(cycle.UserInteraction),
			Enabled:         true,
		}
		id, err := o.remote.CreatePolicy(ctx, spec)
		if err != nil {
			o.failApp(ctx, a, "Policy creation failed: "+err.Error())
			continue
		}
		if o.advance(ctx, a, run.Completed) {
			results.Policies[a.Name] = id
			ctxlog.Logger(ctx, o.logger).Info(
				logkeys.Message, "created patch policy",
				logkeys.AppName, a.Name,
				logkeys.PolicyID, id,
			)
		}
	}
}

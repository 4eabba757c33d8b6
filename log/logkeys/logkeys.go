// Package logkeys defines some static logging keys for consistent structured logging output.
// Mostly exists as a mental aid when drafting log messages.
package logkeys

const (
	Message = "msg"
	Error   = "err"

	// a unique patch run identifier.
	RunID = "run_id"

	// an application catalog name (i.e. "firefox").
	AppName = "app"

	// in cases where we might need to log multiple application names
	// but only want to log the first (to avoid massive lists in logs).
	FirstAppName = "app_first"

	// the pipeline stage (or state name) being worked on.
	Stage = "stage"

	Version = "version"
	URL     = "url"
	Path    = "path"

	// Jamf Pro object identifiers.
	PackageID = "package_id"
	TitleID   = "title_id"
	PolicyID  = "policy_id"

	// a context-dependent numerical count/length of something
	GenericCount = "count"
)

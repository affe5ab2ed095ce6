// Package version holds build-time version metadata.
package version

var (
	Version    = "dev"
	Commit     = "none"
	Date       = "unknown"
	GoVersion  = ""
	SupportURL = "https://github.com/sysmqtt/sysmqtt"
)

// Package version holds build information set via -ldflags.
package version

// Overridden at build time:
//
//	go build -ldflags "-X github.com/mykhaliev/device-validator/version.Version=v1.2.0"
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

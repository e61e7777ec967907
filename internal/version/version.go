// Package version exposes the application build identity.
package version

import (
	"fmt"
	"runtime/debug"
)

// Version may be overridden by ldflags at build time.
var Version = "dev"

// GetInfo returns the version plus the short VCS revision when available.
func GetInfo() string {
	revision := ""
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" {
				revision = setting.Value
			}
		}
	}
	if len(revision) > 7 {
		revision = revision[:7]
	}
	if revision == "" {
		return Version
	}
	return fmt.Sprintf("%s (%s)", Version, revision)
}

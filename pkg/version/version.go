// Package version exposes the application version derived from build
// metadata. Go embeds VCS info (commit, dirty flag) into the binary via
// runtime/debug.BuildInfo, so no -ldflags are required.
package version

import "runtime/debug"

// AppName is the application name used in version strings and logs.
const AppName = "gridline"

// GitCommit is the short git commit hash (8 chars) from build info.
// Set to "dev" when build info is unavailable (e.g. `go test`, non-git
// builds).
var GitCommit = initGitCommit()

func initGitCommit() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && s.Value != "" {
			if len(s.Value) > 8 {
				return s.Value[:8]
			}
			return s.Value
		}
	}
	return "dev"
}

// Full returns "gridline/<commit>" for use in log lines and user-agent
// strings.
func Full() string {
	return AppName + "/" + GitCommit
}

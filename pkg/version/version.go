// Package version derives the build identifier reported in logs and the
// status endpoint. An -ldflags override wins (container builds have no
// .git), then the VCS revision stamped into the binary, then "dev".
package version

import "runtime/debug"

// AppName prefixes version strings and log headers.
const AppName = "menagerie"

// gitCommitOverride is injected with -ldflags; empty means no override.
var gitCommitOverride string

// GitCommit is the short (8 char) commit hash, or "dev" when neither the
// override nor build info carries a revision.
var GitCommit = initGitCommit()

func initGitCommit() string {
	if gitCommitOverride != "" {
		return short(gitCommitOverride)
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && s.Value != "" {
			return short(s.Value)
		}
	}
	return "dev"
}

func short(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Full returns "menagerie/<commit>".
func Full() string {
	return AppName + "/" + GitCommit
}

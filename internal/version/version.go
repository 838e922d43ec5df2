// Package appversion provides build version information injected via ldflags.
//
//	-ldflags="-X github.com/dantte-lp/udpsas/internal/version.Version=v0.3.0
//	          -X github.com/dantte-lp/udpsas/internal/version.GitCommit=abc1234
//	          -X github.com/dantte-lp/udpsas/internal/version.BuildDate=2026-10-01T12:00:00Z"
package appversion

import (
	"fmt"
	"runtime"
)

// Version is the semantic version (e.g., "v0.3.0" or "dev").
var Version = "dev"

// GitCommit is the short git commit hash at build time.
var GitCommit = "unknown"

// BuildDate is the RFC 3339 build timestamp.
var BuildDate = "unknown"

// Full returns a human-readable multi-line version string.
func Full(binary string) string {
	return fmt.Sprintf("%s %s\n  commit:  %s\n  built:   %s\n  go:      %s %s/%s",
		binary, Version, GitCommit, BuildDate, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

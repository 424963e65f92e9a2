// Package version reports the cakit build stamp.
//
// Release builds inject the values with -ldflags, for example:
//
//	go build -ldflags "-X github.com/zjsxply/coding-agent-kit-sub000/internal/version.Commit=$(git rev-parse --short HEAD)"
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// Short returns the version, falling back to the module version recorded
// by `go install` when no stamp was injected.
func Short() string {
	if Version != "dev" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return Version
}

// String renders the line shown by `cakit --version`.
func String() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", Short(), Commit, BuildDate)
}

// Full adds the toolchain and platform.
func Full() string {
	return fmt.Sprintf("%s\n  Go: %s\n  Platform: %s/%s", String(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

package config

// Build metadata, stamped at compile time:
//
//	go build -ldflags "-X chatforge/internal/config.version=1.2.3 \
//	    -X chatforge/internal/config.commit=$(git rev-parse --short HEAD) \
//	    -X chatforge/internal/config.buildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
//
// Unstamped local builds fall back to the defaults below.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// NewBuildInfo snapshots the linker-injected variables into a BuildInfo.
func NewBuildInfo() BuildInfo {
	return BuildInfo{
		Version:   version,
		Commit:    commit,
		BuildTime: buildTime,
	}
}

package config

// Set at link time, for example:
//
//	go build -ldflags "-X eventbroker/internal/config.version=1.4.0 \
//	    -X eventbroker/internal/config.commit=$(git rev-parse --short HEAD)"
var (
	version   = "dev"
	commit    = "none"
	source    = "https://github.com/mozilla/fxa-event-broker"
	buildTime = "unknown"
)

// NewBuildInfo returns the linker-injected build metadata.
func NewBuildInfo() BuildInfo {
	return BuildInfo{
		Version:   version,
		Commit:    commit,
		Source:    source,
		BuildTime: buildTime,
	}
}

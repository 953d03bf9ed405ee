// Package version exposes build metadata for the proximity engine.
// Values are stamped in with -ldflags at build time.
package version

import (
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
)

var (
	// Version is the release tag or short commit of the build.
	// Set via: -ldflags "-X proximity/internal/version.Version=..."
	Version = "unknown"

	// BuildDate is the UTC build timestamp.
	// Set via: -ldflags "-X proximity/internal/version.BuildDate=..."
	BuildDate = "unknown"

	// GitCommit is the full commit SHA.
	// Set via: -ldflags "-X proximity/internal/version.GitCommit=..."
	GitCommit = "unknown"
)

// Info holds build metadata plus per-process identity.
type Info struct {
	Version    string `json:"version"`
	GitCommit  string `json:"git_commit"`
	BuildDate  string `json:"build_date"`
	InstanceID string `json:"instance_id"`
	Hostname   string `json:"hostname"`
}

var (
	once sync.Once
	info Info
)

// GetInfo returns the build metadata. The instance ID and hostname are
// resolved on first use and reused for the life of the process.
func GetInfo() Info {
	once.Do(func() {
		info = Info{
			Version:    Version,
			GitCommit:  GitCommit,
			BuildDate:  BuildDate,
			InstanceID: uuid.NewString(),
			Hostname:   hostname(),
		}
	})
	return info
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "unknown"
	}
	return h
}

// UserAgent is sent on every backend request.
func (i Info) UserAgent() string {
	return fmt.Sprintf("proximity/%s (+%s)", i.Version, i.InstanceID)
}

// String formats version info for CLI display.
func (i Info) String() string {
	return fmt.Sprintf("proximity version %s (commit: %s, built: %s)", i.Version, i.GitCommit, i.BuildDate)
}

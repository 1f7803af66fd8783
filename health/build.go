package health

import (
	"fmt"
	"os"
	"runtime/debug"
	"time"
)

type BuildInfo struct {
	Version   string    `json:"version"`
	GitCommit string    `json:"git_commit"`
	BuildTime time.Time `json:"build_time"`
	GoVersion string    `json:"go_version"`
}

// readBuildInfo prefers BUILD_* environment overrides and falls back to the
// VCS stamp embedded by the go toolchain.
func readBuildInfo() BuildInfo {
	info := BuildInfo{
		Version:   getEnvOrDefault("BUILD_VERSION", "dev"),
		GitCommit: getEnvOrDefault("BUILD_COMMIT", ""),
	}

	if raw := os.Getenv("BUILD_TIME"); raw != "" {
		if buildTime, err := time.Parse(time.RFC3339, raw); err == nil {
			info.BuildTime = buildTime
		}
	}

	embedded, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}

	info.GoVersion = embedded.GoVersion
	for _, setting := range embedded.Settings {
		switch setting.Key {
		case "vcs.revision":
			if info.GitCommit == "" {
				info.GitCommit = setting.Value
			}
		case "vcs.time":
			if info.BuildTime.IsZero() {
				if buildTime, err := time.Parse(time.RFC3339, setting.Value); err == nil {
					info.BuildTime = buildTime
				}
			}
		}
	}

	return info
}

func (b BuildInfo) String() string {
	commit := b.GitCommit
	if commit == "" {
		commit = "unknown"
	}
	if len(commit) > 7 {
		commit = commit[:7]
	}
	return fmt.Sprintf("%s-%s (%s)", b.Version, commit, b.BuildTime.Format("2006-01-02"))
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

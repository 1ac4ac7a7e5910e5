package version

// These variables will be injected at build time via ldflags
var (
	Version   = "dev"     // semantic version (e.g., v1.2.3)
	GitCommit = "unknown" // git commit hash
	BuildDate = "unknown" // build timestamp
	Component = "cherryd" // binary name, e.g., cherryd, cli
)

// Info represents version information for a service
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	Component string `json:"component,omitempty"`
}

// GetInfo returns version information as a struct
func GetInfo() Info {
	return Info{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		Component: Component,
	}
}

// GetShortCommit returns the short git commit hash (first 7 characters)
func GetShortCommit() string {
	if len(GitCommit) >= 7 {
		return GitCommit[:7]
	}
	return GitCommit
}

package version

import "fmt"

var (
	// Version is the pcap-replay release, set with -ldflags "-X".
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String formats the build information for -version output.
func String() string {
	sha := GitSHA
	if len(sha) > 12 {
		sha = sha[:12]
	}
	return fmt.Sprintf("pcap-replay %s (commit %s, built %s)", Version, sha, BuildTime)
}

// Package buildinfo carries version metadata stamped into the binary at link
// time.
package buildinfo

import "fmt"

// BuildInfo identifies one build of the deltaview binary.
type BuildInfo struct {
	Version    string
	CommitHash string
	BuildDate  string
}

// String renders the build info for the startup log line.
func (i BuildInfo) String() string {
	return fmt.Sprintf("version %s (%s) built on %s", i.Version, i.CommitHash, i.BuildDate)
}

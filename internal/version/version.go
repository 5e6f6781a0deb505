// Package version holds the trapd build version.
// Set at build time with: -ldflags '-X github.com/invisible-tech/honeytrap-sensor/internal/version.Version=1.2.3'
package version

// Version defaults to the development version for local builds.
var Version = "0.1.0"

// UserAgent identifies trapd to outbound collectors.
func UserAgent() string {
	return "honeytrap-sensor/" + Version
}

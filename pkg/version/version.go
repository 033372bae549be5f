// Package version holds the build-time version string, overridden via
// -ldflags "-X github.com/LibreNetworks/amps/pkg/version.Version=...", and
// read by both the /api/version plugin route and the `amps update` command.
package version

// Version is "dev" unless set at build time.
var Version = "dev"

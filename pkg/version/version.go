// Package version holds the build-time version string.
package version

// V is the version string, overridden at build time via -ldflags.
var V = "v0.0.0-dev"

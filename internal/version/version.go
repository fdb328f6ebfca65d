// Package version holds the build version reported in protocol greetings.
package version

// Version is overridden at build time with -ldflags "-X".
var Version = "0.1"

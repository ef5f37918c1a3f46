package util

// Version is the tunecast release, overridden at build time with
// -ldflags "-X github.com/tunecast-project/tunecast/internal/util.Version=...".
var Version = "0.1.0"

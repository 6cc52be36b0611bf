package build

// Version is the muncher version. Overridden at build time via
// -ldflags="-X github.com/atgraph/muncher/pkg/build.Version=...".
var Version = "v0.0.0-dev"

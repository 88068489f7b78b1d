package version

// Version is set at build time.
var Version = "dev"

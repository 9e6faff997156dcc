package version

// Version is the current version of the callguard CLI.
// Overridden at build time with:
//
//	go build -ldflags="-X 'github.com/ReiletaI/callguard/internal/version.Version=v1.0.0'"
var Version = "dev"

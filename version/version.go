package version

import "fmt"

// Overridden at build time via -ldflags "-X .../version.Version=..."
var Version = "0.9.2"

// Print - standard version banner for CLI and startup log output
func Print(app string) string {
	return fmt.Sprintf("%s version %s", app, Version)
}

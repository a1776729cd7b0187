// Command driverd runs the driver dispatch client.
package main

import (
	"fmt"
	"os"

	"driverlink/internal/buildinfo"
)

// Set by ldflags.
var (
	version = "dev"
	commit  = ""
	date    = ""
)

func main() {
	buildinfo.Version, buildinfo.Commit, buildinfo.BuiltAt = version, commit, date
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

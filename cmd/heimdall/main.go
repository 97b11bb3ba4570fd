// Command heimdall runs and controls the heimdall task queue daemon.
package main

import (
	"fmt"
	"os"
)

// Set by -ldflags at release build time.
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	setVersionInfo(version, commit, buildDate)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

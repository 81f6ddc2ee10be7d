// Command autocoder builds, heals and publishes plugin projects from a
// short description.
package main

import (
	"errors"
	"fmt"
	"os"

	"autocoder/pkg/logx"
)

// Version information - set via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	os.Exit(run())
}

// run executes the CLI and returns the exit code so deferred cleanup in
// commands completes before os.Exit.
func run() int {
	defer func() { _ = logx.Sync() }()

	if err := Execute(); err != nil {
		if !errors.Is(err, errProjectsFailed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}

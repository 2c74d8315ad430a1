// molctl is the command line client for the orchestrator API.
package main

import (
	"os"

	"molorch/cmd/molctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// Command overlayctl manages profile workspaces and builds their
// materialized runtime directories.
package main

import (
	"fmt"
	"os"

	"github.com/deltaruntime/overlayrt/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// Command quotactl administers extension requests directly against the data directory.
// A running server picks up its writes on the next ledger access or snapshot refresh.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

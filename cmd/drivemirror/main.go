// drivemirror keeps a local, navigable mirror of one remote folder tree and
// applies file operations to it optimistically.
//
// Backends:
// - Google Drive (REST v3, OAuth2 token or refresh token)
// - S3-compatible object storage
// - a local directory
package main

import (
	"fmt"
	"os"

	"github.com/fruitsalade/drivemirror/cmd/drivemirror/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

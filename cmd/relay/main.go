// Command relay inspects relay manifests and persisted component state.
package main

import (
	"os"

	"github.com/go-drift/relay/cmd/relay/cmd"
)

func main() {
	if err := cmd.New().Execute(); err != nil {
		os.Exit(1)
	}
}

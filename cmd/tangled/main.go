// Command tangled runs windows that share a registry of their positions, the
// hub they can meet on, and tools to inspect both.
package main

import (
	"fmt"
	"os"

	"github.com/nmxmxh/tangled/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// Command boardfleet drives persona-backed LLM agents through
// interactive telnet bulletin board sessions. See internal/cmd for the
// single/orchestrate subcommands.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/duskline/boardfleet/internal/cmd"
)

func main() {
	root := cmd.NewRootCmd()
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "boardfleet:", err)
		os.Exit(1)
	}
}

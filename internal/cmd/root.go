// Package cmd wires boardfleet's cobra command tree: single, which
// drives one persona through one board session, and orchestrate, which
// runs a whole fleet against the scheduler and pool. Grounded on the
// teacher's internal/cmd/root.go (one constructor per subcommand,
// assembled in NewRootCmd) and internal/cmd/run.go's flag/validation
// style.
package cmd

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root cobra command with both subcommands
// attached.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "boardfleet",
		Short: "Run LLM-driven agents against telnet bulletin boards",
		Long:  "boardfleet drives one or many persona-backed LLM agents through interactive telnet bulletin board sessions, persisting what each agent learns between runs.",
	}

	rootCmd.AddCommand(newSingleCmd(), newOrchestrateCmd())
	return rootCmd
}

// Package cmd wires the dirigent CLI.
package cmd

import (
	"github.com/spf13/cobra"
)

// Version is injected at build time via -ldflags.
var Version = "dev"

// NewRootCommand creates the root cobra command.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dirigent",
		Short: "Task orchestration engine for delegated specialist work",
		Long: `Dirigent executes work requests by delegating units to specialist
CLI agents under explicit coordination: dependency-analyzed dispatch,
convention propagation between running workers, stall detection with a
single bounded retry, and an algedonic priority channel for signals
that must bypass the hierarchy.`,
		Version:      Version,
		SilenceUsage: true,
	}

	cmd.AddCommand(NewRunCommand())
	cmd.AddCommand(NewValidateCommand())
	cmd.AddCommand(NewStatusCommand())

	return cmd
}

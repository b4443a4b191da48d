package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pkarath/dirigent/internal/plan"
	"github.com/pkarath/dirigent/internal/qdcl"
	"github.com/pkarath/dirigent/internal/task"
	"github.com/pkarath/dirigent/internal/variety"
)

// NewValidateCommand creates the validate subcommand.
func NewValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <request-file>",
		Short: "Validate a work request without executing it",
		Long: `Parse and validate a work request, checking:
  - Unit boundaries (disjoint may_modify / must_not_modify sets)
  - Variety rating bounds
  - Ordering edges point at real units
  - The batch analyzes into an acyclic execution plan

The resulting dispatch strategy and stage plan are printed.

Exit code: 0 if valid, 1 if errors found`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := plan.ParseFile(args[0])
			if err != nil {
				return err
			}

			score, strategy, err := variety.Score(req.Variety)
			if err != nil {
				return err
			}

			units := make([]task.WorkUnit, len(req.Units))
			for i, u := range req.Units {
				units[i] = u.WorkUnit
			}
			eplan, err := qdcl.Analyze(units)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: valid\n", args[0])
			fmt.Fprintf(out, "variety %d -> %s\n", score, strategy)
			fmt.Fprint(out, eplan.Describe())
			return nil
		},
	}
}

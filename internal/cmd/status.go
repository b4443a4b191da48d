package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/pkarath/dirigent/internal/store"
	"github.com/pkarath/dirigent/internal/task"
)

// NewStatusCommand creates the status subcommand.
func NewStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the task history of a session",
		Long: `Print every task recorded in the session database with its status
and, for non-happy-path completions, the recorded reason. Terminal
tasks are audit history and are never deleted, so this includes prior
runs against the same data directory.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE:         statusCommand,
	}

	cmd.Flags().String("data-dir", ".dirigent", "Session data directory")
	cmd.Flags().Bool("signals", false, "Also list routed signals")

	return cmd
}

func statusCommand(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")

	ctx := cmd.Context()
	st, err := store.NewSQLiteStore(ctx, filepath.Join(dataDir, "dirigent.db"))
	if err != nil {
		return err
	}
	defer st.Close()

	tasks, err := st.ListTasks(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(tasks) == 0 {
		fmt.Fprintln(out, "no tasks recorded")
		return nil
	}

	for _, t := range tasks {
		indent := ""
		if t.ParentID != "" {
			indent = "  "
		}
		fmt.Fprintf(out, "%s%s  %s  %s", indent, statusLabel(t), t.ID, t.Kind)
		if t.Owner != "" {
			fmt.Fprintf(out, "  [%s]", t.Owner)
		}
		if task.NonHappyPath(t.Metadata) {
			fmt.Fprintf(out, "  reason: %s", t.Metadata[task.MetaReason])
		}
		fmt.Fprintln(out)
	}

	if showSignals, _ := cmd.Flags().GetBool("signals"); showSignals {
		signals, err := st.ListSignals(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "\n%d signal(s) routed:\n", len(signals))
		for _, s := range signals {
			fmt.Fprintf(out, "  %s %s [%s] %s\n", s.Timestamp.Format("2006-01-02 15:04:05"), s.Level, s.Category, s.Issue)
		}
	}
	return nil
}

func statusLabel(t *task.Task) string {
	switch t.Status {
	case task.StatusPending:
		return color.New(color.Faint).Sprint("pending  ")
	case task.StatusInProgress:
		return color.YellowString("running  ")
	default:
		if task.NonHappyPath(t.Metadata) {
			return color.RedString("troubled ")
		}
		return color.GreenString("completed")
	}
}

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/pkarath/dirigent/internal/config"
	"github.com/pkarath/dirigent/internal/executor"
	"github.com/pkarath/dirigent/internal/filelock"
	"github.com/pkarath/dirigent/internal/logger"
	"github.com/pkarath/dirigent/internal/orchestrator"
	"github.com/pkarath/dirigent/internal/plan"
	sig "github.com/pkarath/dirigent/internal/signal"
	"github.com/pkarath/dirigent/internal/store"
	"github.com/pkarath/dirigent/internal/tui"
)

// NewRunCommand creates the run command.
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <request-file>",
		Short: "Execute a work request",
		Long: `Execute a work request by delegating its units to specialists.

The request file (YAML or Markdown with YAML frontmatter) carries the
variety rating and the unit batch. Dirigent scores the variety to pick
a dispatch strategy, analyzes the batch for sequencing, and runs the
units in dependency-ordered waves.

Examples:
  dirigent run request.yaml
  dirigent run request.md --no-tui
  dirigent run request.yaml --timeout 2h --max-concurrency 2`,
		Args: cobra.ExactArgs(1),
		RunE: runCommand,
	}

	cmd.Flags().String("config", "", "Path to project config file (default: .dirigent/config.json)")
	cmd.Flags().String("data-dir", "", "Session data directory (default: .dirigent)")
	cmd.Flags().Int("max-concurrency", -1, "Maximum concurrent units (-1 = use config)")
	cmd.Flags().String("timeout", "", "Maximum run time (e.g. 30m, 2h)")
	cmd.Flags().Bool("no-tui", false, "Run headless; priority signals are logged and HALTs auto-acknowledged")
	cmd.Flags().Bool("verbose", false, "Show debug output")

	return cmd
}

func runCommand(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.Load("", configPath)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return err
	}

	if limit, _ := cmd.Flags().GetInt("max-concurrency"); limit >= 0 {
		cfg.ConcurrencyLimit = limit
	}

	dataDir, _ := cmd.Flags().GetString("data-dir")
	if dataDir == "" {
		dataDir = cfg.DataDir
	}
	if dataDir == "" {
		dataDir = ".dirigent"
	}

	level := "info"
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = "debug"
	}
	log := logger.New(cmd.ErrOrStderr(), level)

	req, err := plan.ParseFile(args[0])
	if err != nil {
		return err
	}

	// One orchestrator per session directory.
	lock := filelock.New(filepath.Join(dataDir, "session.lock"))
	acquired, err := lock.TryLock()
	if err != nil {
		return err
	}
	if !acquired {
		return fmt.Errorf("another dirigent run holds %s", dataDir)
	}
	defer lock.Unlock()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if timeoutStr, _ := cmd.Flags().GetString("timeout"); timeoutStr != "" {
		timeout, err := time.ParseDuration(timeoutStr)
		if err != nil {
			return fmt.Errorf("invalid timeout %q: %w", timeoutStr, err)
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	st, err := store.NewSQLiteStore(ctx, filepath.Join(dataDir, "dirigent.db"))
	if err != nil {
		return err
	}
	defer st.Close()

	procs := executor.NewProcessManager()
	defer procs.KillAll()

	engine, err := orchestrator.NewEngine(orchestrator.Options{
		Config:    cfg,
		Store:     st,
		Logger:    log,
		Processes: procs,
	})
	if err != nil {
		return err
	}
	defer engine.Close()

	headless, _ := cmd.Flags().GetBool("no-tui")
	if headless {
		return runHeadless(ctx, cmd, engine, req, log)
	}
	return runWithMonitor(ctx, cmd, engine, req, log)
}

// runHeadless drains the priority channel to the log. HALTs are
// acknowledged automatically after being reported — with no operator
// attached the alternative is a run gated forever.
func runHeadless(ctx context.Context, cmd *cobra.Command, engine *orchestrator.Engine, req *plan.Request, log *logger.Logger) error {
	router := engine.Router()
	go func() {
		for s := range router.Priority() {
			log.Errorf("priority signal %s %s: %s (%s)", s.Level, s.Category, s.Issue, s.Evidence)
			if s.Level == sig.LevelHalt {
				log.Warnf("auto-acknowledging HALT in headless mode")
				router.Acknowledge()
			}
		}
	}()

	report, err := engine.Run(ctx, req)
	if report != nil {
		printSummary(cmd, report)
	}
	return err
}

// runWithMonitor runs the engine behind the interactive monitor; the
// operator handles priority signals through it.
func runWithMonitor(ctx context.Context, cmd *cobra.Command, engine *orchestrator.Engine, req *plan.Request, log *logger.Logger) error {
	program := tea.NewProgram(
		tui.New(engine.Bus(), engine.Router()),
		tea.WithContext(ctx),
		tea.WithAltScreen(),
	)

	type runOutcome struct {
		report *orchestrator.RunReport
		err    error
	}
	done := make(chan runOutcome, 1)
	go func() {
		report, err := engine.Run(ctx, req)
		done <- runOutcome{report: report, err: err}
		program.Quit()
	}()

	if _, err := program.Run(); err != nil && ctx.Err() == nil {
		log.Errorf("monitor: %v", err)
	}

	outcome := <-done
	if outcome.report != nil {
		printSummary(cmd, outcome.report)
	}
	return outcome.err
}

func printSummary(cmd *cobra.Command, report *orchestrator.RunReport) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\nRun summary:\n")
	fmt.Fprintf(out, "  Feature:  %s\n", report.FeatureID)
	fmt.Fprintf(out, "  Variety:  %d (%s)\n", report.Score, report.Strategy)
	fmt.Fprintf(out, "  Units:    %d\n", len(report.Results))

	var failed int
	for _, r := range report.Results {
		if r.Err != nil {
			failed++
		}
	}
	if failed > 0 {
		fmt.Fprintf(out, "  Errored:  %d\n", failed)
		for _, r := range report.Results {
			if r.Err != nil {
				fmt.Fprintf(out, "    - %s (%s): %v\n", r.Scope, r.TaskID, r.Err)
			}
		}
	}
}

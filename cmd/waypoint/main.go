package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/deepnoodle-ai/waypoint"
	"github.com/fatih/color"
)

// CLI configuration
type Config struct {
	PlanFile       string
	ResumeRunID    string
	StatusRunID    string
	ListRuns       bool
	Budget         float64
	CheckpointsDir string
	EventsDir      string
	Timeout        time.Duration
	MaxRevisions   int
	Verbose        bool
	JSON           bool
}

func main() {
	config := parseFlags()

	logger := setupLogger(config.Verbose, config.JSON)

	checkpointer, err := setupCheckpointer(config)
	if err != nil {
		log.Fatalf("Failed to create checkpointer: %v", err)
	}

	if config.ListRuns {
		listRuns(checkpointer, config)
		return
	}
	if config.StatusRunID != "" {
		showCheckpointStatus(checkpointer, config)
		return
	}

	if config.PlanFile == "" && config.ResumeRunID == "" {
		color.Red("Error: a plan file or -resume is required")
		flag.Usage()
		os.Exit(1)
	}

	var plan *waypoint.Plan
	if config.PlanFile != "" {
		if _, err := os.Stat(config.PlanFile); os.IsNotExist(err) {
			color.Red("Error: plan file '%s' not found", config.PlanFile)
			os.Exit(1)
		}
		color.Blue("Loading plan from: %s", config.PlanFile)
		plan, err = waypoint.LoadFile(config.PlanFile)
		if err != nil {
			log.Fatalf("Failed to load plan: %v", err)
		}
		color.Cyan("Plan: %s", plan.Name())
		if plan.Description() != "" {
			color.White("Description: %s", plan.Description())
		}
	} else {
		log.Fatalf("Resuming requires the original plan file (-file) for handler definitions")
	}

	var eventLogger waypoint.EventLogger
	if config.EventsDir != "" {
		eventLogger = waypoint.NewFileEventLogger(config.EventsDir)
		color.Blue("Event logs: %s", config.EventsDir)
	} else {
		eventLogger = waypoint.NewNullEventLogger()
	}

	run, err := waypoint.NewRun(waypoint.RunOptions{
		Plan:         plan,
		Budget:       config.Budget,
		Checkpointer: checkpointer,
		EventLogger:  eventLogger,
		Logger:       logger,
		Formatter:    waypoint.NewColorRunFormatter(),
		MaxRevisions: config.MaxRevisions,
	})
	if err != nil {
		log.Fatalf("Failed to create run: %v", err)
	}

	// A first interrupt requests a graceful halt with a checkpoint; a second
	// kills the process.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.Timeout)
		defer cancel()
		color.Yellow("Timeout: %v", config.Timeout)
	}

	startTime := time.Now()
	if config.ResumeRunID != "" {
		color.Green("Resuming run %s...\n", config.ResumeRunID)
		err = run.Resume(ctx, config.ResumeRunID)
	} else {
		color.Green("Starting run (ID: %s)...\n", run.ID())
		err = run.Execute(ctx)
	}
	duration := time.Since(startTime)

	showRunResults(run, err, duration, config)
}

func parseFlags() *Config {
	config := &Config{}

	flag.StringVar(&config.PlanFile, "file", "", "Path to the YAML plan definition file")
	flag.StringVar(&config.PlanFile, "f", "", "Path to the YAML plan definition file (shorthand)")

	flag.StringVar(&config.ResumeRunID, "resume", "", "Resume a prior run from its latest checkpoint")
	flag.StringVar(&config.StatusRunID, "status", "", "Show a checkpointed run's status and exit")
	flag.BoolVar(&config.ListRuns, "list", false, "List checkpointed runs and exit")

	flag.Float64Var(&config.Budget, "budget", 0, "Budget ceiling in dollars (overrides the plan's budget)")

	flag.StringVar(&config.CheckpointsDir, "checkpoints", "", "Directory to store run checkpoints (optional)")
	flag.StringVar(&config.CheckpointsDir, "c", "", "Directory to store run checkpoints (shorthand)")

	flag.StringVar(&config.EventsDir, "events", "", "Directory to store run event logs (optional)")
	flag.StringVar(&config.EventsDir, "e", "", "Directory to store run event logs (shorthand)")

	flag.DurationVar(&config.Timeout, "timeout", 0, "Run timeout (e.g., 30s, 5m, 1h)")
	flag.DurationVar(&config.Timeout, "t", 0, "Run timeout (shorthand)")

	flag.IntVar(&config.MaxRevisions, "max-revisions", 0, "Maximum revision attempts per waypoint (default 3)")

	flag.BoolVar(&config.Verbose, "verbose", false, "Enable verbose logging")
	flag.BoolVar(&config.Verbose, "v", false, "Enable verbose logging (shorthand)")

	flag.BoolVar(&config.JSON, "json", false, "Output results in JSON format")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `Waypoint CLI - Execute budgeted waypoint plans

Usage: %s [options] -file <plan.yaml>

Examples:
  # Execute a plan
  %s -file plan.yaml

  # Execute with a budget override and checkpointing
  %s -file plan.yaml -budget 5.00 -checkpoints ./checkpoints

  # Resume a halted run
  %s -file plan.yaml -resume run_01h455vb4pex5vsknk084sn02q -checkpoints ./checkpoints

  # List checkpointed runs
  %s -list -checkpoints ./checkpoints

Options:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
		flag.PrintDefaults()

		fmt.Fprintf(os.Stderr, `
Plan files declare waypoints (with handler types and dependencies), a
budget, scripted handlers, and an optional verification script. Handler
types: planning, generation, verification, review, explanation.

`)
	}

	flag.Parse()
	return config
}

func setupLogger(verbose, jsonOutput bool) *slog.Logger {
	if jsonOutput {
		return waypoint.NewJSONLogger()
	}
	if verbose {
		return waypoint.NewLogger()
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func setupCheckpointer(config *Config) (waypoint.Checkpointer, error) {
	if dsn := os.Getenv("WAYPOINT_POSTGRES_DSN"); dsn != "" {
		color.Blue("Checkpoints: postgres")
		return waypoint.OpenPostgres(context.Background(), dsn)
	}
	if config.CheckpointsDir != "" {
		color.Blue("Checkpoints: %s", config.CheckpointsDir)
		return waypoint.NewFileCheckpointer(config.CheckpointsDir)
	}
	return waypoint.NewNullCheckpointer(), nil
}

// runLister is implemented by checkpointers that can enumerate runs.
type runLister interface {
	ListRuns(ctx context.Context) ([]*waypoint.RunSummary, error)
}

func listRuns(checkpointer waypoint.Checkpointer, config *Config) {
	lister, ok := checkpointer.(runLister)
	if !ok {
		color.Red("Error: -list requires -checkpoints or WAYPOINT_POSTGRES_DSN")
		os.Exit(1)
	}
	summaries, err := lister.ListRuns(context.Background())
	if err != nil {
		log.Fatalf("Failed to list runs: %v", err)
	}
	if config.JSON {
		data, err := json.MarshalIndent(summaries, "", "  ")
		if err != nil {
			log.Fatalf("Failed to format runs: %v", err)
		}
		fmt.Println(string(data))
		return
	}
	if len(summaries) == 0 {
		color.Blue("No checkpointed runs found")
		return
	}
	for _, s := range summaries {
		fmt.Printf("%s  %-10s  %-20s  $%.4f  %s\n",
			s.RunID, s.Status, s.PlanName, s.Spend, s.Duration.Round(time.Second))
	}
}

func showCheckpointStatus(checkpointer waypoint.Checkpointer, config *Config) {
	checkpoint, err := checkpointer.LoadCheckpoint(context.Background(), config.StatusRunID)
	if err != nil {
		log.Fatalf("Failed to load checkpoint: %v", err)
	}
	if checkpoint == nil {
		color.Red("No checkpoint found for run %s", config.StatusRunID)
		os.Exit(1)
	}
	if config.JSON {
		data, err := json.MarshalIndent(checkpoint, "", "  ")
		if err != nil {
			log.Fatalf("Failed to format checkpoint: %v", err)
		}
		fmt.Println(string(data))
		return
	}

	color.Cyan("Run %s (%s): %s", checkpoint.RunID, checkpoint.PlanName, checkpoint.Status)
	if checkpoint.Ledger != nil {
		color.White("Spend: $%.4f of $%.2f budget", checkpoint.Ledger.Spent, checkpoint.Ledger.Ceiling)
		for handler, spend := range checkpoint.Ledger.ByHandler {
			fmt.Printf("  %-14s $%.4f\n", handler, spend)
		}
	}
	fmt.Println()
	for _, wp := range checkpoint.Waypoints {
		line := fmt.Sprintf("%-14s %-10s attempts=%d revisions=%d cost=$%.4f",
			wp.ID, wp.Status, wp.Attempts, wp.RevisionAttempts, wp.Cost)
		if wp.LastFailure != nil {
			line += fmt.Sprintf("  [%s: %s]", wp.LastFailure.Kind, wp.LastFailure.Cause)
		}
		fmt.Println(line)
	}
	for handler, breaker := range checkpoint.Breakers {
		if breaker.State != waypoint.BreakerClosed {
			color.Yellow("Breaker %s: %s (%d consecutive failures)",
				handler, breaker.State, breaker.ConsecutiveFailures)
		}
	}
	if checkpoint.Error != "" {
		color.Red("Error: %s", checkpoint.Error)
	}
}

func showRunResults(run *waypoint.Run, err error, duration time.Duration, config *Config) {
	status := run.Status()

	if config.JSON {
		data, jsonErr := json.MarshalIndent(status, "", "  ")
		if jsonErr != nil {
			log.Fatalf("Failed to format status: %v", jsonErr)
		}
		fmt.Println(string(data))
		if err != nil {
			os.Exit(1)
		}
		return
	}

	color.White("Run finished in %v", duration)
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
	switch status.Status {
	case waypoint.RunStatusHalted:
		color.Yellow("Run halted; resume with -resume %s", status.RunID)
	default:
		color.Green("Run successful!")
	}
}

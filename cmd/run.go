package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vanducng/mediarelay/internal/config"
	"github.com/vanducng/mediarelay/internal/distribute"
	"github.com/vanducng/mediarelay/internal/download"
	"github.com/vanducng/mediarelay/internal/fetch"
	"github.com/vanducng/mediarelay/internal/forward"
	"github.com/vanducng/mediarelay/internal/group"
	"github.com/vanducng/mediarelay/internal/housekeeping"
	"github.com/vanducng/mediarelay/internal/ratelimit"
	"github.com/vanducng/mediarelay/internal/remote"
	"github.com/vanducng/mediarelay/internal/remote/telegram"
	"github.com/vanducng/mediarelay/internal/session"
	"github.com/vanducng/mediarelay/internal/store/file"
	"github.com/vanducng/mediarelay/internal/telemetry"
	"github.com/vanducng/mediarelay/internal/workflow"
	"github.com/vanducng/mediarelay/pkg/protocol"
)

var runFlags struct {
	mode              string
	source            string
	startID           int64
	endID             int64
	targets           []string
	destDir           string
	template          string
	batchSize         int
	noCleanupSuccess  bool
	cleanupFailure    bool
	preserveStructure bool
	groupTimeoutMs    int
	planOnly          bool
	reportJSON        string
	authStorePath     string
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one download or forward workflow against a source channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflow(cmd.Context())
		},
	}

	f := cmd.Flags()
	f.StringVar(&runFlags.mode, "mode", "download", "workflow mode: download or forward")
	f.StringVar(&runFlags.source, "source", "", "source channel identifier (required)")
	f.Int64Var(&runFlags.startID, "start", 0, "first message id in range (required)")
	f.Int64Var(&runFlags.endID, "end", 0, "last message id in range (required)")
	f.StringSliceVar(&runFlags.targets, "targets", nil, "forward mode: comma-separated destination identifiers")
	f.StringVar(&runFlags.destDir, "dest-dir", "", "download mode: destination directory (overrides config)")
	f.StringVar(&runFlags.template, "template", "", "forward mode: caption template, stored in config only; stage 2 always renders template.Default")
	f.IntVar(&runFlags.batchSize, "batch-size", 0, "forward mode: batch size, stored in config only; send batches are always cut at protocol.MaxBatchSize")
	f.BoolVar(&runFlags.noCleanupSuccess, "no-cleanup-success", false, "forward mode: retain scratch even for fully successful units")
	f.BoolVar(&runFlags.cleanupFailure, "cleanup-failure", false, "forward mode: reclaim scratch even for partially-failed units")
	f.BoolVar(&runFlags.preserveStructure, "preserve-structure", false, "forward mode: preserve-structure setting, stored in config only; the forward pipeline does not read it")
	f.IntVar(&runFlags.groupTimeoutMs, "group-timeout", 0, "forward mode: media-group assembly timeout in milliseconds, stored in config only; the forward pipeline does not read it")
	f.BoolVar(&runFlags.planOnly, "plan-only", false, "fetch, group and distribute only; print the assignment and exit without downloading or forwarding")
	f.StringVar(&runFlags.reportJSON, "report-json", "", "write the RunReport as JSON to this path")
	f.StringVar(&runFlags.authStorePath, "auth-store", "sessions.json", "path to the persisted session auth store")

	return cmd
}

// sessionEntries merges config.json's enrolment list with the persisted
// auth store: the auth store's Enabled flag and Artifact win when a record
// exists (so `relay sessions enable/disable` persists across runs without
// touching config.json), falling back to the config file's values for a
// session never yet seen by `relay sessions enroll`.
func sessionEntries(cfg *config.Config, store *file.AuthStore) []session.Entry {
	entries := make([]session.Entry, 0, len(cfg.Sessions))
	for _, s := range cfg.Sessions {
		artifact := s.Credential()
		enabled := s.Enabled
		if rec, ok := store.Get(s.Name); ok {
			enabled = rec.Enabled
			if len(rec.Artifact) > 0 {
				artifact = rec.Artifact
			}
		}
		entries = append(entries, session.Entry{Name: s.Name, Artifact: artifact, Enabled: enabled})
	}
	return entries
}

func telegramFactory(name string) (remote.Client, error) {
	return telegram.New(), nil
}

func parseMode(raw string) (workflow.Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "download", "":
		return workflow.ModeDownload, nil
	case "forward":
		return workflow.ModeForward, nil
	default:
		return "", fmt.Errorf("unknown mode %q (want download or forward)", raw)
	}
}

func buildRequest(cfg *config.Config, mode workflow.Mode) workflow.Request {
	destDir := cfg.Download.DestDir
	if runFlags.destDir != "" {
		destDir = runFlags.destDir
	}

	cleanupPolicy := forward.CleanupPolicy{OnFailure: cfg.Forward.CleanupOnFailure}
	if runFlags.cleanupFailure {
		cleanupPolicy.OnFailure = true
	}
	if runFlags.noCleanupSuccess {
		cleanupPolicy.RetainOnSuccess = true
	}

	return workflow.Request{
		Mode:          mode,
		Source:        runFlags.source,
		StartID:       runFlags.startID,
		EndID:         runFlags.endID,
		Targets:       parseTargets(runFlags.targets),
		DestDir:       destDir,
		Filter:        downloadFilter(cfg),
		CleanupPolicy: cleanupPolicy,
	}
}

// downloadFilter builds a download.Filter from the configured allow-list
// and size cap; a nil AllowedKinds list admits every media kind.
func downloadFilter(cfg *config.Config) download.Filter {
	allowed := make(map[string]bool, len(cfg.Download.AllowedKinds))
	for _, k := range cfg.Download.AllowedKinds {
		allowed[strings.ToLower(k)] = true
	}
	maxBytes := cfg.Download.MaxFileSizeBytes
	return func(kind protocol.MediaKind, fileSize int64) bool {
		if len(allowed) > 0 && !allowed[kind.String()] {
			return false
		}
		if maxBytes > 0 && fileSize > maxBytes {
			return false
		}
		return true
	}
}

func parseTargets(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, t := range raw {
		t = strings.TrimSpace(t)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

func runWorkflow(ctx context.Context) error {
	setupLogging()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	mode, err := parseMode(runFlags.mode)
	if err != nil {
		return err
	}
	if runFlags.source == "" {
		return fmt.Errorf("--source is required")
	}
	if runFlags.endID < runFlags.startID {
		return fmt.Errorf("--end must be >= --start")
	}
	if mode == workflow.ModeForward && len(parseTargets(runFlags.targets)) == 0 {
		return fmt.Errorf("--targets is required in forward mode")
	}

	if runFlags.template != "" {
		cfg.Forward.Template = runFlags.template
	}
	if runFlags.batchSize > 0 {
		cfg.Forward.BatchSize = runFlags.batchSize
	}
	if runFlags.groupTimeoutMs > 0 {
		cfg.Forward.GroupTimeoutMs = runFlags.groupTimeoutMs
	}
	if runFlags.preserveStructure {
		cfg.Forward.PreserveStructure = true
	}

	authStore, err := file.Open(runFlags.authStorePath)
	if err != nil {
		return fmt.Errorf("open auth store: %w", err)
	}

	pool, err := session.NewPool(telegramFactory, sessionEntries(cfg, authStore))
	if err != nil {
		return fmt.Errorf("build session pool: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if errs := pool.StartEnabled(ctx); len(errs) > 0 {
		for _, e := range errs {
			slog.Warn("session login failed", "error", e)
		}
	}
	defer pool.StopAll(context.Background())

	limiter := ratelimit.NewController(cfg.RateLimit.ToRatelimitConfig())

	tel, err := telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer tel.Shutdown(context.Background())

	registry := housekeeping.NewRegistry()
	if mode == workflow.ModeForward {
		sweeper := housekeeping.NewSweeper(pool, registry, 10*time.Minute)
		scheduler := housekeeping.NewScheduler(housekeeping.DefaultExpr, sweeper)
		go scheduler.Run(ctx)
	}

	driver := workflow.New(pool, limiter, nil).WithTelemetry(tel).WithTracker(registry)
	req := buildRequest(cfg, mode)

	if runFlags.planOnly {
		return printPlan(ctx, pool, limiter, req)
	}

	report := driver.Run(ctx, req)

	return finishRun(report)
}

func finishRun(report protocol.RunReport) error {
	printReportSummary(report)
	if runFlags.reportJSON != "" {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal report: %w", err)
		}
		if err := os.WriteFile(runFlags.reportJSON, data, 0o644); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
	}
	if code := report.ExitCode(); code != 0 {
		os.Exit(code)
	}
	return nil
}

func printReportSummary(report protocol.RunReport) {
	fmt.Printf("run %s: %d/%d units ok, %.1f%% success, %d retained scratch, %s\n",
		report.RunID, report.SuccessCount(), len(report.UnitOutcomes), report.SuccessRate()*100,
		len(report.RetainedScratch), report.Duration())
	if report.FatalError != "" {
		fmt.Printf("fatal: %s\n", report.FatalError)
	}
}

// printPlan runs only fetch -> group -> distribute and prints the resulting
// Assignment, for inspecting what a run would do before it downloads or
// forwards anything.
func printPlan(ctx context.Context, pool *session.Pool, limiter *ratelimit.Controller, req workflow.Request) error {
	loggedIn := pool.ListLoggedIn()
	if len(loggedIn) == 0 {
		return fmt.Errorf("no sessions logged in")
	}

	fetcher := fetch.New(pool, limiter)
	result := fetcher.Fetch(ctx, req.Source, req.StartID, req.EndID)
	if len(result.Messages) == 0 && len(result.Errors) > 0 {
		return fmt.Errorf("fetch failed entirely: %v", result.Errors[0])
	}

	units := group.Group(result.Messages)
	assignment, err := distribute.Distribute(units, loggedIn)
	if err != nil {
		return err
	}

	fmt.Printf("plan: %d messages, %d atomic units, %d range errors, imbalance=%.2f\n",
		len(result.Messages), len(units), len(result.Errors), assignment.Imbalance())
	for _, name := range loggedIn {
		fmt.Printf("  %-20s %3d units, %8d bytes\n", name, len(assignment[name]), assignment.TotalWeight(name))
	}
	return nil
}

func setupLogging() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))
}

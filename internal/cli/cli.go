// ============================================================================
// Cytoreport CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra front-end over the orchestrator: report extraction, channel
//          rendering, artifact inspection and environment status
//
// Command Structure:
//   cytoreport                     # Root command
//   ├── report                     # Run report operations on a simulation
//   │   ├── --simdir              # Simulation directory
//   │   ├── --op                  # Comma-separated operations (prefix match)
//   │   ├── --frames              # "all" or comma-separated frame indexes
//   │   ├── --out                 # Artifact name tag
//   │   └── --force               # Re-run operations whose artifact exists
//   ├── render                     # Dump one image series per channel
//   │   ├── --simdir, --channels, --frames, --size
//   ├── inspect <artifact>         # Summarize a persisted artifact
//   ├── status                     # Show configuration and binaries
//   ├── --config, -c               # Config file (default configs/default.yaml)
//   ├── --version
//   └── --help
//
// Configuration Management:
//   YAML config file (default: configs/default.yaml). A missing default file
//   falls back to built-in defaults; an explicit --config must exist.
//   Sections: executables, jobs, render, metrics, log
//
// Signal Handling:
//   report and render run under a context cancelled by SIGINT/SIGTERM. The
//   orchestrator then abandons pending jobs and kills their processes.
//
// Metrics Service:
//   If enabled in config, /metrics and /healthz are served in a separate
//   goroutine for the duration of the command.
//
// Exit Status:
//   Non-zero when any job did not complete. The summary is printed first.
//
// ============================================================================

package cli

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/ChuLiYu/cytoreport/internal/artifact"
	"github.com/ChuLiYu/cytoreport/internal/cmo"
	"github.com/ChuLiYu/cytoreport/internal/controller"
	"github.com/ChuLiYu/cytoreport/internal/metrics"
	"github.com/ChuLiYu/cytoreport/internal/worker"
	"github.com/ChuLiYu/cytoreport/pkg/types"
	"github.com/spf13/cobra"
)

// ErrJobsFailed is returned by report and render when some job did not complete.
var ErrJobsFailed = errors.New("job(s) did not complete")

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cytoreport",
		Short: "Cytoreport: drive cytosim report and play binaries",
		Long: `Cytoreport runs the cytosim report/play binaries as concurrent
subprocesses, decodes their frame-scoped output and persists one
artifact per report operation.`,
		Version:      "1.0.0",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildReportCommand())
	rootCmd.AddCommand(buildRenderCommand())
	rootCmd.AddCommand(buildInspectCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// setup loads the configuration and installs the process logger.
func setup(cmd *cobra.Command) (*Config, *slog.Logger, error) {
	cfg, err := loadConfig(configFile)
	if err != nil {
		explicit := false
		if f := cmd.Flag("config"); f != nil {
			explicit = f.Changed
		}
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = defaultConfig()
	}

	logger, err := newLogger(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// startMetrics returns nil when metrics are disabled.
func startMetrics(cfg *Config, logger *slog.Logger) controller.Recorder {
	if !cfg.Metrics.Enabled {
		return nil
	}
	collector := metrics.NewCollector()
	go func() {
		logger.Info("Starting metrics server", "port", cfg.Metrics.Port)
		if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
			logger.Error("Metrics server error", "error", err)
		}
	}()
	return collector
}

func checkSimDir(dir string) error {
	st, err := os.Stat(dir)
	if err != nil || !st.IsDir() {
		return fmt.Errorf("invalid simulation path: %q is not a directory", dir)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ============================================================================
// report
// ============================================================================

type reportOptions struct {
	simDir      string
	ops         string
	frames      string
	tag         string
	artifactDir string
	force       bool
	timeout     time.Duration
}

func buildReportCommand() *cobra.Command {
	opts := &reportOptions{}

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Run report operations on a simulation directory",
		Long: "Run one report subprocess per operation concurrently and persist one artifact each.\n" +
			"Operations: " + strings.Join(operationNames(), ", "),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReport(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.simDir, "simdir", "", "directory with cytosim simulation data")
	cmd.Flags().StringVar(&opts.ops, "op", "", "comma-separated list of operations to perform")
	cmd.Flags().StringVar(&opts.frames, "frames", "all", "comma-separated list of frames to dump, or 'all'")
	cmd.Flags().StringVar(&opts.tag, "out", "", "artifact name tag")
	cmd.Flags().StringVar(&opts.artifactDir, "artifact-dir", "", "where artifacts are written (default: config, then simdir)")
	cmd.Flags().BoolVar(&opts.force, "force", false, "re-run operations whose artifact already exists")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "per-job deadline (default: config jobs.timeout)")
	cmd.MarkFlagRequired("simdir")
	cmd.MarkFlagRequired("op")

	return cmd
}

func operationNames() []string {
	var names []string
	for _, op := range types.Operations() {
		names = append(names, op.String())
	}
	return names
}

// parseOperations resolves every listed name by prefix; unknown names are
// reported and dropped, duplicates collapse.
func parseOperations(list string, logger *slog.Logger) []types.Operation {
	var ops []types.Operation
	seen := make(map[types.Operation]bool)
	for _, name := range splitList(list) {
		op, err := types.ParseOperation(name)
		if err != nil {
			logger.Warn("Invalid operation", "op", name, "error", err)
			continue
		}
		if !seen[op] {
			seen[op] = true
			ops = append(ops, op)
		}
	}
	return ops
}

func runReport(cmd *cobra.Command, opts *reportOptions) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}

	frames, err := types.ParseFrameFilter(opts.frames)
	if err != nil {
		return err
	}
	if err := checkSimDir(opts.simDir); err != nil {
		return err
	}

	ops := parseOperations(opts.ops, logger)
	if len(ops) == 0 {
		return fmt.Errorf("%w: %q", types.ErrUnknownOperation, opts.ops)
	}

	dir := opts.artifactDir
	if dir == "" {
		dir = cfg.Jobs.ArtifactDir
	}
	timeout := cfg.Jobs.Timeout
	if opts.timeout > 0 {
		timeout = opts.timeout
	}

	var specs []worker.Spec
	for _, op := range ops {
		target := dir
		if target == "" {
			target = opts.simDir
		}
		path := artifact.Path(target, op, frames, opts.tag)
		if !opts.force && artifact.NewManager(path).Exists() {
			logger.Info("Found artifact, skipping operation", "op", op, "path", path)
			continue
		}
		specs = append(specs, worker.Spec{
			Kind:        worker.KindReport,
			Operation:   op,
			SimDir:      opts.simDir,
			Frames:      frames,
			OutputTag:   opts.tag,
			ArtifactDir: dir,
			Timeout:     timeout,
		})
	}

	out := cmd.OutOrStdout()
	if len(specs) == 0 {
		fmt.Fprintln(out, "Nothing to be done")
		return nil
	}

	rep := orchestrate(cmd, cfg, logger, specs)
	printReport(out, rep)
	return failures(rep)
}

// ============================================================================
// render
// ============================================================================

type renderOptions struct {
	simDir   string
	channels string
	frames   string
	size     int
	outDir   string
}

func buildRenderCommand() *cobra.Command {
	opts := &renderOptions{}

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Dump one image series per channel with the play binary",
		Long: "Rewrite properties.cmo once per channel so only that entity is visible,\n" +
			"then run one play subprocess per channel concurrently.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRender(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.simDir, "simdir", "", "directory with cytosim simulation data")
	cmd.Flags().StringVar(&opts.channels, "channels", "", "comma-separated list of entities to render (default: all)")
	cmd.Flags().StringVar(&opts.frames, "frames", "all", "comma-separated list of frames to dump, or 'all'")
	cmd.Flags().IntVar(&opts.size, "size", 0, "image size in pixels (default: config render.window_size)")
	cmd.Flags().StringVar(&opts.outDir, "out-dir", "", "parent directory of the per-channel image directories")
	cmd.MarkFlagRequired("simdir")

	return cmd
}

func runRender(cmd *cobra.Command, opts *renderOptions) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}

	frames, err := types.ParseFrameFilter(opts.frames)
	if err != nil {
		return err
	}
	if err := checkSimDir(opts.simDir); err != nil {
		return err
	}

	size := cfg.Render.WindowSize
	if opts.size > 0 {
		size = opts.size
	}
	base := opts.outDir
	if base == "" {
		base = cfg.Render.TempDir
	}

	dirs, err := cmo.Prepare(opts.simDir, splitList(opts.channels), size, base)
	if err != nil {
		return err
	}

	channels := make([]string, 0, len(dirs))
	for ch := range dirs {
		channels = append(channels, ch)
	}
	sort.Strings(channels)

	specs := make([]worker.Spec, 0, len(channels))
	for _, ch := range channels {
		specs = append(specs, worker.Spec{
			Kind:    worker.KindRender,
			Channel: ch,
			SimDir:  opts.simDir,
			Frames:  frames,
			TempDir: dirs[ch],
			Timeout: cfg.Jobs.Timeout,
		})
	}

	rep := orchestrate(cmd, cfg, logger, specs)
	printReport(cmd.OutOrStdout(), rep)
	return failures(rep)
}

func orchestrate(cmd *cobra.Command, cfg *Config, logger *slog.Logger, specs []worker.Spec) *controller.Report {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	launcher := worker.NewLauncher(cfg.Resolver())
	launcher.ImageFormat = cfg.Render.ImageFormat
	launcher.Logger = logger

	return controller.NewOrchestrator(launcher, startMetrics(cfg, logger)).
		WithLogger(logger).
		Run(ctx, specs)
}

func printReport(w io.Writer, rep *controller.Report) {
	fmt.Fprintf(w, "Run %s: %d operation(s) over %s frame(s) in %.2f seconds\n",
		rep.RunID, rep.Operations, rep.Frames, rep.Duration.Seconds())

	for _, job := range rep.Jobs {
		if res, ok := rep.Results[job.Key]; ok {
			switch res.Kind {
			case worker.KindRender:
				fmt.Fprintf(w, "  ✅ %-14s images: %s\n", job.Key, res.OutputDir)
			default:
				fmt.Fprintf(w, "  ✅ %-14s %d frame(s) -> %s\n", job.Key, len(res.Dataset), res.ArtifactPath)
			}
			continue
		}
		if err, ok := rep.Failed[job.Key]; ok {
			fmt.Fprintf(w, "  ❌ %-14s %s: %v\n", job.Key, job.Status, err)
		}
	}
}

func failures(rep *controller.Report) error {
	if len(rep.Failed) == 0 {
		return nil
	}
	return fmt.Errorf("%d of %d %w", len(rep.Failed), rep.Operations, ErrJobsFailed)
}

// ============================================================================
// inspect
// ============================================================================

func buildInspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <artifact>",
		Short: "Print a per-frame summary of a report artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspectArtifact(cmd.OutOrStdout(), args[0])
		},
	}
}

func inspectArtifact(w io.Writer, path string) error {
	a, err := artifact.NewManager(path).Load()
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Artifact:    %s\n", path)
	fmt.Fprintf(w, "Simulation:  %s\n", a.SimDir)
	fmt.Fprintf(w, "Operation:   %s (%s)\n", a.Operation, a.Operation.Subcommand())
	fmt.Fprintf(w, "Frames:      %d\n", len(a.Dataset))
	for _, n := range a.Dataset.Indexes() {
		fmt.Fprintf(w, "  frame %-6d %d entries\n", n, a.Dataset[n].Entries())
	}
	return nil
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show configuration and executable status",
		Long:  "Display the effective configuration and where the report/play binaries resolve",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup(cmd)
			if err != nil {
				return err
			}
			showStatus(cmd.OutOrStdout(), cfg)
			return nil
		},
	}
	return cmd
}

func showStatus(w io.Writer, cfg *Config) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║           Cytoreport Status                               ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📋 Configuration:")
	fmt.Fprintf(w, "  └─ Config File:     %s\n", configFile)
	timeout := "none"
	if cfg.Jobs.Timeout > 0 {
		timeout = cfg.Jobs.Timeout.String()
	}
	fmt.Fprintf(w, "  └─ Job Timeout:     %s\n", timeout)
	fmt.Fprintf(w, "  └─ Artifact Dir:    %s\n", orDefault(cfg.Jobs.ArtifactDir, "<simdir>"))
	fmt.Fprintf(w, "  └─ Image Format:    %s (%dpx)\n", cfg.Render.ImageFormat, cfg.Render.WindowSize)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "🔧 Executables:")
	r := cfg.Resolver()
	for _, name := range []string{worker.ReportBinary, worker.RenderBinary} {
		if path, err := r.Resolve(name); err == nil {
			fmt.Fprintf(w, "  └─ %-6s ✅ %s\n", name, path)
		} else {
			fmt.Fprintf(w, "  └─ %-6s ❌ not found (tried: %s)\n", name, strings.Join(r.Candidates(name), ", "))
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📊 Operations:")
	for _, op := range types.Operations() {
		fmt.Fprintf(w, "  └─ %-13s %s\n", op, op.Subcommand())
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📡 Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(w, "  └─ Status: ✅ Enabled on http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(w, "  └─ Status: ⚠️  Disabled")
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

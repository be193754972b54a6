package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/polzovatel/browser-brain/internal/agent"
	"github.com/polzovatel/browser-brain/internal/browser"
	"github.com/polzovatel/browser-brain/internal/cognition"
	"github.com/polzovatel/browser-brain/internal/config"
	"github.com/polzovatel/browser-brain/internal/humanoid"
	"github.com/polzovatel/browser-brain/internal/llm"
	"github.com/polzovatel/browser-brain/internal/memory"
	"github.com/polzovatel/browser-brain/internal/metrics"
	"github.com/polzovatel/browser-brain/internal/snapshot"
	"github.com/polzovatel/browser-brain/internal/tools"
)

const maxTaskLength = 2000

type runOptions struct {
	task      string
	tasksFile string
	storage   string
	saveState string
	maxSteps  int
	headless  bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "agent",
		Short:         "Autonomous browser agent that learns from every run",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newStatsCmd(), newInsightCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one task, or every line of --tasks-file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("max-steps") {
				cfg.Agent.MaxSteps = opts.maxSteps
			}
			if cmd.Flags().Changed("headless") {
				cfg.Browser.Headless = opts.headless
			}
			if opts.storage != "" {
				cfg.Browser.StoragePath = opts.storage
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg, opts, cmd.OutOrStdout(), cmd.InOrStdin())
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.task, "task", "", "Task description")
	f.StringVar(&opts.tasksFile, "tasks-file", "", "File with one task per line")
	f.StringVar(&opts.storage, "storage", "", "Path to Playwright storage state")
	f.StringVar(&opts.saveState, "save-state", "", "Path to save updated storage state")
	f.IntVar(&opts.maxSteps, "max-steps", 50, "Max agent steps per task")
	f.BoolVar(&opts.headless, "headless", false, "Run the browser headless")
	return cmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print what the agent has learned so far",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, store *memory.Store) error {
				return printJSON(cmd.OutOrStdout(), store.Stats(ctx))
			})
		},
	}
}

func newInsightCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "insight [domain]",
		Short: "Print the insight for one domain, or the most recently visited domains",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, store *memory.Store) error {
				if len(args) == 0 {
					return printJSON(cmd.OutOrStdout(), store.Domains(ctx, limit))
				}
				domain := memory.ExtractDomain(args[0])
				in, ok := store.DomainInsight(ctx, domain)
				if !ok {
					fmt.Fprintf(cmd.OutOrStdout(), "no experience with %s yet\n", domain)
					return nil
				}
				return printJSON(cmd.OutOrStdout(), in)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of domains to list")
	return cmd
}

func withStore(parent context.Context, fn func(ctx context.Context, store *memory.Store) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx := parent
	if ctx == nil {
		ctx = context.Background()
	}
	store, err := memory.Open(ctx, cfg.Memory.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(ctx, store)
}

func run(parent context.Context, cfg *config.Config, opts runOptions, out io.Writer, in io.Reader) error {
	tasks, err := collectTasks(opts, out, in)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Fprintln(out, "Cancelled.")
		return nil
	}

	logger, closeLog := newLogger(cfg)
	defer closeLog()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	prom := metrics.New(reg)
	if cfg.Metrics.Addr != "" {
		srv := serveMetrics(cfg.Metrics.Addr, reg, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	store, err := memory.Open(ctx, cfg.Memory.DBPath,
		memory.WithLogger(logger.With().Str("comp", "memory").Logger()),
		memory.WithInsightCache(cfg.Memory.InsightCacheSize, cfg.Memory.InsightCacheTTL),
	)
	if err != nil {
		return err
	}
	defer store.Close()

	client, err := llm.New(cfg.LLM, logger.With().Str("comp", "llm").Logger())
	if err != nil {
		return err
	}
	engine := cognition.NewEngine(client, store, cognition.OptionsFromConfig(cfg),
		cognition.WithLogger(logger),
		cognition.WithObserver(prom),
	)

	launcher, err := browser.NewLauncher(ctx, cfg.Browser, logger)
	if err != nil {
		return err
	}
	defer launcher.Close()

	orch := agent.NewOrchestrator(agent.ConfigFromSettings(cfg), engine, store,
		agent.WithLogger(logger),
		agent.WithMetrics(prom),
	)

	open := func(ctx context.Context) (agent.Workspace, error) {
		ctrl, err := launcher.NewController(ctx, cfg.Browser.StoragePath)
		if err != nil {
			return agent.Workspace{}, err
		}
		motion := humanoid.New(rand.New(rand.NewSource(time.Now().UnixNano())))
		exec := tools.New(ctrl, motion, store,
			tools.WithLogger(logger),
			tools.WithActionDelay(cfg.Agent.ActionDelayMin, cfg.Agent.ActionDelayMax),
		)
		return agent.Workspace{
			Perceiver: agent.NewPagePerceiver(ctrl, snapshot.Options{Screenshot: true}),
			Actor:     exec,
			Close: func(ctx context.Context) error {
				if opts.saveState != "" {
					if err := ctrl.SaveState(ctx, opts.saveState); err != nil {
						logger.Error().Err(err).Msg("save state")
					} else {
						logger.Info().Str("path", opts.saveState).Msg("storage saved")
					}
				}
				return ctrl.Close(ctx)
			},
		}, nil
	}

	fmt.Fprintf(out, "Starting %d task(s)...\n", len(tasks))
	results, err := orch.RunMany(ctx, tasks, cfg.Agent.Parallel, open)
	for _, res := range results {
		status := "INCOMPLETE"
		if res.Success {
			status = "SUCCESS"
		}
		fmt.Fprintf(out, "%s  %s  steps=%d  duration=%s  url=%s\n", status, res.Task, res.Steps, res.Duration.Round(time.Second), res.FinalURL)
		if res.Err != nil && !errors.Is(res.Err, context.Canceled) {
			fmt.Fprintf(out, "  error: %v\n", res.Err)
		}
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func collectTasks(opts runOptions, out io.Writer, in io.Reader) ([]string, error) {
	var tasks []string
	if t := sanitizeTask(opts.task); t != "" {
		tasks = append(tasks, t)
	}
	if opts.tasksFile != "" {
		data, err := os.ReadFile(opts.tasksFile)
		if err != nil {
			return nil, fmt.Errorf("read tasks file: %w", err)
		}
		for _, line := range strings.Split(string(data), "\n") {
			if t := sanitizeTask(line); t != "" && !strings.HasPrefix(t, "#") {
				tasks = append(tasks, t)
			}
		}
	}
	if len(tasks) > 0 {
		return tasks, nil
	}

	fmt.Fprint(out, "Enter a task (leave empty to cancel): ")
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if t := sanitizeTask(line); t != "" {
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// sanitizeTask trims, caps the length and drops control characters other
// than tabs.
func sanitizeTask(s string) string {
	s = strings.TrimSpace(s)
	if r := []rune(s); len(r) > maxTaskLength {
		s = string(r[:maxTaskLength])
	}
	var b strings.Builder
	for _, r := range s {
		if r >= 32 || r == '\t' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func newLogger(cfg *config.Config) (zerolog.Logger, func()) {
	zerolog.TimeFieldFormat = time.RFC3339
	var w io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	closeFn := func() {}
	if cfg.Log.File != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
		}
		w = zerolog.MultiLevelWriter(w, file)
		closeFn = func() { _ = file.Close() }
	}
	logger := zerolog.New(w).Level(cfg.LogLevel()).With().Timestamp().Logger()
	return logger, closeFn
}

func serveMetrics(addr string, reg *prometheus.Registry, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", addr).Msg("metrics server")
		}
	}()
	logger.Info().Str("addr", addr).Msg("serving /metrics")
	return srv
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

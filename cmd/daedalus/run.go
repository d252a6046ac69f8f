package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/internal/tracing"
	"github.com/wehubfusion/Daedalus/pkg/engine"
	"github.com/wehubfusion/Daedalus/pkg/metrics"
	"github.com/wehubfusion/Daedalus/pkg/modules/all"
	"github.com/wehubfusion/Daedalus/pkg/progress"
	"github.com/wehubfusion/Daedalus/pkg/recipes"
)

// sentryDSNEnv names the environment variable carrying the DSN for
// unexpected-error reporting. Reporting is disabled when it is unset.
const sentryDSNEnv = "DAEDALUS_SENTRY_DSN"

// NewRunCmd creates the run command.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <recipe.yaml>",
		Short: "Run a pipeline recipe",
		Long: `Run loads a recipe file, instantiates its modules and executes the
pipeline: preflights first, then a concurrent setup pass, then a concurrent
run pass ordered by the declared dependencies.

Recipe arguments written as "@name" are substituted from --option values.

Examples:
  # Run a recipe
  daedalus run collect.yaml

  # Supply recipe options
  daedalus run collect.yaml --option paths=/var/log/*.log --option out=/tmp/export

  # Watch module progress and expose Prometheus metrics
  daedalus run collect.yaml --live --metrics-addr :9090`,
		Args: cobra.ExactArgs(1),
		RunE: runRunCmd,
	}

	cmd.Flags().StringArrayP("option", "o", nil,
		"Recipe option as key=value (repeatable)")
	cmd.Flags().Bool("live", false,
		"Print a module status summary when the run finishes")
	cmd.Flags().String("metrics-addr", "",
		"Serve Prometheus metrics on this address while the pipeline runs")
	cmd.Flags().String("trace-endpoint", "",
		"Export OTLP/HTTP traces to this host:port")

	return cmd
}

func runRunCmd(cmd *cobra.Command, args []string) error {
	debug, _ := cmd.Flags().GetBool("debug")
	logger, err := newLogger(debug)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	options, err := parseOptions(cmd)
	if err != nil {
		return err
	}

	recipe, err := recipes.Load(args[0])
	if err != nil {
		return fmt.Errorf("failed to load recipe: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if endpoint, _ := cmd.Flags().GetString("trace-endpoint"); endpoint != "" {
		cfg := tracing.DefaultConfig("daedalus")
		cfg.ServiceVersion = getVersion()
		cfg.OTLPEndpoint = endpoint
		shutdown, err := tracing.Setup(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("failed to set up tracing: %w", err)
		}
		defer func() { _ = tracing.Shutdown(shutdown, logger) }()
	}

	hooks, tracker, err := buildHooks(cmd)
	if err != nil {
		return err
	}

	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithOptions(options),
	}
	if hooks != nil {
		opts = append(opts, engine.WithHooks(hooks))
	}

	var reporter *engine.SentryReporter
	if dsn := os.Getenv(sentryDSNEnv); dsn != "" {
		reporter, err = engine.NewSentryReporter(dsn, "production")
		if err != nil {
			return fmt.Errorf("failed to set up error reporting: %w", err)
		}
		opts = append(opts, engine.WithReporter(reporter))
	}

	eng := engine.New(all.NewRegistry(), opts...)
	if err := eng.LoadRecipe(recipe); err != nil {
		return fmt.Errorf("failed to load recipe %q: %w", recipe.Name, err)
	}
	logger.Debug("execution plan", zap.String("plan", eng.FormatExecutionPlan()))

	stopMetrics, err := serveMetrics(cmd, logger)
	if err != nil {
		return err
	}
	defer stopMetrics()

	runErr := eng.Run(ctx)

	if reporter != nil {
		reporter.Flush(2 * time.Second)
	}
	if tracker != nil {
		printSummary(cmd, tracker)
	}
	if runErr != nil {
		return fmt.Errorf("pipeline %q failed: %w", recipe.Name, runErr)
	}
	logger.Info("pipeline completed", zap.String("recipe", recipe.Name))
	return nil
}

// parseOptions turns repeated --option key=value flags into the option map
// consumed by "@name" argument substitution.
func parseOptions(cmd *cobra.Command) (map[string]string, error) {
	raw, _ := cmd.Flags().GetStringArray("option")
	options := make(map[string]string, len(raw))
	for _, kv := range raw {
		key, value, found := strings.Cut(kv, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid --option %q: expected key=value", kv)
		}
		options[key] = value
	}
	return options, nil
}

// buildHooks assembles the hook sink from the --live and --metrics-addr
// flags. It returns a nil sink when neither is requested, so the engine
// falls back to its logging default.
func buildHooks(cmd *cobra.Command) (engine.Hooks, *progress.Tracker, error) {
	var sinks []engine.Hooks
	var tracker *progress.Tracker

	if live, _ := cmd.Flags().GetBool("live"); live {
		tracker = progress.NewTracker()
		sinks = append(sinks, tracker)
	}
	if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
		mh, err := metrics.NewHooks(prometheus.DefaultRegisterer)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to register metrics: %w", err)
		}
		sinks = append(sinks, mh)
	}

	switch len(sinks) {
	case 0:
		return nil, nil, nil
	case 1:
		return sinks[0], tracker, nil
	default:
		return engine.NewMultiHooks(sinks...), tracker, nil
	}
}

// serveMetrics starts the Prometheus endpoint when --metrics-addr is set.
// The returned function stops the server.
func serveMetrics(cmd *cobra.Command, logger *zap.Logger) (func(), error) {
	addr, _ := cmd.Flags().GetString("metrics-addr")
	if addr == "" {
		return func() {}, nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		logger.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}, nil
}

// printSummary writes the tracker's final view of the run to stdout.
func printSummary(cmd *cobra.Command, tracker *progress.Tracker) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\nRecipe: %s\n", tracker.Recipe())
	for _, mod := range tracker.Snapshot() {
		kind := ""
		if mod.Preflight {
			kind = " (preflight)"
		}
		fmt.Fprintf(out, "  %-30s %s%s", mod.RuntimeName, mod.Status, kind)
		if mod.ItemCount > 0 {
			fmt.Fprintf(out, "  items=%d", mod.ItemCount)
		}
		fmt.Fprintln(out)
		for _, e := range mod.Errors {
			fmt.Fprintf(out, "    error: %s\n", e)
		}
	}
	for _, msg := range tracker.Messages() {
		if msg.IsError {
			fmt.Fprintf(out, "  [%s] ERROR %s\n", msg.Source, msg.Text)
		}
	}
}

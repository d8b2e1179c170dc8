package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/glimte/rabbit-patterns/health"
	"github.com/glimte/rabbit-patterns/internal/config"
	"github.com/glimte/rabbit-patterns/patterns"
)

// execute runs the command tree and then releases whatever the invoked
// command acquired. Cobra skips post-run hooks when RunE fails, so the
// cleanup happens here.
func execute(ctx context.Context, fs afero.Fs, args []string, out io.Writer) (*app, error) {
	a := newApp(fs)
	cmd := newRootCommand(a)
	if args != nil {
		cmd.SetArgs(args)
	}
	if out != nil {
		cmd.SetOut(out)
		cmd.SetErr(out)
	}

	err := cmd.ExecuteContext(ctx)
	return a, errors.Join(err, a.close())
}

func newRootCommand(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "harness",
		Short: "Exercise direct, work-queue and fanout messaging against RabbitMQ",
		Long: `harness drives three AMQP 0-9-1 messaging patterns against a broker:
direct delivery to one queue, a work queue shared by two consumers, and a
fanout exchange copying every message to independent queues.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Annotations["skipSetup"] == "true" {
				return nil
			}
			return a.setup(cmd)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&a.flags.configPath, "config", "c", config.DefaultPath, "Configuration file")
	pf.StringVar(&a.flags.envFile, "env-file", config.DefaultDotEnv, "Environment file")
	pf.StringVarP(&a.flags.url, "url", "u", config.DefaultBrokerURL, "RabbitMQ connection URL (overrides "+config.EnvBrokerURL+")")
	pf.StringVar(&a.flags.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	pf.StringVar(&a.flags.logFormat, "log-format", "text", "Log format: text or json")
	pf.StringVar(&a.flags.logFile, "log-file", "", "Also write logs to this rotated file")
	pf.StringVar(&a.flags.metricsAddr, "metrics-addr", "", "Serve /metrics and /healthz on this address")
	pf.BoolVar(&a.flags.inMemory, "in-memory", false, "Use an in-process broker instead of RabbitMQ")

	rootCmd.AddCommand(
		fanoutCommand(a),
		patternCommand(a, patterns.NameDirect, "Send to and consume from one queue", patterns.Direct),
		patternCommand(a, patterns.NameWork, "Share one queue between two competing consumers", patterns.WorkQueue),
		statusCommand(a),
		configCommand(a),
	)

	return rootCmd
}

func fanoutCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fanout",
		Short: "Copy every message to all queues bound to a fanout exchange",
	}

	topologyCmd := &cobra.Command{
		Use:   "topology",
		Short: "Declare the fanout exchange, its queues and bindings",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.runner(conn, a.fanout()).Declare(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Declared exchange %s bound to %s\n",
				a.cfg.Fanout.Exchange, strings.Join(a.cfg.Fanout.Queues, ", "))
			return nil
		},
	}

	cmd.AddCommand(
		topologyCmd,
		sendCommand(a, a.fanout),
		consumeCommand(a, a.fanout),
		runCommand(a, a.fanout),
	)
	return cmd
}

func patternCommand(a *app, name, short string, pattern func() patterns.Pattern) *cobra.Command {
	cmd := &cobra.Command{
		Use:   name,
		Short: short,
	}
	cmd.AddCommand(
		sendCommand(a, pattern),
		consumeCommand(a, pattern),
		runCommand(a, pattern),
	)
	return cmd
}

func sendCommand(a *app, pattern func() patterns.Pattern) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Declare the topology and publish a batch of messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("count") {
				count = a.cfg.Harness.Count
			}

			conn, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			runner := a.runner(conn, pattern())
			if err := runner.Declare(cmd.Context()); err != nil {
				return err
			}

			result, err := runner.Send(cmd.Context(), count)
			fmt.Fprintf(cmd.OutOrStdout(), "Published %d of %d messages", result.Published, count)
			if result.Confirmed > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), " (%d confirmed)", result.Confirmed)
			}
			fmt.Fprintln(cmd.OutOrStdout())
			return err
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1000, "Number of messages to publish")
	return cmd
}

func consumeCommand(a *app, pattern func() patterns.Pattern) *cobra.Command {
	var (
		window time.Duration
		expect int
	)
	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Run the consumers for an observation window",
		Long: `Run one consumer loop per subscription of the pattern. The loops stop when
the window elapses, on Ctrl+C, or once every queue acknowledged --expect
messages. A window of 0 runs until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("window") {
				window = a.cfg.Harness.Window.Std()
			}

			conn, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}

			report, err := a.runner(conn, pattern()).Consume(cmd.Context(), window, expect)
			printReport(cmd.OutOrStdout(), report)
			return err
		},
	}
	cmd.Flags().DurationVarP(&window, "window", "w", 40*time.Second, "Observation window")
	cmd.Flags().IntVar(&expect, "expect", 0, "Stop once every queue acknowledged this many messages")
	return cmd
}

func runCommand(a *app, pattern func() patterns.Pattern) *cobra.Command {
	var (
		count  int
		window time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Declare, consume and publish, then verify every queue got every message",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("count") {
				count = a.cfg.Harness.Count
			}
			if !cmd.Flags().Changed("window") {
				window = a.cfg.Harness.Window.Std()
			}

			conn, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}

			report, err := a.runner(conn, pattern()).Run(cmd.Context(), count, window)
			printReport(cmd.OutOrStdout(), report)
			return err
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1000, "Number of messages to publish")
	cmd.Flags().DurationVarP(&window, "window", "w", 40*time.Second, "Time allowed for all deliveries")
	return cmd
}

func statusCommand(a *app) *cobra.Command {
	var threshold int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check the broker and the harness exchanges and queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			if _, err := a.connect(ctx); err != nil {
				return err
			}

			for _, p := range []patterns.Pattern{patterns.Direct(), patterns.WorkQueue(), a.fanout()} {
				for _, ex := range p.Topology.Exchanges {
					a.registry.Register(health.NewExchangeChecker(a.conn, ex.Name, ex.Kind))
				}
				for _, q := range p.Queues() {
					a.registry.Register(health.NewQueueChecker(a.conn, q, threshold))
				}
			}

			result := a.registry.Check(ctx)
			printHealth(cmd.OutOrStdout(), result)

			if result.Status == health.StatusUnhealthy {
				return errors.New("harness is unhealthy")
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&threshold, "depth-threshold", health.DefaultDepthThreshold, "Queue depth reported as degraded")
	return cmd
}

func configCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:         "init [path]",
		Short:       "Write a configuration file with the default settings",
		Args:        cobra.MaximumNArgs(1),
		Annotations: map[string]string{"skipSetup": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.flags.configPath
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.WriteSample(a.fs, path, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")

	cmd.AddCommand(initCmd)
	return cmd
}

// Output formatting functions

func printReport(w io.Writer, report patterns.Report) {
	if len(report.Consumers) == 0 {
		return
	}

	fmt.Fprintf(w, "Pattern %s, %s\n", report.Pattern, report.Duration.Truncate(time.Millisecond))
	fmt.Fprintf(w, "%-30s %-15s %-10s %-10s %-10s %-10s\n", "Queue", "Consumer", "Received", "Acked", "Nacked", "Undecodable")
	fmt.Fprintln(w, strings.Repeat("-", 90))

	for _, s := range report.Consumers {
		fmt.Fprintf(w, "%-30s %-15s %-10d %-10d %-10d %-10d\n",
			truncate(s.Queue, 30),
			truncate(s.ConsumerTag, 15),
			s.Received,
			s.Acked,
			s.Nacked,
			s.DecodeErrors,
		)
	}
}

func printHealth(w io.Writer, result health.OverallHealth) {
	fmt.Fprintf(w, "Harness Health: %s\n", result.Status)
	fmt.Fprintf(w, "%-35s %-10s %s\n", "Check", "Status", "Message")
	fmt.Fprintln(w, strings.Repeat("-", 80))

	for _, name := range result.Names() {
		check := result.Checks[name]
		fmt.Fprintf(w, "%-35s %-10s %s\n", truncate(name, 35), check.Status, check.Message)
		if check.Error != "" {
			fmt.Fprintf(w, "  error: %s\n", check.Error)
		}
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

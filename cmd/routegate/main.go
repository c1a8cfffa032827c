package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zen-systems/routegate/pkg/config"
	"github.com/zen-systems/routegate/pkg/engine"
	"github.com/zen-systems/routegate/pkg/executor"
	"github.com/zen-systems/routegate/pkg/logx"
	"github.com/zen-systems/routegate/pkg/mcpserver"
	"github.com/zen-systems/routegate/pkg/server"
)

var (
	configFile string
	logLevel   string
	jsonOutput bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "routegate",
		Short: "Route LLM queries across local and cloud backends with automatic fallback",
		Long: `Routegate picks the backend most likely to answer a query well, based on
	payload size, task type, live backend health and historical success rates,
	and falls back to the next backend when one fails.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to routing config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print machine-readable JSON")

	rootCmd.AddCommand(askCmd())
	rootCmd.AddCommand(routeCmd())
	rootCmd.AddCommand(backendsCmd())
	rootCmd.AddCommand(modelsCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(mcpCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithRoutingFile(configFile)
	if err != nil {
		return nil, err
	}
	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	logx.Configure(level, cfg.LogFormat)
	return cfg, nil
}

// openEngine loads config and returns a started engine.
func openEngine(ctx context.Context) (*engine.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	e, err := engine.FromConfig(cfg, logx.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to build engine: %w", err)
	}
	if err := e.Start(ctx); err != nil {
		_ = e.Close()
		return nil, err
	}
	return e, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func readPrompt(args []string) (string, error) {
	if len(args) > 0 && args[0] != "-" {
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("read prompt from stdin: %w", err)
	}
	return string(data), nil
}

type requestFlags struct {
	hint   string
	prefer string
	size   int64
}

func (f *requestFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.hint, "task", "", "task hint (coding, analysis, general, unlimited)")
	cmd.Flags().StringVar(&f.prefer, "backend", "", "preferred backend id")
	cmd.Flags().Int64Var(&f.size, "size", 0, "declared payload size in bytes")
}

func (f *requestFlags) request(text string) engine.Request {
	return engine.Request{Text: text, TaskHint: f.hint, ExplicitPreference: f.prefer, SizeBytes: f.size}
}

func askCmd() *cobra.Command {
	var flags requestFlags
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "ask [prompt]",
		Short: "Route a prompt and print the answer",
		Long: `Routes the prompt to the best backend and prints the answer. If the
	chosen backend fails, the next backend in the fallback chain is tried.

	Pass "-" or no argument to read the prompt from stdin.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := readPrompt(args)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			e, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			resp, err := e.DecideAndExecute(ctx, flags.request(prompt))
			if err != nil {
				var ex *executor.ExhaustedError
				if errors.As(err, &ex) {
					for _, a := range ex.Attempts {
						fmt.Fprintf(os.Stderr, "  %s: %s\n", a.Backend, a.Error)
					}
				}
				return err
			}

			if jsonOutput {
				return printJSON(resp)
			}
			fmt.Fprintf(os.Stderr, "Routed to %s (%s, confidence %.2f): %s\n",
				resp.BackendUsed, resp.Rule, resp.Confidence, resp.Reason)
			if len(resp.ChainAttempted) > 1 {
				fmt.Fprintf(os.Stderr, "Fell back after: %s\n", strings.Join(resp.ChainAttempted[:len(resp.ChainAttempted)-1], ", "))
			}
			fmt.Println(resp.Content)
			return nil
		},
	}

	flags.bind(cmd)
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "overall request timeout")
	return cmd
}

func routeCmd() *cobra.Command {
	var flags requestFlags

	cmd := &cobra.Command{
		Use:   "route [prompt]",
		Short: "Show the routing decision for a prompt without calling any backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := readPrompt(args)
			if err != nil {
				return err
			}
			e, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			d, err := e.Route(flags.request(prompt))
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(d)
			}

			fmt.Printf("Category:   %s (%s)\n", d.Category, d.ClassificationReason)
			fmt.Printf("Rule:       %s\n", d.Rule)
			fmt.Printf("Confidence: %.3f\n", d.Confidence)
			fmt.Printf("Chain:      %s\n", strings.Join(d.Chain, " -> "))
			fmt.Printf("Reason:     %s\n", d.Reason)
			if d.Degraded {
				fmt.Println("Degraded:   yes")
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "\nBACKEND\tPRIORITY\tSPECIALIZED\tELIGIBLE\tEXCLUDED\tWILSON\tCALLS")
			for _, c := range d.Candidates {
				fmt.Fprintf(w, "%s\t%d\t%t\t%t\t%t\t%.3f\t%d\n",
					c.Backend, c.Priority, c.Specialized, c.Eligible, c.Excluded, c.Wilson, c.Total)
			}
			return w.Flush()
		},
	}
	flags.bind(cmd)
	return cmd
}

func backendsCmd() *cobra.Command {
	var probe bool

	cmd := &cobra.Command{
		Use:   "backends",
		Short: "List configured backends and their health",
		Long: `Lists the active backends in priority order with their health.

	Use --probe to check every backend once before printing.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			if probe {
				e.ProbeAll(cmd.Context())
			}

			views := server.BackendViews(e)
			if jsonOutput {
				return printJSON(views)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tADAPTER\tMODEL\tSPECIALIZATION\tPRIORITY\tMAX PAYLOAD\tSTATUS")
			for _, v := range views {
				limit := "-"
				if v.Unlimited {
					limit = "unlimited"
				} else if v.MaxPayloadBytes > 0 {
					limit = fmt.Sprintf("%d", v.MaxPayloadBytes)
				}
				status := v.Status
				if v.Probationary {
					status += " (probation)"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
					v.ID, v.Adapter, v.Model, strings.Join(v.Specialization, ","), v.Priority, limit, status)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&probe, "probe", false, "probe each backend before listing")
	return cmd
}

func modelsCmd() *cobra.Command {
	var resolveFlag bool
	var validateFlag bool

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List providers, models and aliases",
		Long: `Lists each provider's known models and whether its credentials are set.

	Use --resolve to show aliases and what they resolve to.
	Use --validate to check that every backend model resolves to a model its
	provider lists.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			aliases := cfg.Aliases

			if resolveFlag {
				return showAliases(aliases)
			}
			if validateFlag {
				return validateBackends(cfg)
			}
			if jsonOutput {
				type providerView struct {
					Provider string   `json:"provider"`
					Models   []string `json:"models"`
					Ready    bool     `json:"ready"`
				}
				views := make([]providerView, 0, len(aliases.Providers))
				for _, provider := range aliases.ListProviders() {
					views = append(views, providerView{provider, aliases.Providers[provider], cfg.HasAdapter(provider)})
				}
				return printJSON(views)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tMODELS\tSTATUS")
			for _, provider := range aliases.ListProviders() {
				status := "no key"
				if cfg.HasAdapter(provider) {
					status = "ready"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", provider, formatList(aliases.Providers[provider]), status)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&resolveFlag, "resolve", false, "show aliases and what they resolve to")
	cmd.Flags().BoolVar(&validateFlag, "validate", false, "check backend models against provider lists")
	return cmd
}

func showAliases(aliases *config.ModelAliases) error {
	aliasMap := aliases.ListAliases()
	if len(aliasMap) == 0 {
		fmt.Println("No model aliases configured.")
		return nil
	}

	names := make([]string, 0, len(aliasMap))
	for name := range aliasMap {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ALIAS\tMODEL\tPROVIDER")
	for _, name := range names {
		model := aliasMap[name]
		provider := "-"
		for _, p := range aliases.ListProviders() {
			for _, m := range aliases.Providers[p] {
				if m == model {
					provider = p
				}
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", name, model, provider)
	}
	return w.Flush()
}

func validateBackends(cfg *config.Config) error {
	backends := cfg.RoutingConfig.Backends
	for _, b := range backends {
		if cfg.Aliases.IsAlias(b.Model) {
			fmt.Printf("%s: %s -> %s\n", b.ID, b.Model, cfg.Aliases.Resolve(b.Model))
		}
	}

	errs := cfg.Aliases.ValidateBackends(backends)
	if len(errs) == 0 {
		fmt.Println("All backend models are valid.")
		return nil
	}
	fmt.Fprintf(os.Stderr, "Found %d validation errors:\n", len(errs))
	for _, err := range errs {
		fmt.Fprintf(os.Stderr, "  - %s\n", err)
	}
	return fmt.Errorf("backend model validation failed")
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show or reset per-backend success statistics",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show success counts and Wilson scores by backend and category",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			entries := e.Stats()
			if jsonOutput {
				return printJSON(entries)
			}
			if len(entries) == 0 {
				fmt.Println("No outcomes recorded.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "BACKEND\tCATEGORY\tSUCCESSES\tTOTAL\tWILSON\tSIGNIFICANT")
			for _, en := range entries {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%.3f\t%t\n",
					en.Backend, en.Category, en.Successes, en.Total, en.Score, en.Total >= e.Significance())
			}
			return w.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Clear all recorded outcomes",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.ResetStats(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(os.Stderr, "Statistics reset.")
			return nil
		},
	})
	return cmd
}

func serveCmd() *cobra.Command {
	var addr string
	var origins []string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the routing engine over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			e, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			log := logx.For("server")
			srv := &http.Server{
				Addr:              addr,
				Handler:           server.New(e, server.Options{AllowedOrigins: origins, Logger: log}),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				log.Info().Str("addr", addr).Msg("listening")
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
			}

			log.Info().Msg("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8088", "listen address")
	cmd.Flags().StringSliceVar(&origins, "cors-origin", nil, "allowed CORS origins")
	return cmd
}

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the routing engine as MCP tools over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()
			return mcpserver.Serve(e, logx.For("mcp"))
		},
	}
}

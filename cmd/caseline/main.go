package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"caseline/internal/app"
	"caseline/internal/config"
	"caseline/internal/db"
	applog "caseline/internal/log"
)

var rootCmd = &cobra.Command{
	Use:   "caseline",
	Short: "Caseline screening case simulator",
	Long: `Caseline simulates the case pipeline of a dementia-screening program.
- Cases: one per screened person, moving through STAGE1 (risk model), STAGE2 (labs and classification) and STAGE3 (conversion forecast and care plan).
- Jobs: simulated model runs that queue, report progress and finish on a timer; 'caseline complete' and 'caseline fail' short-circuit them.
- Timeline: an append-only log of everything that happened, newest first.
- Workspace: caseline.yml plus .caseline/caseline.db holding the persisted state.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CASELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.Bool("debug", false, "debug logging")
	flags.Float64("speed", 1, "simulation speed multiplier")
	flags.Bool("simulation", true, "simulate job latency; false finishes jobs immediately")
	flags.Int("api-latency-ms", 150, "artificial latency before each operation")
	for _, name := range []string{"workspace", "json", "debug", "speed", "simulation", "api-latency-ms"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(casesCmd())
	rootCmd.AddCommand(timelineCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(promoteCmd())
	rootCmd.AddCommand(labsCmd())
	rootCmd.AddCommand(completeCmd())
	rootCmd.AddCommand(failCmd())
	rootCmd.AddCommand(resetCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func newLogger() (*zap.Logger, error) {
	return applog.New(viper.GetBool("debug"))
}

func openApp(ctx context.Context) (*app.App, error) {
	workspace := viper.GetString("workspace")
	cfg, err := app.ResolveConfig(workspace, viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger, err := newLogger()
	if err != nil {
		return nil, err
	}
	return app.Open(ctx, app.Options{Workspace: workspace, Config: cfg, Logger: logger})
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	defer a.Log.Sync()
	return fn(ctx, a)
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage caseline.yml",
		Long:  "Config sets simulation timing, the seed base date and timeline webhooks. Environment variables (CASELINE_SPEED, CASELINE_SIMULATION) and flags override the file.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default caseline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.ResolveConfig(viper.GetString("workspace"), viper.GetViper())
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate caseline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Print the persisted state snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				data, err := a.Store.Export(ctx)
				if err != nil {
					return err
				}
				_, err = os.Stdout.Write(append(data, '\n'))
				return err
			})
		},
	}
}

func printJSONOrText(v any, text func()) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	text()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

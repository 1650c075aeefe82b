package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/outflowhq/outflow/internal/app"
	"github.com/outflowhq/outflow/internal/config"
)

var (
	configPath string
	devMode    bool
	version    = "dev"
	commit     = "unknown"
	date       = "unknown"
)

func main() {
	// .env files are a development convenience; a missing file is normal.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Warning: failed to load .env: %v\n", err)
	}

	rootCmd := &cobra.Command{
		Use:     "outflow",
		Short:   "Outflow - email campaign dispatch engine",
		Long:    "Outflow schedules, throttles, and tracks outbound email: campaign dispatch,\nfollowups, domain warm-up, bounce handling, and calendar-driven scheduling.",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file")
	rootCmd.PersistentFlags().BoolVar(&devMode, "dev", false, "force development environment")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(connectionsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dispatch service",
	Long:  "Start the HTTP API, queue workers, promotion pollers, and the outbox relay",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "Outflow %s\n", cmd.Root().Version)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
}

func init() {
	serveCmd.Flags().String("listen", "", "HTTP listen address (overrides config)")

	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		RunE:  validateConfig,
	})
}

// loadConfig resolves the effective configuration for any subcommand:
// file, environment overrides, then command-line flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if devMode {
		cfg.Environment = "development"
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Server.Listen = listen
	}

	application, err := app.New(cmd.Context(), cfg, app.Collaborators{})
	if err != nil {
		return err
	}
	return application.Run(cmd.Context())
}

// validateConfig loads the file the same way serve does; LoadConfig
// already rejects invalid configurations with per-field messages, so
// this only has warnings and a summary left to report.
func validateConfig(cmd *cobra.Command, args []string) error {
	path := configPath
	if len(args) > 0 {
		path = args[0]
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, w := range cfg.Validate().Warnings {
		fmt.Fprintf(out, "warning: %s: %s\n", w.Field, w.Message)
	}
	fmt.Fprintf(out, "configuration valid (environment: %s, listen: %s)\n",
		cfg.Environment, cfg.Server.Listen)
	return nil
}

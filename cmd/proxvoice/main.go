// Command proxvoice runs the proximity voice relay.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"proxvoice/internal/app"
	"proxvoice/internal/config"
	"proxvoice/internal/logging"
)

// Set by the linker.
var version = "dev"

const shutdownTimeout = 30 * time.Second

type options struct {
	configFile string
	envFile    string
	host       string
	port       int
	logLevel   string
}

// FUNCTIONAL DISCOVERY: Main entry point with comprehensive error handling and signal management
func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "proxvoice",
		Short:         "Proximity voice relay for block-game servers",
		SilenceUsage:  true,
		SilenceErrors: false,
		// ARCHITECTURAL DISCOVERY: .env is loaded before any command reads
		// the environment; variables already set in the process win
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadEnvFile(opts.envFile, cmd.Flags().Changed("env-file"))
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "config file (.json, .yaml or .yml); defaults to $PROXVOICE_CONFIG_FILE")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded into the environment")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the voice relay until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	for _, c := range []*cobra.Command{root, serve} {
		c.Flags().StringVar(&opts.host, "host", "", "override the listen host")
		c.Flags().IntVarP(&opts.port, "port", "p", 0, "override the listen port")
		c.Flags().StringVar(&opts.logLevel, "log-level", "", "override the log level (debug, info, warn, error)")
	}

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			return printConfig(cmd.OutOrStdout(), cfg)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "proxvoice %s\n", version)
		},
	}

	root.AddCommand(serve, configCmd, versionCmd)
	return root
}

// loadEnvFile reads path into the environment. A missing default file is
// fine; a missing file the user asked for is not.
func loadEnvFile(path string, explicit bool) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// loadConfig applies defaults, environment, file and finally flags.
func loadConfig(opts *options) (*config.Config, error) {
	path := opts.configFile
	if path == "" {
		path = os.Getenv(config.EnvPrefix + "CONFIG_FILE")
	}
	cfg, err := config.LoadConfigWithPrecedence(path)
	if err != nil {
		return nil, err
	}

	if opts.host != "" {
		cfg.HTTP.Host = opts.host
	}
	if opts.port != 0 {
		cfg.HTTP.Port = opts.port
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func printConfig(w io.Writer, cfg *config.Config) error {
	redacted := *cfg
	if cfg.Auth != nil && cfg.Auth.Token != "" {
		auth := *cfg.Auth
		auth.Token = "<redacted>"
		redacted.Auth = &auth
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&redacted); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}

// ARCHITECTURAL DISCOVERY: Separate run function enables testing and error handling
// Graceful shutdown on SIGINT/SIGTERM ensures proper resource cleanup
func runServe(parent context.Context, opts *options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	log, err := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logging.Sync(log)

	application, err := app.NewApplication(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		_ = application.Stop(context.Background())
		return fmt.Errorf("failed to start: %w", err)
	}
	log.Infow("proxvoice started", "version", version, "addr", application.Addr())

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err, ok := <-application.Done():
		if ok && err != nil {
			serveErr = fmt.Errorf("http server: %w", err)
		}
	}

	// FUNCTIONAL DISCOVERY: Timeout context prevents hanging shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := application.Stop(shutdownCtx); err != nil {
		return errors.Join(serveErr, fmt.Errorf("shutdown error: %w", err))
	}
	return serveErr
}

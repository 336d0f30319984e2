// Command logsnarf turns Heroku log drains into metrics.
//
// Logging:
//   - Base logger is created here with output format and level from config
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"

	"github.com/spf13/cobra"

	"logsnarf/internal/config"
	"logsnarf/internal/logging"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "logsnarf",
		Short:         "Turn Heroku log drains into metrics",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			pprofAddr, _ := cmd.Flags().GetString("pprof")
			if pprofAddr != "" {
				go func() {
					if err := http.ListenAndServe(pprofAddr, nil); err != nil {
						fmt.Fprintln(os.Stderr, "pprof server error:", err)
					}
				}()
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().String("config", "", "YAML config file (environment overrides with LOGSNARF_*)")
	rootCmd.PersistentFlags().String("pprof", "", "pprof HTTP server address (e.g. localhost:6060); bind to loopback only")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(newServeCmd(), newParseCmd(), newDecodersCmd(), versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig loads the config named by --config.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

// newLogger builds the base logger: format from log.format, default level
// from log.level, per-component overrides from log.components.
func newLogger(cfg config.LogConfig) (*slog.Logger, error) {
	base, err := logging.NewHandler(os.Stderr, cfg.Format)
	if err != nil {
		return nil, err
	}
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	filter := logging.NewComponentFilterHandler(base, level)
	for component, name := range cfg.Components {
		l, err := logging.ParseLevel(name)
		if err != nil {
			return nil, fmt.Errorf("log level for %s: %w", component, err)
		}
		filter.SetLevel(component, l)
	}
	return slog.New(filter), nil
}

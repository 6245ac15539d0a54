// Command wikiseek finds pages in compressed MediaWiki XML dumps.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"wikiseek/cmd/wikiseek/cli"
	"wikiseek/internal/logging"
)

var version = "dev"

func main() {
	// Create base logger with ComponentFilterHandler for per-component level control.
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug, // Allow all levels; filtering done by ComponentFilterHandler
	})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{
		Use:           "wikiseek",
		Short:         "Search compressed MediaWiki dumps by title or text",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			levelFlag, _ := cmd.Flags().GetString("log-level")
			level, err := parseLevel(levelFlag)
			if err != nil {
				return err
			}
			filterHandler.SetDefaultLevel(level)

			debugComponents, _ := cmd.Flags().GetStringSlice("debug-component")
			for _, c := range debugComponents {
				filterHandler.SetLevel(c, slog.LevelDebug)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().String("home", "", "home directory (default: platform config dir)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, or error")
	rootCmd.PersistentFlags().StringSlice("debug-component", nil, "enable debug logging for a component (archive, pagexml, index, search, watch)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(
		cli.NewSearchCommand(logger),
		cli.NewIndexCommand(logger),
		cli.NewRecompressCommand(logger),
		cli.NewConfigCommand(),
		versionCmd,
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("invalid --log-level %q: %w", s, err)
	}
	return level, nil
}

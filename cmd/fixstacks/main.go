// Package main provides the fixstacks CLI binary: a stdin/stdout filter
// that resolves bracketed stack-frame addresses against binary debug info.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/fathomsym/fixstacks/internal/frame"
	"github.com/fathomsym/fixstacks/internal/logging"
	"github.com/fathomsym/fixstacks/internal/symbolize"
	"github.com/fathomsym/fixstacks/internal/symbolize/symtab"
	"github.com/fathomsym/fixstacks/pkg/version"
)

func main() {
	var (
		breakpad  string
		localDir  string
		logLevel  string
		logPretty bool
	)

	rootCmd := &cobra.Command{
		Use:           "fixstacks",
		Short:         "Resolve stack-frame addresses against binary debug info",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := logging.DefaultConfig()
			cfg.Level = logLevel
			cfg.Pretty = logPretty
			logger := logging.NewWithComponent(cfg, "symbolize")

			engine := symbolize.NewEngine(logger)
			if localDir != "" {
				engine.SetRemap(symtab.RemapRule{Dir: localDir})
			}
			if breakpad != "" {
				dir, fileidPath, err := parseBreakpadFlag(breakpad)
				if err != nil {
					return err
				}
				engine.SetBreakpadResolver(dir, fileidPath)
			}

			return frame.RewriteLines(os.Stdin, os.Stdout, engine)
		},
	}

	rootCmd.Flags().StringVarP(&breakpad, "breakpad", "b", "", "enable Breakpad mode: <dir>,<fileid-path>")
	rootCmd.Flags().StringVar(&localDir, "local", "", "retry missing modules under <dir>/<basename>")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "debug|info|warn|error")
	rootCmd.Flags().BoolVar(&logPretty, "log-pretty", isatty.IsTerminal(os.Stderr.Fd()), "human-readable console logging")

	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("fixstacks version %s\n", version.Version)
			cmd.Printf("Git commit: %s\n", version.GitCommit)
			cmd.Printf("Build date: %s\n", version.BuildDate)
			cmd.Printf("Go version: %s\n", version.GoVersion)
		},
	}
}

// parseBreakpadFlag splits the "-b <dir>,<fileid-path>" value.
func parseBreakpadFlag(v string) (dir, fileidPath string, err error) {
	parts := strings.SplitN(v, ",", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("--breakpad requires <dir>,<fileid-path>, got %q", v)
	}
	return parts[0], parts[1], nil
}

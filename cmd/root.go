// Package cmd implements the monoco command line interface.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	cfgFile     string
	projectRoot string
	verbose     bool

	versionString = "dev"
)

var rootCmd = &cobra.Command{
	Use:   "monoco",
	Short: "Workspace daemon that schedules autonomous coding agents",
	Long: `monoco watches a project workspace (memos, issues, mailboxes) and
schedules autonomous agent sessions in response: architects plan from
memos, engineers implement issues, reviewers handle pull requests, and
coroners investigate failures.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// SetVersion records the build version for the version subcommand.
func SetVersion(v string) {
	versionString = v
	rootCmd.Version = v
}

// Execute runs the CLI and returns the process exit code: 0 on success,
// 1 on runtime errors, 2 on invalid usage.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if isUsageError(err) {
			return 2
		}
		return 1
	}
	return 0
}

func isUsageError(err error) bool {
	msg := err.Error()
	return strings.HasPrefix(msg, "unknown command") ||
		strings.HasPrefix(msg, "unknown flag") ||
		strings.HasPrefix(msg, "unknown shorthand flag") ||
		strings.HasPrefix(msg, "invalid argument") ||
		strings.Contains(msg, "accepts at most") ||
		strings.Contains(msg, "requires at least")
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default .monoco/config.yaml under the project root)")
	rootCmd.PersistentFlags().StringVar(&projectRoot, "root", "",
		"project root (default: current directory)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"enable debug logging")
}

// resolveRoot returns the project root from the flag or working directory.
func resolveRoot() (string, error) {
	if projectRoot != "" {
		return projectRoot, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("resolving working directory: %w", err)
	}
	return wd, nil
}

package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/IndenScale/monoco/internal/config"
	"github.com/IndenScale/monoco/internal/daemon"
	"github.com/IndenScale/monoco/internal/log"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the monoco daemon in the foreground",
	Long: `Starts the watcher, scheduler, and mailbox pipeline for the project
root and blocks until interrupted. SIGINT or SIGTERM triggers the ordered
shutdown sequence: stop intake, drain handlers, terminate sessions.`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	root, err := resolveRoot()
	if err != nil {
		return err
	}

	closeLog, err := log.Init(filepath.Join(config.LogsDir(root), "daemon.log"))
	if err != nil {
		return err
	}
	defer closeLog()
	if verbose {
		log.SetMinLevel(log.LevelDebug)
	}

	cfg, err := config.Load(root, cfgFile)
	if err != nil {
		return err
	}

	d, err := daemon.New(cfg, versionString)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if verbose {
		// Echo the live log stream to stderr alongside the file sink.
		log.SafeGo("log-follow", func() {
			for line := range log.Follow(ctx) {
				fmt.Fprint(os.Stderr, line)
			}
		})
	}

	return d.Run(ctx)
}

// Command shelf manages a collection of documents stored locally or in a
// mirrored remote store.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mschirtzinger/docshelf/internal/config"
	"github.com/mschirtzinger/docshelf/internal/controller"
	"github.com/mschirtzinger/docshelf/internal/docerr"
	"github.com/mschirtzinger/docshelf/internal/logging"
	"github.com/mschirtzinger/docshelf/internal/ui"
)

var (
	configPath string
	verbose    bool
	noColor    bool

	cfg    *config.Config
	logger *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "shelf",
	Short: "Manage a shelf of documents, locally or in the cloud",
	Long: `shelf keeps a collection of documents in a local documents directory and,
when the cloud is enabled, in a container mirrored to a remote store.

Configuration is read from shelf.yaml (or .toml/.json) in $XDG_CONFIG_HOME/shelf,
~/.shelf or the current directory. Every key can be overridden with a SHELF_
environment variable, e.g. SHELF_CLOUD_ENABLED=true.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if noColor {
			ui.SetColor(false)
		}

		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}

		lc := cfg.Log
		switch {
		case verbose:
			lc.Level = "debug"
		case cmd.Name() != "daemon":
			// One-shot commands only surface problems on the console.
			if lvl, err := zapcore.ParseLevel(lc.Level); err == nil && lvl < zapcore.WarnLevel {
				lc.Level = "warn"
			}
		}
		if logger, err = logging.New(lc); err != nil {
			return err
		}
		logger.Debug("configuration loaded", zap.String("source", cfg.Source))

		controller.SetSharedConfig(controllerConfig(cmd.Context()))
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return shutdown()
	},
}

func shutdown() error {
	err := controller.ResetShared()
	if logger != nil {
		_ = logger.Close()
	}
	return err
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "docs", Title: "Documents:"},
		&cobra.Group{ID: "sync", Title: "Cloud:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: search shelf.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	cancel()
	if err != nil {
		// PersistentPostRun is skipped when a command fails.
		_ = shutdown()
		fmt.Fprintf(os.Stderr, "%s %s\n", ui.RenderFail("Error:"), err)
		if errors.Is(err, docerr.ErrNotFound) || errors.Is(err, docerr.ErrNameCollision) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

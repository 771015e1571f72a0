package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/docshelf/internal/controller"
	"github.com/mschirtzinger/docshelf/internal/docerr"
	"github.com/mschirtzinger/docshelf/internal/ui"
)

var cloudCmd = &cobra.Command{
	Use:     "cloud",
	GroupID: "sync",
	Short:   "Move documents between the local directory and the cloud",
	Long: `Manage the cloud container.

The cloud container keeps documents mirrored to a remote store (a directory or
an S3-compatible bucket). Enable it with cloud.enabled in the config file or
SHELF_CLOUD_ENABLED=true.`,
}

// requireCloud opens the shared controller and fails when the remote store
// is not enabled.
func requireCloud(ctx context.Context) (*controller.Controller, error) {
	c, err := open(ctx)
	if err != nil {
		return nil, err
	}
	if !c.DocumentsInCloud() {
		return nil, fmt.Errorf("%w: set cloud.enabled in the config file", docerr.ErrDisabled)
	}
	return c, nil
}

// report prints a bulk result and returns its error.
func report(w io.Writer, verb string, res controller.BulkResult) error {
	fmt.Fprintf(w, "%s %s %d document(s)\n", ui.RenderPass("✓"), verb, len(res.Succeeded))
	for _, f := range res.Failed {
		fmt.Fprintf(w, "%s %v\n", ui.RenderWarn("⚠"), f.Err)
	}
	return res.Err()
}

// awaitUploads waits for background transfers unless --no-wait was given.
func awaitUploads(cmd *cobra.Command, c *controller.Controller) error {
	if noWait, _ := cmd.Flags().GetBool("no-wait"); noWait {
		return nil
	}
	out := cmd.OutOrStdout()
	interactive := ui.IsTerminal(out)
	err := waitTransfers(cmd.Context(), c, func(pending int) {
		if interactive {
			fmt.Fprintf(out, "\r%s %d transfer(s) pending ", ui.RenderAccent("⟳"), pending)
		}
	})
	if interactive {
		fmt.Fprint(out, "\r\033[K")
	}
	return err
}

var cloudPushAllCmd = &cobra.Command{
	Use:   "push-all",
	Short: "Move every local document into the cloud",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := requireCloud(cmd.Context())
		if err != nil {
			return err
		}
		res, err := c.MoveAllLocalDocumentsToCloud(cmd.Context())
		if err != nil {
			return err
		}
		if err := awaitUploads(cmd, c); err != nil {
			return err
		}
		return report(cmd.OutOrStdout(), "Moved to cloud", res)
	},
}

var cloudPullAllCmd = &cobra.Command{
	Use:   "pull-all",
	Short: "Move every cloud document into the local directory",
	Long: `Move every cloud document into the local documents directory, downloading
documents that are not on this device first. The remote copies are deleted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := requireCloud(cmd.Context())
		if err != nil {
			return err
		}
		res, err := c.MoveAllCloudDocumentsToLocal(cmd.Context())
		if err != nil {
			return err
		}
		return report(cmd.OutOrStdout(), "Moved to local", res)
	},
}

var cloudDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Copy every cloud document to local and stop using the cloud",
	Long: `Copy every cloud document into the local documents directory and disable the
remote store for this session. The cloud container is left untouched.

To keep the cloud disabled, also set cloud.enabled to false in the config file.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := requireCloud(cmd.Context())
		if err != nil {
			return err
		}
		res, err := c.DisableRemoteStoreAndCopyAllToLocal(cmd.Context())
		if err != nil {
			return err
		}
		if err := report(cmd.OutOrStdout(), "Copied to local", res); err != nil {
			return fmt.Errorf("cloud left enabled: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Set cloud.enabled=false to keep the cloud disabled\n", ui.RenderMuted("ℹ"))
		return nil
	},
}

var cloudEvictCmd = &cobra.Command{
	Use:   "evict",
	Short: "Remove local copies of cloud documents",
	Long: `Remove the local copies of every downloaded cloud document to free space. The
documents stay in the cloud and are downloaded again when opened.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := requireCloud(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		interactive := ui.IsTerminal(out)
		res, err := c.EvictAllCloudDocuments(cmd.Context(), func(f float64) {
			if interactive {
				fmt.Fprintf(out, "\r%s %3.0f%%", ui.Bar(f, 30), f*100)
			}
		})
		if interactive {
			fmt.Fprintln(out)
		}
		if err != nil {
			return err
		}
		return report(out, "Evicted", res)
	},
}

var cloudDownloadCmd = &cobra.Command{
	Use:   "download <name>...",
	Short: "Download cloud documents to this device",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := requireCloud(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		interactive := ui.IsTerminal(out)
		for _, name := range args {
			ref, err := find(c, name)
			if err != nil {
				return err
			}
			if err := ref.StartDownloading(cmd.Context()); err != nil {
				return err
			}
			err = waitFor(cmd.Context(), func() bool {
				s := ref.Status()
				if interactive {
					fmt.Fprintf(out, "\r%s %s", ui.Bar(s.PercentDownloaded/100, 30), ui.Truncate(ref.DisplayName(), 40))
				}
				return s.Downloaded && !s.Downloading
			})
			if interactive {
				fmt.Fprintln(out)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s Downloaded %s\n", ui.RenderPass("✓"), ref.FileName())
		}
		return nil
	},
}

var cloudSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Pick up remote changes and finish pending transfers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := requireCloud(cmd.Context())
		if err != nil {
			return err
		}
		rc, ok := c.Provider().(interface{ Reconcile(context.Context) error })
		if !ok {
			return errors.New("remote store does not support reconciliation")
		}
		start := time.Now()
		if err := rc.Reconcile(cmd.Context()); err != nil {
			return err
		}
		if err := c.ReloadLocalDocuments(cmd.Context()); err != nil {
			return err
		}
		if err := awaitUploads(cmd, c); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Sync complete in %v (%d documents)\n",
			ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond), len(c.Snapshot()))
		return nil
	},
}

// waitFor polls cond until it holds or ctx is done.
func waitFor(ctx context.Context, cond func() bool) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func init() {
	cloudPushAllCmd.Flags().Bool("no-wait", false, "return before uploads finish")
	cloudSyncCmd.Flags().Bool("no-wait", false, "return before uploads finish")

	cloudCmd.AddCommand(cloudPushAllCmd)
	cloudCmd.AddCommand(cloudPullAllCmd)
	cloudCmd.AddCommand(cloudDisableCmd)
	cloudCmd.AddCommand(cloudEvictCmd)
	cloudCmd.AddCommand(cloudDownloadCmd)
	cloudCmd.AddCommand(cloudSyncCmd)
	rootCmd.AddCommand(cloudCmd)
}

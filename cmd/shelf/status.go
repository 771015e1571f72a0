package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/docshelf/internal/dashboard"
	"github.com/mschirtzinger/docshelf/internal/preview"
	"github.com/mschirtzinger/docshelf/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show shelf and sync status",
	Long: `Display where documents are stored and how many are local, in the cloud,
not yet downloaded, transferring or in conflict.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := open(cmd.Context())
		if err != nil {
			return err
		}
		source := dashboard.ControllerSource{Controller: c}
		docs := source.Documents()
		stats := dashboard.ComputeStats(docs)

		cloud := ui.RenderMuted("disabled")
		if c.DocumentsInCloud() {
			cloud = ui.RenderPass("enabled") + " (" + cfg.Cloud.Mirror.Kind + " mirror)"
		}
		lines := []string{
			ui.RenderBold("Shelf Status"),
			"",
			fmt.Sprintf("Documents: %s", c.DocumentsDir()),
			fmt.Sprintf("Cloud:     %s", cloud),
			fmt.Sprintf("Total:     %d", stats.Total),
			fmt.Sprintf("Local:     %d", stats.Local),
			fmt.Sprintf("In cloud:  %d (%d not downloaded)", stats.InCloud, stats.NotLocal),
		}
		if stats.Transferring > 0 {
			lines = append(lines, fmt.Sprintf("Transfers: %s", ui.RenderAccent(fmt.Sprint(stats.Transferring))))
		}
		if stats.Conflicts > 0 {
			lines = append(lines, fmt.Sprintf("Conflicts: %s", ui.RenderFail(fmt.Sprint(stats.Conflicts))))
		}
		for _, d := range docs {
			switch {
			case d.Downloading:
				lines = append(lines, fmt.Sprintf("  ↓ %s %s", ui.Bar(d.PercentDownloaded/100, 20), ui.Truncate(d.Name, 32)))
			case d.Uploading:
				lines = append(lines, fmt.Sprintf("  ↑ %s %s", ui.Bar(d.PercentUploaded/100, 20), ui.Truncate(d.Name, 32)))
			}
		}
		fmt.Fprintln(cmd.OutOrStdout(), ui.Panel(lines...))
		return nil
	},
}

var previewCmd = &cobra.Command{
	Use:     "preview <name>",
	GroupID: "docs",
	Short:   "Render a document preview as PNG",
	Long: `Render a preview image of a document. The preview is produced at the smallest
width class that is at least --width pixels wide.

The PNG is written to --output, or to stdout when it is not a terminal.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := open(cmd.Context())
		if err != nil {
			return err
		}
		ref, err := find(c, args[0])
		if err != nil {
			return err
		}

		width, _ := cmd.Flags().GetInt("width")
		output, _ := cmd.Flags().GetString("output")
		if output == "" && ui.IsTerminal(cmd.OutOrStdout()) {
			output = ref.DisplayName() + ".png"
		}

		img, err := ref.PreviewImage(cmd.Context(), width)
		if err != nil {
			return err
		}

		if output == "" || output == "-" {
			return preview.EncodePNG(cmd.OutOrStdout(), img)
		}
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", output, err)
		}
		if err := preview.EncodePNG(f, img); err != nil {
			_ = f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		abs, _ := filepath.Abs(output)
		b := img.Bounds()
		fmt.Fprintf(cmd.ErrOrStderr(), "%s Wrote %dx%d preview to %s\n", ui.RenderPass("✓"), b.Dx(), b.Dy(), abs)
		return nil
	},
}

func init() {
	previewCmd.Flags().IntP("width", "w", preview.PhoneWidth, "maximum width in pixels")
	previewCmd.Flags().StringP("output", "o", "", "output file (- for stdout)")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(previewCmd)
}

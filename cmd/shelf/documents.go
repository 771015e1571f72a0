package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/disiqueira/gotree/v3"
	"github.com/spf13/cobra"

	"github.com/mschirtzinger/docshelf/internal/reference"
	"github.com/mschirtzinger/docshelf/internal/ui"
)

var lsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	GroupID: "docs",
	Short:   "List documents",
	Long: `List the documents on the shelf with their sync status and modification date.

With --tree, documents are grouped by the store they live in.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := open(cmd.Context())
		if err != nil {
			return err
		}
		refs := c.Snapshot()
		out := cmd.OutOrStdout()

		if tree, _ := cmd.Flags().GetBool("tree"); tree {
			fmt.Fprint(out, documentTree(refs, c.DocumentsInCloud()))
			return nil
		}

		if len(refs) == 0 {
			fmt.Fprintf(out, "%s No documents in %s\n", ui.RenderMuted("∅"), c.DocumentsDir())
			return nil
		}

		now := time.Now()
		nameWidth := max(20, min(48, ui.Width()-40))
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, ui.RenderBold("NAME")+"\t"+ui.RenderBold("STATUS")+"\t"+ui.RenderBold("MODIFIED"))
		for _, r := range refs {
			fmt.Fprintf(tw, "%s\t%s\t%s\n",
				ui.Truncate(r.DisplayName(), nameWidth),
				renderStatus(r.Status()),
				r.DisplayModificationDate(now))
		}
		return tw.Flush()
	},
}

// documentTree groups refs under their store.
func documentTree(refs []*reference.Reference, cloud bool) string {
	root := gotree.New("shelf")
	local := root.Add("Local")
	var remote gotree.Tree
	if cloud {
		remote = root.Add("Cloud")
	}
	for _, r := range refs {
		label := r.FileName()
		if s := r.Status(); s.Ubiquitous {
			label += " " + ui.RenderMuted("("+s.String()+")")
			if remote == nil {
				remote = root.Add("Cloud")
			}
			remote.Add(label)
			continue
		}
		local.Add(label)
	}
	return root.Print()
}

// renderStatus colors a sync status for terminal output.
func renderStatus(s reference.SyncStatus) string {
	text := s.String()
	switch {
	case s.HasUnresolvedConflicts:
		return ui.RenderFail(text)
	case s.Transferring():
		return ui.RenderAccent(text)
	case s.Ubiquitous && !s.Downloaded:
		return ui.RenderMuted(text)
	case s.Ubiquitous:
		return ui.RenderPass(text)
	default:
		return text
	}
}

var newCmd = &cobra.Command{
	Use:     "new [name]",
	GroupID: "docs",
	Short:   "Create a new empty document",
	Long: `Create a new empty document in the local documents directory.

Without a name the document is called "Untitled"; if the name is taken a
number is appended ("Untitled 2", "Untitled 3", ...).`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := open(cmd.Context())
		if err != nil {
			return err
		}
		_, ref, err := c.CreateNewDocument(cmd.Context())
		if err != nil {
			return err
		}
		if len(args) == 1 {
			if err := c.RenameDocument(cmd.Context(), ref, args[0]); err != nil {
				return err
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Created %s\n", ui.RenderPass("✓"), ref.FileName())
		return nil
	},
}

var rmCmd = &cobra.Command{
	Use:     "rm <name>...",
	Aliases: []string{"delete"},
	GroupID: "docs",
	Short:   "Delete documents",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := open(cmd.Context())
		if err != nil {
			return err
		}
		for _, name := range args {
			ref, err := find(c, name)
			if err != nil {
				return err
			}
			if err := c.DeleteDocument(cmd.Context(), ref); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Deleted %s\n", ui.RenderPass("✓"), ref.FileName())
		}
		return nil
	},
}

var mvCmd = &cobra.Command{
	Use:     "mv <name> <new-name>",
	Aliases: []string{"rename"},
	GroupID: "docs",
	Short:   "Rename a document",
	Long: `Rename a document. The new name is a display name; characters that are not
allowed in file names are replaced, and a number is appended if the name is taken.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := open(cmd.Context())
		if err != nil {
			return err
		}
		ref, err := find(c, args[0])
		if err != nil {
			return err
		}
		old := ref.FileName()
		if err := c.RenameDocument(cmd.Context(), ref, args[1]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Renamed %s → %s\n", ui.RenderPass("✓"), old, ref.FileName())
		return nil
	},
}

var cpCmd = &cobra.Command{
	Use:     "cp <name>",
	Aliases: []string{"duplicate"},
	GroupID: "docs",
	Short:   "Duplicate a document",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := open(cmd.Context())
		if err != nil {
			return err
		}
		ref, err := find(c, args[0])
		if err != nil {
			return err
		}
		dup, err := c.DuplicateDocument(cmd.Context(), ref)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Duplicated %s as %s\n", ui.RenderPass("✓"), ref.FileName(), dup.FileName())
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file>...",
	GroupID: "docs",
	Short:   "Import files as documents",
	Long: `Import files into the local documents directory.

Native documents are copied as they are. JSON and YAML documents, Markdown and
plain text files are converted; the file name becomes the document title.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := open(cmd.Context())
		if err != nil {
			return err
		}
		var failed []string
		for _, path := range args {
			ref, err := c.ImportDocument(cmd.Context(), path)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s %v\n", ui.RenderWarn("⚠"), err)
				failed = append(failed, path)
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Imported %s as %s\n", ui.RenderPass("✓"), path, ref.FileName())
		}
		if len(failed) > 0 {
			return fmt.Errorf("failed to import %d of %d files: %s", len(failed), len(args), strings.Join(failed, ", "))
		}
		return nil
	},
}

func init() {
	lsCmd.Flags().Bool("tree", false, "group documents by store")

	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(newCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(mvCmd)
	rootCmd.AddCommand(cpCmd)
	rootCmd.AddCommand(importCmd)
}

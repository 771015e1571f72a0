package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mschirtzinger/docshelf/internal/dashboard"
	"github.com/mschirtzinger/docshelf/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "advanced",
	Short:   "Run the shelf in the foreground with a real-time dashboard",
	Long: `Keep the document collection loaded, watch the documents directory and the
cloud container for changes, and serve a WebSocket dashboard.

The dashboard broadcasts to connected clients:
- collection_changed: documents added to or removed from the shelf
- status_changed: a document's sync status or location changed
- state_changed: the shelf switched between loading and normal
- stats: collection statistics

Example usage:
  shelf daemon                   # Start on the configured port (default 8080)
  shelf daemon --port 9000       # Start on a custom port

Connect with a WebSocket client:
  ws://localhost:8080/ws`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		port := cfg.Dashboard.Port
		if cmd.Flags().Changed("port") {
			port, _ = cmd.Flags().GetInt("port")
		}

		c, err := open(ctx)
		if err != nil {
			return err
		}

		source := dashboard.ControllerSource{Controller: c}
		server := dashboard.NewServer(&dashboard.Config{
			Port:   port,
			Source: source,
			Logger: logger.Logger,
		})
		if err := server.Start(); err != nil {
			return fmt.Errorf("failed to start dashboard: %w", err)
		}

		notes, unsubscribe := c.Subscribe()
		defer unsubscribe()
		handler := dashboard.NewHandler(server, source, logger.Logger)
		done := make(chan struct{})
		go func() {
			defer close(done)
			handler.Run(ctx, notes)
		}()

		addr := server.GetAddr()
		fmt.Printf("%s Shelf daemon started\n", ui.RenderAccent("🚀"))
		fmt.Printf("   Documents: %s\n", c.DocumentsDir())
		if p := c.Provider(); p != nil {
			fmt.Printf("   Cloud: %s\n", p.DocumentsDir())
		}
		fmt.Printf("   Dashboard: http://%s\n", addr)
		fmt.Printf("   WebSocket: ws://%s/ws\n", addr)
		fmt.Println("\nPress Ctrl+C to stop...")

		<-ctx.Done()

		fmt.Println("\nShutting down...")
		if err := server.Stop(); err != nil {
			logger.Warn("dashboard shutdown failed", zap.Error(err))
		}
		<-done
		fmt.Println("Shelf daemon stopped")
		return nil
	},
}

func init() {
	daemonCmd.Flags().IntP("port", "p", 8080, "dashboard port (default from dashboard.port)")

	rootCmd.AddCommand(daemonCmd)
}

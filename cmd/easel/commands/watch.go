package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/easelhq/easel/internal/printer"
)

var watchCanvasID string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream version events as they happen",
	Long: `Subscribe to the instance's version events and print each new version
as it is persisted. Events are at-most-once: a slow terminal may miss
some, use 'easel history' to reconcile.

Examples:
  # Watch everything on the instance
  easel watch --name studio

  # Watch a single canvas
  easel watch --canvas 3f2b8a91-... --name studio`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchCanvasID, "canvas", "", "Only show events for this canvas")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	sub, err := store.SubscribeVersionEvents(ctx)
	if err != nil {
		return err
	}
	defer sub.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	printer.Info("Watching version events (Ctrl-C to stop)...\n")
	for {
		select {
		case <-sigCh:
			printer.Info("\nStopped.\n")
			return nil
		case err, ok := <-sub.Errors():
			if ok && err != nil {
				printer.Warning("event error: %v\n", err)
			}
		case v, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if watchCanvasID != "" && v.CanvasID != watchCanvasID {
				continue
			}
			printer.Event(v)
		}
	}
}

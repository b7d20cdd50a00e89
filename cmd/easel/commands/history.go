package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/easelhq/easel/internal/printer"
	"github.com/easelhq/easel/pkg/canvas"
)

var historyCmd = &cobra.Command{
	Use:   "history CANVAS_ID",
	Short: "Show a canvas's version thread",
	Long: `Show every version of a canvas in creation order, including deleted
tombstones. The selected version is starred.

Examples:
  # Full history of a canvas
  easel history 3f2b8a91-... --name studio`,
	Args: cobra.ExactArgs(1),
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	canvasID := args[0]

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	history, err := store.History(ctx, canvasID)
	if canvas.IsNotFound(err) {
		return printer.Error(
			"canvas not found",
			fmt.Sprintf("No canvas with ID %s exists on this instance.", canvasID),
			[]string{"Check the ID with: easel canvases <conversation-id>"},
		)
	}
	if err != nil {
		return fmt.Errorf("failed to read history: %w", err)
	}

	printer.Printf("Canvas %s (%d versions)\n\n", canvasID, len(history))
	for _, v := range history {
		printer.Println(printer.VersionLine(v))
	}
	return nil
}

package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/easelhq/easel/internal/printer"
)

var canvasesCmd = &cobra.Command{
	Use:   "canvases CONVERSATION_ID",
	Short: "List the canvases of a conversation",
	Long: `List every canvas created within a conversation, with version counts
and the currently selected version.

Examples:
  # List canvases of a conversation
  easel canvases 7d9e1c2a-... --name studio`,
	Args: cobra.ExactArgs(1),
	RunE: runCanvases,
}

func init() {
	rootCmd.AddCommand(canvasesCmd)
}

func runCanvases(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	conversationID := args[0]

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	canvasIDs, err := store.CanvasesForConversation(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("failed to list canvases: %w", err)
	}
	if len(canvasIDs) == 0 {
		printer.Info("No canvases in conversation %s\n", conversationID)
		return nil
	}

	printer.Printf("%-38s %-9s %-9s %s\n", "CANVAS", "VERSIONS", "SELECTED", "PROMPT")
	for _, canvasID := range canvasIDs {
		history, err := store.History(ctx, canvasID)
		if err != nil {
			return fmt.Errorf("failed to read canvas %s: %w", canvasID, err)
		}

		selected := "-"
		prompt := ""
		for _, v := range history {
			if v.Selected {
				selected = fmt.Sprintf("v%d", v.Number)
			}
			prompt = v.Prompt
		}
		if len(prompt) > 50 {
			prompt = prompt[:47] + "..."
		}
		printer.Printf("%-38s %-9d %-9s %s\n", canvasID, len(history), selected, prompt)
	}
	return nil
}

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"tgingest/pkg/config"
	"tgingest/pkg/cursor"
	"tgingest/pkg/ui"
)

var cursorCmd = &cobra.Command{
	Use:   "cursor",
	Short: "Inspect stored resume cursors",
	Long: `A cursor is the highest message id durably written for a channel. The next
run fetches only messages above it.`,
}

var cursorListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the cursor of every channel",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCursorStore(cmd, func(ctx context.Context, store cursor.Store) error {
			cursors, err := store.List(ctx)
			if err != nil {
				return err
			}
			ui.PrintCursors(cmd.OutOrStdout(), cursors)
			return nil
		})
	},
}

var cursorShowCmd = &cobra.Command{
	Use:     "show <channel>",
	Short:   "Show the cursor of one channel",
	Args:    cobra.ExactArgs(1),
	Example: `  tgingest cursor show @pharma_news`,
	RunE: func(cmd *cobra.Command, args []string) error {
		channel := config.NormalizeChannel(args[0])
		if channel == "" {
			return fmt.Errorf("invalid channel %q", args[0])
		}
		return withCursorStore(cmd, func(ctx context.Context, store cursor.Store) error {
			c, err := store.Load(ctx, channel)
			if err != nil {
				return err
			}
			if c == nil {
				ui.PrintInfo("No cursor", channel+" has not been ingested yet")
				return nil
			}
			ui.PrintCursors(cmd.OutOrStdout(), []cursor.Cursor{*c})
			return nil
		})
	},
}

func withCursorStore(cmd *cobra.Command, fn func(ctx context.Context, store cursor.Store) error) error {
	flags := map[string]interface{}{}
	if b, _ := cmd.Flags().GetString("state-backend"); b != "" {
		flags["state-backend"] = b
	}
	a, err := setup(cmd, flags)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	store, err := a.OpenCursorStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(ctx, store)
}

func init() {
	cursorCmd.PersistentFlags().String("state-backend", "", "cursor store: file, sqlite, postgres or dynamodb")
	cursorCmd.AddCommand(cursorListCmd, cursorShowCmd)
	rootCmd.AddCommand(cursorCmd)
}

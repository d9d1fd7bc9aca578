package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var purgeArchiveFirst bool

var purgeCmd = &cobra.Command{
	Use:   "purge <pageId>",
	Short: "Permanently delete an archived page and its subtree",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		service, cleanup, err := openService(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		pageID := args[0]
		if purgeArchiveFirst {
			archived, err := service.ArchivePage(ctx, pageID)
			if err != nil {
				return fmt.Errorf("archive %s: %w", pageID, err)
			}
			logger.Info().Str("page_id", pageID).Int("archived", len(archived)).Msg("archived before purge")
		}

		report, err := service.DeletePage(ctx, pageID)
		if err != nil {
			return fmt.Errorf("purge %s: %w", pageID, err)
		}
		if flagJSON {
			return json.NewEncoder(cmd.OutOrStdout()).Encode(report)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Purged %d pages, %d blocks, %d rows, %d databases\n",
			len(report.PageIDs), report.BlocksDeleted, report.RowsDeleted, report.DatabasesDeleted)
		fmt.Fprintf(cmd.OutOrStdout(), "%d mirrors became placeholders, %d relation cells updated\n", report.Placeholders, report.CellsUpdated)
		for _, prop := range report.DemotedProperties {
			fmt.Fprintf(cmd.OutOrStdout(), "relation %s is now one-way\n", prop)
		}
		return nil
	},
}

func init() {
	purgeCmd.Flags().BoolVar(&purgeArchiveFirst, "archive", false, "archive the page before purging it")
}

package main

import (
	"fmt"
	"strings"

	"github.com/erdodo/notion-sub004/internal/search"
	"github.com/spf13/cobra"
)

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Push every active page and block from PostgreSQL into Meilisearch",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if strings.TrimSpace(cfg.MeiliURL) == "" {
			return fmt.Errorf("MEILI_URL is not configured")
		}
		ctx := cmd.Context()
		db, err := openDatabase(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
		if !meiliClient.Healthy() {
			return fmt.Errorf("meilisearch at %s is unavailable", cfg.MeiliURL)
		}

		service := search.NewService(meiliClient, search.NewPgFTS(db), logger)
		pages, blocks, err := service.ReindexAllFromPG(ctx)
		if err != nil {
			return fmt.Errorf("reindex: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d pages and %d blocks\n", pages, blocks)
		return nil
	},
}

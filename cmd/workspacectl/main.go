// Command workspacectl runs operator tasks against a workspace database:
// migrations, relation index checks, purges, search reindexing and event
// watching.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"

	"github.com/erdodo/notion-sub004/internal/app"
	"github.com/erdodo/notion-sub004/internal/config"
	"github.com/erdodo/notion-sub004/internal/logging"
	"github.com/erdodo/notion-sub004/internal/notify"
	"github.com/erdodo/notion-sub004/internal/search"
	"github.com/erdodo/notion-sub004/internal/store"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// flagJSON switches report output to JSON.
	flagJSON bool

	cfg    config.Config
	logger zerolog.Logger
)

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "workspacectl",
	Short:         "Operator tooling for the workspace engine",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
		logger = logging.New(os.Stderr, cfg.LogLevel)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output as JSON")

	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(relationsCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(reindexCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(tokenCmd)
}

func openDatabase(ctx context.Context) (*sql.DB, error) {
	db, err := store.OpenWithRetry(ctx, cfg.DatabaseURL, cfg.DBAttempts)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// openService wires a service over PostgreSQL. Change events go to Redis when
// it is reachable so subscribers see operator edits.
func openService(ctx context.Context) (*app.Service, func(), error) {
	db, err := openDatabase(ctx)
	if err != nil {
		return nil, nil, err
	}
	deps := app.Deps{Store: store.NewPostgresStore(db), Logger: logger}
	closers := []func(){func() { _ = db.Close() }}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		publisher, err := notify.NewRedisPublisher(cfg.RedisURL, cfg.NotifyChannelPrefix, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, change notifications disabled")
		} else {
			deps.Publisher = publisher
			closers = append(closers, func() { _ = publisher.Close() })
		}
	}
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		deps.Search = search.NewService(meiliClient, search.NewPgFTS(db), logger)
		closers = append(closers, meiliClient.Close)
	}

	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	return app.New(cfg, deps), cleanup, nil
}

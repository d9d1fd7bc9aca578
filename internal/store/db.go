package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sethvargo/go-retry"
)

func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

// OpenWithRetry keeps trying Open with a fibonacci backoff, for containers
// that start before their database is accepting connections.
func OpenWithRetry(ctx context.Context, databaseURL string, attempts uint64) (*sql.DB, error) {
	var db *sql.DB
	backoff := retry.WithMaxRetries(attempts, retry.NewFibonacci(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		opened, err := Open(ctx, databaseURL)
		if err != nil {
			return retry.RetryableError(err)
		}
		db = opened
		return nil
	})
	if err != nil {
		return nil, err
	}
	return db, nil
}

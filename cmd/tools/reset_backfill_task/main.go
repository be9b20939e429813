// Command reset_backfill_task is the operator-facing counterpart to
// the /api/v1/backfill-tasks/{id}/reset HTTP endpoint: a crashed
// worker leaves a task stuck in "running" with no automatic recovery,
// by design, so an operator resets it by hand from the command line.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	taskID := flag.String("task-id", "", "backfill task id to reset")
	flag.Parse()
	if *taskID == "" {
		log.Fatal("missing required -task-id flag")
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	cfg, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		log.Fatalf("unable to parse DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		log.Fatalf("unable to connect to database: %v", err)
	}
	defer pool.Close()

	ctx := context.Background()
	tag, err := pool.Exec(ctx,
		`UPDATE core.conversion_backfill_tasks
		 SET status = 'pending', started_at = NULL, processed_records = 0, error_message = NULL
		 WHERE id = $1 AND status IN ('running', 'failed')`, *taskID)
	if err != nil {
		log.Fatalf("failed to reset backfill task: %v", err)
	}

	if tag.RowsAffected() == 0 {
		fmt.Printf("no running/failed task found with id %s; nothing to reset\n", *taskID)
		return
	}
	fmt.Printf("reset backfill task %s to pending\n", *taskID)
}

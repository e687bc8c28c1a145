// Command migrate applies or inspects the SafeHold Postgres schema.
//
//	migrate [-timeout 2m] up | down | status | version | redo | up-to N | down-to N
//
// DATABASE_URL is read from the environment or a local .env file.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/safehold/safehold/internal/logging"
	"github.com/safehold/safehold/internal/migrate"
)

// commands maps each accepted goose command to the number of extra
// arguments it takes.
var commands = map[string]int{
	"up":      0,
	"down":    0,
	"status":  0,
	"version": 0,
	"redo":    0,
	"up-to":   1,
	"down-to": 1,
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: migrate [-timeout d] up|down|status|version|redo|up-to N|down-to N")
	flag.PrintDefaults()
}

func main() {
	timeout := flag.Duration("timeout", 2*time.Minute, "abort if the command runs longer than this")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}
	command, extra := args[0], args[1:]
	if want, ok := commands[command]; !ok || len(extra) != want {
		usage()
		os.Exit(2)
	}

	_ = godotenv.Load()
	logger := logging.New(os.Getenv("LOG_LEVEL"), "text")
	migrate.SetLogger(logger)

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, dsn, command, extra); err != nil {
		logger.Error("migration failed", "command", command, "error", err)
		os.Exit(1)
	}
	logger.Info("migration complete", "command", command)
}

func run(ctx context.Context, dsn, command string, extra []string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return migrate.Run(ctx, db, command, extra...)
}

// Package migrate applies the embedded goose migrations. The server runs
// it at startup when AUTO_MIGRATE is set; cmd/migrate exposes the full
// goose command set.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/pressly/goose/v3"

	"github.com/safehold/safehold/migrations"
)

// goose keeps its base FS, dialect and logger in package globals.
var (
	setup  sync.Once
	logger goose.Logger = goose.NopLogger()
)

// SetLogger routes goose output (status tables, applied versions) to l.
// It must be called before the first Run.
func SetLogger(l *slog.Logger) {
	logger = slogAdapter{l}
}

type slogAdapter struct{ l *slog.Logger }

func (a slogAdapter) Printf(format string, v ...interface{}) {
	a.l.Info(fmt.Sprintf(format, v...))
}

func (a slogAdapter) Fatalf(format string, v ...interface{}) {
	a.l.Error(fmt.Sprintf(format, v...))
	os.Exit(1)
}

func configure() error {
	var err error
	setup.Do(func() {
		goose.SetBaseFS(migrations.FS)
		goose.SetLogger(logger)
		err = goose.SetDialect("postgres")
	})
	return err
}

// Up applies all pending migrations.
func Up(ctx context.Context, db *sql.DB) error {
	return Run(ctx, db, "up")
}

// Run executes a goose command (up, down, status, version, redo, ...).
func Run(ctx context.Context, db *sql.DB, command string, args ...string) error {
	if err := configure(); err != nil {
		return fmt.Errorf("configure goose: %w", err)
	}
	if err := goose.RunContext(ctx, command, db, ".", args...); err != nil {
		return fmt.Errorf("goose %s: %w", command, err)
	}
	return nil
}

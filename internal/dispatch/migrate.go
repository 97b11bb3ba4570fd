package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/msageha/heimdall/internal/config"
	"github.com/msageha/heimdall/internal/model"
)

const pingTimeout = 5 * time.Second

// ErrNoDatabaseURL is returned when run_migration has nowhere to connect.
var ErrNoDatabaseURL = errors.New("database url not configured")

// runMigration executes a migration document in one transaction. Nothing is
// read or executed in dry-run.
func (d *Dispatcher) runMigration(ctx context.Context, t *model.MigrationTask) (Outcome, error) {
	if d.cfg.DryRun {
		d.logger.Info("dry run: migration skipped", zap.String("file", t.File))
		return Outcome{Skipped: ErrDryRun}, nil
	}
	script, err := os.ReadFile(t.File)
	if err != nil {
		return Outcome{}, fmt.Errorf("read migration: %w", err)
	}

	dsn := config.DatabaseURL(d.cfg.Database)
	if dsn == "" {
		return Outcome{}, ErrNoDatabaseURL
	}
	db, err := sql.Open(driverName(d.cfg.Database.Driver), dsn)
	if err != nil {
		return Outcome{}, fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return Outcome{}, fmt.Errorf("ping database: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return Outcome{}, fmt.Errorf("begin migration: %w", err)
	}
	if _, err := tx.ExecContext(ctx, string(script)); err != nil {
		_ = tx.Rollback()
		return Outcome{}, fmt.Errorf("apply %s: %w", t.File, err)
	}
	if err := tx.Commit(); err != nil {
		return Outcome{}, fmt.Errorf("commit migration: %w", err)
	}
	d.logger.Info("migration applied", zap.String("file", t.File), zap.Int("bytes", len(script)))
	return Outcome{}, nil
}

// driverName maps the configured driver onto a registered database/sql driver.
func driverName(driver string) string {
	if driver == "sqlite" {
		return "sqlite"
	}
	return "pgx"
}

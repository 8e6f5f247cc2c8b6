// Package migrate applies embedded SQL migrations on startup.
package migrate

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/and161185/lexsync/migrations"
)

// zapLogger adapts zap to goose's logger.
type zapLogger struct{ s *zap.SugaredLogger }

func (l zapLogger) Printf(format string, v ...any) { l.s.Infof(format, v...) }
func (l zapLogger) Fatalf(format string, v ...any) { l.s.Fatalf(format, v...) }

func prepare(log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(zapLogger{s: log.Sugar()})
	return goose.SetDialect("postgres")
}

// Up runs all pending migrations from the embedded filesystem.
func Up(ctx context.Context, dsn string, log *zap.Logger) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := prepare(log); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// Version reports the applied schema version.
func Version(ctx context.Context, dsn string) (int64, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	if err := prepare(nil); err != nil {
		return 0, err
	}
	return goose.GetDBVersionContext(ctx, db)
}

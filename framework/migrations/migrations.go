// Package migrations применяет встроенные SQL миграции схемы через goose.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed sql/*.sql
var embedded embed.FS

// Dir каталог миграций внутри встроенной файловой системы
const Dir = "sql"

// MigrationStatus представляет статус миграции
type MigrationStatus struct {
	Version   int64      `json:"version" yaml:"version"`
	Name      string     `json:"name" yaml:"name"`
	AppliedAt *time.Time `json:"applied_at,omitempty" yaml:"applied_at,omitempty"`
	Status    string     `json:"status" yaml:"status"` // "pending", "applied"
}

// gooseMu goose хранит диалект и файловую систему в глобальном состоянии
var gooseMu sync.Mutex

// Open открывает *sql.DB поверх драйвера pgx
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database ping: %w", err)
	}
	return db, nil
}

// Migrator применяет встроенные миграции к PostgreSQL
type Migrator struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewMigrator создает Migrator
func NewMigrator(db *sql.DB, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{db: db, logger: logger.With("component", "migrations")}
}

func (m *Migrator) with(fn func() error) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()
	goose.SetBaseFS(embedded)
	goose.SetLogger(gooseLogger{m.logger})
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set dialect: %w", err)
	}
	return fn()
}

// Up применяет все pending миграции
func (m *Migrator) Up(ctx context.Context) error {
	return m.with(func() error {
		if err := goose.UpContext(ctx, m.db, Dir); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		return nil
	})
}

// UpBy применяет не более steps pending миграций
func (m *Migrator) UpBy(ctx context.Context, steps int64) error {
	if steps <= 0 {
		return m.Up(ctx)
	}
	return m.with(func() error {
		current, err := goose.GetDBVersionContext(ctx, m.db)
		if err != nil {
			current = 0
		}
		all, err := goose.CollectMigrations(Dir, 0, goose.MaxVersion)
		if err != nil {
			return fmt.Errorf("failed to collect migrations: %w", err)
		}

		var pending []*goose.Migration
		for _, mig := range all {
			if mig.Version > current {
				pending = append(pending, mig)
			}
		}
		if len(pending) == 0 {
			return nil
		}

		target := pending[len(pending)-1].Version
		if int64(len(pending)) > steps {
			target = pending[steps-1].Version
		}
		if err := goose.UpToContext(ctx, m.db, Dir, target); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		return nil
	})
}

// Down откатывает steps последних миграций
func (m *Migrator) Down(ctx context.Context, steps int64) error {
	if steps <= 0 {
		steps = 1
	}
	return m.with(func() error {
		current, err := goose.GetDBVersionContext(ctx, m.db)
		if err != nil {
			return fmt.Errorf("failed to get current version: %w", err)
		}
		all, err := goose.CollectMigrations(Dir, 0, goose.MaxVersion)
		if err != nil {
			return fmt.Errorf("failed to collect migrations: %w", err)
		}

		var applied []int64
		for _, mig := range all {
			if mig.Version <= current {
				applied = append(applied, mig.Version)
			}
		}
		target := int64(0)
		if idx := len(applied) - 1 - int(steps); idx >= 0 {
			target = applied[idx]
		}
		if err := goose.DownToContext(ctx, m.db, Dir, target); err != nil {
			return fmt.Errorf("failed to rollback migrations: %w", err)
		}
		return nil
	})
}

// Status возвращает статус всех встроенных миграций
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	var statuses []MigrationStatus
	err := m.with(func() error {
		all, err := goose.CollectMigrations(Dir, 0, goose.MaxVersion)
		if err != nil {
			return fmt.Errorf("failed to collect migrations: %w", err)
		}
		current, err := goose.GetDBVersionContext(ctx, m.db)
		if err != nil {
			current = 0
		}

		for _, mig := range all {
			status := MigrationStatus{Version: mig.Version, Name: mig.Source, Status: "pending"}
			if mig.Version <= current {
				var appliedAt time.Time
				err := m.db.QueryRowContext(ctx,
					"SELECT tstamp FROM goose_db_version WHERE version_id = $1 AND is_applied = true ORDER BY tstamp DESC LIMIT 1",
					mig.Version,
				).Scan(&appliedAt)
				if err == nil {
					status.AppliedAt = &appliedAt
					status.Status = "applied"
				}
			}
			statuses = append(statuses, status)
		}
		return nil
	})
	return statuses, err
}

// Version возвращает текущую версию схемы
func (m *Migrator) Version(ctx context.Context) (int64, error) {
	var version int64
	err := m.with(func() error {
		v, err := goose.GetDBVersionContext(ctx, m.db)
		if err != nil {
			return fmt.Errorf("failed to get current version: %w", err)
		}
		version = v
		return nil
	})
	return version, err
}

// Available возвращает версии встроенных миграций по возрастанию
func Available() ([]int64, error) {
	gooseMu.Lock()
	defer gooseMu.Unlock()
	goose.SetBaseFS(embedded)
	all, err := goose.CollectMigrations(Dir, 0, goose.MaxVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to collect migrations: %w", err)
	}
	versions := make([]int64, 0, len(all))
	for _, mig := range all {
		versions = append(versions, mig.Version)
	}
	return versions, nil
}

// gooseLogger направляет вывод goose в slog
type gooseLogger struct {
	logger *slog.Logger
}

func (l gooseLogger) Printf(format string, v ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, v...))
}

func (l gooseLogger) Fatalf(format string, v ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, v...))
}

// Package migration creates the core tables on startup so the service is
// usable out of the box for local and self-hosted environments. Postgres
// deployments run versioned SQL migrations; other dialects fall back to the
// ORM's auto-migration, which is what the test suite uses with sqlite.
package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	aggdomain "github.com/smallbiznis/meterflow/internal/aggregation/domain"
	apikeydomain "github.com/smallbiznis/meterflow/internal/apikey/domain"
	backfilldomain "github.com/smallbiznis/meterflow/internal/backfill/domain"
	billingdomain "github.com/smallbiznis/meterflow/internal/billing/domain"
	mappingdomain "github.com/smallbiznis/meterflow/internal/mapping/domain"
	recondomain "github.com/smallbiznis/meterflow/internal/reconcile/domain"
	usagedomain "github.com/smallbiznis/meterflow/internal/usage/domain"
	"gorm.io/gorm"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

const migrationsDir = "migrations"

func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	return nil
}

// AutoMigrate creates the schema through gorm. Used for sqlite and mysql,
// where the versioned postgres migrations do not apply.
func AutoMigrate(conn *gorm.DB) error {
	return conn.AutoMigrate(
		&usagedomain.UsageEvent{},
		&aggdomain.Counter{},
		&mappingdomain.PriceMapping{},
		&billingdomain.PushRecord{},
		&recondomain.ReconciliationReport{},
		&backfilldomain.Operation{},
		&apikeydomain.APIKey{},
	)
}

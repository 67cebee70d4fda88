package sqlite

import (
	"database/sql"
	"fmt"

	"github.com/beadscore/beads/internal/enginelog"
)

// runMigrations applies idempotent, check-then-apply migrations in order,
// following the teacher's style: each function checks the schema for its
// target shape and no-ops if already present.
func runMigrations(db *sql.DB, log *enginelog.Logger) error {
	steps := []struct {
		name string
		fn   func(*sql.DB) error
	}{
		{"config_defaults", migrateConfigDefaults},
		{"orphan_dependency_cleanup", migrateOrphanDependencyCleanup},
	}

	for _, step := range steps {
		if err := step.fn(db); err != nil {
			return fmt.Errorf("migration %q: %w", step.name, err)
		}
		log.Infof("migration %q applied (idempotent)", step.name)
	}
	return nil
}

// migrateConfigDefaults seeds adaptive-ID and hierarchy-depth defaults the
// first time a database is opened, matching spec defaults exactly
// (min_hash_length=3, max_hash_length=8, max_collision_prob=0.25,
// max_hierarchy_depth=3). INSERT OR IGNORE makes this idempotent.
func migrateConfigDefaults(db *sql.DB) error {
	_, err := db.Exec(`
		INSERT OR IGNORE INTO config (key, value) VALUES
			('min_hash_length', '3'),
			('max_hash_length', '8'),
			('max_collision_prob', '0.25'),
			('max_hierarchy_depth', '3')
	`)
	if err != nil {
		return fmt.Errorf("seed config defaults: %w", err)
	}
	return nil
}

// migrateOrphanDependencyCleanup removes dependency rows whose issue_id no
// longer exists (orphaned by a direct delete that bypassed cascade), per
// §4.2. The removed rows are not logged; runMigrations logs only that the
// step ran.
func migrateOrphanDependencyCleanup(db *sql.DB) error {
	var count int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM dependencies
		WHERE issue_id NOT IN (SELECT id FROM issues)
	`).Scan(&count)
	if err != nil {
		return fmt.Errorf("count orphaned dependencies: %w", err)
	}
	if count == 0 {
		return nil
	}
	_, err = db.Exec(`DELETE FROM dependencies WHERE issue_id NOT IN (SELECT id FROM issues)`)
	if err != nil {
		return fmt.Errorf("delete orphaned dependencies: %w", err)
	}
	return nil
}

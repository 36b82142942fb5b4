package sqlite

import (
	"database/sql"
	"fmt"
)

// Schema version tracking (PRAGMA user_version):
// 0 - initial layout from schema.sql
// 1 - sync bookkeeping: stocks.dirty, pending_deletes, history_outbox
const currentSchemaVersion = 1

// applySchema creates the base tables if they don't exist and runs the
// migrations the file has not seen yet. It is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	if err := runMigrations(db); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// runMigrations applies incremental migrations based on user_version. Each
// step commits together with its version bump.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	steps := []func(tx *sql.Tx) error{
		migrateToV1,
	}
	for v := version; v < currentSchemaVersion; v++ {
		if err := migrateStep(db, v+1, steps[v]); err != nil {
			return err
		}
	}
	return nil
}

func migrateStep(db *sql.DB, target int, step func(tx *sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("migrate to v%d: begin: %w", target, err)
	}
	defer tx.Rollback()

	if err := step(tx); err != nil {
		return fmt.Errorf("migrate to v%d: %w", target, err)
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", target)); err != nil {
		return fmt.Errorf("migrate to v%d: set user_version: %w", target, err)
	}
	return tx.Commit()
}

// migrateToV1 adds the bookkeeping that lets offline work survive restarts:
// a dirty counter on stocks, persisted remote deletes, and an outbox of
// history entries not yet stored remotely. The outbox has no foreign key so
// entries outlive the stock they describe. Existing entries are queued; the
// remote duplicate check makes replaying already stored ones harmless.
func migrateToV1(tx *sql.Tx) error {
	_, err := tx.Exec(`
		ALTER TABLE stocks ADD COLUMN dirty INTEGER NOT NULL DEFAULT 0;

		CREATE TABLE IF NOT EXISTS pending_deletes (
		    remote_id  TEXT    PRIMARY KEY,
		    local_id   INTEGER NOT NULL,
		    deleted_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS history_outbox (
		    id               TEXT    PRIMARY KEY,
		    stock_id         INTEGER NOT NULL,
		    timestamp        INTEGER NOT NULL,
		    old_quantity     INTEGER NOT NULL,
		    new_quantity     INTEGER NOT NULL,
		    old_price        REAL    NOT NULL,
		    new_price        REAL    NOT NULL,
		    action           TEXT    NOT NULL,
		    invoice_ref      INTEGER,
		    regular_quantity INTEGER NOT NULL DEFAULT 0,
		    free_quantity    INTEGER NOT NULL DEFAULT 0,
		    description      TEXT    NOT NULL DEFAULT ''
		);

		INSERT OR IGNORE INTO history_outbox (` + historyColumns + `)
		SELECT ` + historyColumns + ` FROM stock_history;
	`)
	return err
}

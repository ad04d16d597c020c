package history

import (
	"strings"

	"github.com/BurntSushi/migration"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
)

// Migrations for the history DB. Postgres and Sqlite differ only in the primary key type.
func Migrations(log logs.Log, driver string) []migration.Migrator {
	migs := []migration.Migrator{}
	idx := 0

	pk := "INTEGER PRIMARY KEY"
	if driver == dbh.DriverPostgres {
		pk = "BIGSERIAL PRIMARY KEY"
	}

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx, strings.ReplaceAll(
		`
		CREATE TABLE record(
			id $PK,
			user_id TEXT NOT NULL,
			pipe_count INT NOT NULL,
			image_width INT NOT NULL,
			image_height INT NOT NULL,
			created_at BIGINT NOT NULL,
			detections TEXT
		);
		CREATE INDEX idx_record_user_id_created_at ON record(user_id, created_at);
	`, "$PK", pk)))

	return migs
}

package configdb

import (
	"github.com/BurntSushi/migration"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
)

func Migrations(log logs.Log) []migration.Migrator {
	migs := []migration.Migrator{}
	idx := 0

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE TABLE stream(
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			source_url TEXT NOT NULL,
			enabled INT NOT NULL DEFAULT 1,
			segment_duration_seconds INT NOT NULL DEFAULT 900,
			record_audio INT NOT NULL DEFAULT 0,
			detection_interval INT NOT NULL DEFAULT 1,
			detection_threshold REAL NOT NULL DEFAULT 0.5,
			pre_buffer_seconds INT NOT NULL DEFAULT 10,
			post_buffer_seconds INT NOT NULL DEFAULT 30,
			snapshot_url TEXT,
			detector_url TEXT
		);
		CREATE UNIQUE INDEX idx_stream_name ON stream (name);

		CREATE TABLE variable(
			key TEXT PRIMARY KEY,
			value TEXT
		);

	`))

	return migs
}

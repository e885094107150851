package recdb

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
		CREATE TABLE recording(
			id INTEGER PRIMARY KEY,
			stream TEXT NOT NULL,
			path TEXT NOT NULL,
			start_time INT NOT NULL,
			end_time INT,
			size_bytes INT NOT NULL DEFAULT 0,
			complete INT NOT NULL DEFAULT 0
		);
		CREATE INDEX idx_recording_stream_start ON recording (stream, start_time);

		CREATE TABLE detection(
			id INTEGER PRIMARY KEY,
			recording_id INT NOT NULL,
			time INT NOT NULL,
			label TEXT NOT NULL,
			confidence REAL NOT NULL,
			x REAL NOT NULL,
			y REAL NOT NULL,
			width REAL NOT NULL,
			height REAL NOT NULL
		);
		CREATE INDEX idx_detection_recording ON detection (recording_id);

	`))

	return migs
}

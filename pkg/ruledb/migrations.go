package ruledb

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
		CREATE TABLE rule(
			id INTEGER PRIMARY KEY,
			rule_id TEXT NOT NULL,
			precondition TEXT NOT NULL,
			postcondition TEXT NOT NULL,
			source TEXT NOT NULL,
			status TEXT NOT NULL,
			confidence REAL NOT NULL,
			created_at INT NOT NULL,
			updated_at INT NOT NULL
		);
		CREATE UNIQUE INDEX idx_rule_rule_id ON rule (rule_id);
		CREATE INDEX idx_rule_status ON rule (status);

		CREATE TABLE judgment(
			id INTEGER PRIMARY KEY,
			event TEXT NOT NULL,
			rule_id TEXT NOT NULL,
			tracks TEXT NOT NULL,
			frame_start INT NOT NULL,
			frame_end INT NOT NULL,
			confidence REAL NOT NULL,
			created_at INT NOT NULL
		);
		CREATE INDEX idx_judgment_event ON judgment (event);

	`))

	return migs
}

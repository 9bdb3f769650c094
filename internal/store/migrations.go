package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS outcomes (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL,
	message_id  TEXT NOT NULL,
	sender      TEXT NOT NULL,
	subject     TEXT NOT NULL DEFAULT '',
	category    TEXT NOT NULL DEFAULT '',
	kind        TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	reply_id    TEXT NOT NULL DEFAULT '',
	recorded_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_outcomes_message ON outcomes(message_id, kind);
CREATE INDEX IF NOT EXISTS idx_outcomes_sender ON outcomes(sender);
CREATE INDEX IF NOT EXISTS idx_outcomes_run ON outcomes(run_id);
CREATE INDEX IF NOT EXISTS idx_outcomes_recorded ON outcomes(recorded_at);

CREATE TRIGGER IF NOT EXISTS outcomes_no_update
BEFORE UPDATE ON outcomes
BEGIN
	SELECT RAISE(ABORT, 'outcomes are append-only');
END;

CREATE TRIGGER IF NOT EXISTS outcomes_no_delete
BEFORE DELETE ON outcomes
BEGIN
	SELECT RAISE(ABORT, 'outcomes are append-only');
END;

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS runs (
	id               TEXT PRIMARY KEY,
	trigger_kind     TEXT NOT NULL,
	started_at       TEXT NOT NULL,
	finished_at      TEXT NOT NULL,
	messages_fetched INTEGER NOT NULL DEFAULT 0,
	outcomes_by_kind TEXT NOT NULL DEFAULT '{}',
	quiet_hours      INTEGER NOT NULL DEFAULT 0,
	canceled         INTEGER NOT NULL DEFAULT 0,
	error            TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}

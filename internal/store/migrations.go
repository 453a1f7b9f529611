package store

// migration holds one schema step and the version it brings the database to.
type migration struct {
	version int
	sql     []string
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var sqliteMigrations = []migration{
	{
		version: 1,
		sql: []string{
			`CREATE TABLE IF NOT EXISTS reports (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	domain             TEXT NOT NULL,
	begin_time         DATETIME NOT NULL,
	end_time           DATETIME NOT NULL,
	loaded_time        DATETIME NOT NULL,
	org                TEXT NOT NULL,
	external_id        TEXT NOT NULL,
	email              TEXT NOT NULL DEFAULT '',
	extra_contact_info TEXT NOT NULL DEFAULT '',
	error              TEXT NOT NULL DEFAULT '',
	policy_adkim       TEXT NOT NULL DEFAULT '',
	policy_aspf        TEXT NOT NULL DEFAULT '',
	policy_p           TEXT NOT NULL DEFAULT '',
	policy_sp          TEXT NOT NULL DEFAULT '',
	policy_pct         TEXT NOT NULL DEFAULT '',
	policy_fo          TEXT NOT NULL DEFAULT '',
	origin             TEXT NOT NULL DEFAULT '',
	source             TEXT NOT NULL DEFAULT '',
	filename           TEXT NOT NULL DEFAULT '',
	UNIQUE (org, external_id)
)`,
			`CREATE TABLE IF NOT EXISTS report_records (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	report_id     INTEGER NOT NULL REFERENCES reports(id) ON DELETE CASCADE,
	ip            TEXT NOT NULL,
	rcount        INTEGER NOT NULL,
	disposition   TEXT NOT NULL DEFAULT '',
	reason        TEXT NOT NULL DEFAULT '[]',
	dkim_auth     TEXT NOT NULL DEFAULT '[]',
	spf_auth      TEXT NOT NULL DEFAULT '[]',
	dkim_align    TEXT NOT NULL DEFAULT '',
	spf_align     TEXT NOT NULL DEFAULT '',
	envelope_to   TEXT NOT NULL DEFAULT '',
	envelope_from TEXT NOT NULL DEFAULT '',
	header_from   TEXT NOT NULL DEFAULT ''
)`,
			`CREATE TABLE IF NOT EXISTS report_log (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	domain      TEXT NOT NULL DEFAULT '',
	external_id TEXT NOT NULL DEFAULT '',
	event_time  DATETIME NOT NULL,
	filename    TEXT NOT NULL DEFAULT '',
	origin      TEXT NOT NULL,
	source      TEXT NOT NULL DEFAULT '',
	success     INTEGER NOT NULL,
	message     TEXT NOT NULL DEFAULT '',
	run_id      TEXT NOT NULL DEFAULT ''
)`,
			`CREATE INDEX IF NOT EXISTS idx_report_records_report_id ON report_records(report_id)`,
			`CREATE INDEX IF NOT EXISTS idx_report_log_event_time ON report_log(event_time)`,
		},
	},
}

var postgresMigrations = []migration{
	{
		version: 1,
		sql: []string{
			`CREATE TABLE IF NOT EXISTS reports (
	id                 BIGSERIAL PRIMARY KEY,
	domain             TEXT NOT NULL,
	begin_time         TIMESTAMPTZ NOT NULL,
	end_time           TIMESTAMPTZ NOT NULL,
	loaded_time        TIMESTAMPTZ NOT NULL,
	org                TEXT NOT NULL,
	external_id        TEXT NOT NULL,
	email              TEXT NOT NULL DEFAULT '',
	extra_contact_info TEXT NOT NULL DEFAULT '',
	error              TEXT NOT NULL DEFAULT '',
	policy_adkim       TEXT NOT NULL DEFAULT '',
	policy_aspf        TEXT NOT NULL DEFAULT '',
	policy_p           TEXT NOT NULL DEFAULT '',
	policy_sp          TEXT NOT NULL DEFAULT '',
	policy_pct         TEXT NOT NULL DEFAULT '',
	policy_fo          TEXT NOT NULL DEFAULT '',
	origin             TEXT NOT NULL DEFAULT '',
	source             TEXT NOT NULL DEFAULT '',
	filename           TEXT NOT NULL DEFAULT '',
	UNIQUE (org, external_id)
)`,
			`CREATE TABLE IF NOT EXISTS report_records (
	id            BIGSERIAL PRIMARY KEY,
	report_id     BIGINT NOT NULL REFERENCES reports(id) ON DELETE CASCADE,
	ip            TEXT NOT NULL,
	rcount        INTEGER NOT NULL,
	disposition   TEXT NOT NULL DEFAULT '',
	reason        TEXT NOT NULL DEFAULT '[]',
	dkim_auth     TEXT NOT NULL DEFAULT '[]',
	spf_auth      TEXT NOT NULL DEFAULT '[]',
	dkim_align    TEXT NOT NULL DEFAULT '',
	spf_align     TEXT NOT NULL DEFAULT '',
	envelope_to   TEXT NOT NULL DEFAULT '',
	envelope_from TEXT NOT NULL DEFAULT '',
	header_from   TEXT NOT NULL DEFAULT ''
)`,
			`CREATE TABLE IF NOT EXISTS report_log (
	id          BIGSERIAL PRIMARY KEY,
	domain      TEXT NOT NULL DEFAULT '',
	external_id TEXT NOT NULL DEFAULT '',
	event_time  TIMESTAMPTZ NOT NULL,
	filename    TEXT NOT NULL DEFAULT '',
	origin      TEXT NOT NULL,
	source      TEXT NOT NULL DEFAULT '',
	success     INTEGER NOT NULL,
	message     TEXT NOT NULL DEFAULT '',
	run_id      TEXT NOT NULL DEFAULT ''
)`,
			`CREATE INDEX IF NOT EXISTS idx_report_records_report_id ON report_records(report_id)`,
			`CREATE INDEX IF NOT EXISTS idx_report_log_event_time ON report_log(event_time)`,
		},
	},
}

func migrationsFor(driver string) []migration {
	if driver == DriverPostgres {
		return postgresMigrations
	}
	return sqliteMigrations
}

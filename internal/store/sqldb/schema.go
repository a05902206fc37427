package sqldb

import (
	"strconv"
	"strings"
)

// Dialect selects SQL flavour differences between the supported backends.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

func (d Dialect) String() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite"
}

func (d Dialect) replacer() *strings.Replacer {
	if d == Postgres {
		return strings.NewReplacer(
			"{{pk}}", "BIGSERIAL PRIMARY KEY",
			"{{ref}}", "BIGINT",
			"{{ts}}", "TIMESTAMPTZ",
			"{{real}}", "DOUBLE PRECISION",
			"{{true}}", "TRUE",
			"{{false}}", "FALSE",
		)
	}
	return strings.NewReplacer(
		"{{pk}}", "INTEGER PRIMARY KEY AUTOINCREMENT",
		"{{ref}}", "INTEGER",
		"{{ts}}", "TIMESTAMP",
		"{{real}}", "REAL",
		"{{true}}", "1",
		"{{false}}", "0",
	)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS services(
		id {{pk}},
		name TEXT NOT NULL UNIQUE,
		command TEXT NOT NULL,
		working_dir TEXT NOT NULL DEFAULT '',
		port INTEGER NOT NULL DEFAULT 0,
		enabled BOOLEAN NOT NULL DEFAULT {{true}},
		expose_caddy BOOLEAN NOT NULL DEFAULT {{false}},
		caddy_subdomain TEXT NOT NULL DEFAULT '',
		caddy_path TEXT NOT NULL DEFAULT '',
		watch_dirs TEXT NOT NULL DEFAULT '[]',
		created_at {{ts}} NOT NULL,
		updated_at {{ts}} NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS cron_jobs(
		id {{pk}},
		name TEXT NOT NULL UNIQUE,
		command TEXT NOT NULL,
		schedule TEXT NOT NULL,
		working_dir TEXT NOT NULL DEFAULT '',
		enabled BOOLEAN NOT NULL DEFAULT {{true}},
		timeout INTEGER NOT NULL DEFAULT 300,
		watch_dirs TEXT NOT NULL DEFAULT '[]',
		env_vars TEXT NOT NULL DEFAULT '{}',
		env_file TEXT NOT NULL DEFAULT '',
		last_run {{ts}} NULL,
		next_run {{ts}} NULL,
		created_at {{ts}} NOT NULL,
		updated_at {{ts}} NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS cron_executions(
		id {{pk}},
		cron_job_id {{ref}} NOT NULL REFERENCES cron_jobs(id) ON DELETE CASCADE,
		state TEXT NOT NULL,
		started_at {{ts}} NOT NULL,
		finished_at {{ts}} NULL,
		exit_code INTEGER NULL,
		stdout TEXT NOT NULL DEFAULT '',
		stderr TEXT NOT NULL DEFAULT '',
		success BOOLEAN NOT NULL DEFAULT {{false}},
		duration_seconds {{real}} NOT NULL DEFAULT 0,
		cpu_percent {{real}} NULL,
		memory_mb {{real}} NULL,
		fix_attempted BOOLEAN NOT NULL DEFAULT {{false}},
		fix_success BOOLEAN NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_cron_executions_job ON cron_executions(cron_job_id, started_at);`,
	`CREATE TABLE IF NOT EXISTS log_entries(
		id {{pk}},
		service_id {{ref}} NOT NULL REFERENCES services(id) ON DELETE CASCADE,
		level TEXT NOT NULL,
		message TEXT NOT NULL,
		ts {{ts}} NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_log_entries_service ON log_entries(service_id, ts);`,
	`CREATE TABLE IF NOT EXISTS metrics(
		id {{pk}},
		service_id {{ref}} NOT NULL REFERENCES services(id) ON DELETE CASCADE,
		cpu_percent {{real}} NOT NULL,
		memory_mb {{real}} NOT NULL,
		disk_mb {{real}} NULL,
		ts {{ts}} NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_metrics_service ON metrics(service_id, ts);`,
	`CREATE TABLE IF NOT EXISTS fix_attempts(
		id {{pk}},
		service_id {{ref}} NOT NULL REFERENCES services(id) ON DELETE CASCADE,
		error_summary TEXT NOT NULL,
		agent_response TEXT NOT NULL DEFAULT '',
		success BOOLEAN NOT NULL,
		files_modified TEXT NOT NULL DEFAULT '[]',
		backup_path TEXT NOT NULL DEFAULT '',
		restored BOOLEAN NOT NULL DEFAULT {{false}},
		ts {{ts}} NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_fix_attempts_service ON fix_attempts(service_id, ts);`,
}

func (d Dialect) schema() []string {
	r := d.replacer()
	out := make([]string, len(schema))
	for i, s := range schema {
		out[i] = r.Replace(s)
	}
	return out
}

// rebind rewrites '?' placeholders to $n for Postgres.
func (d Dialect) rebind(q string) string {
	if d != Postgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

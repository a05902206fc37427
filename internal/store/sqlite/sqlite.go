package sqlite

import (
	"database/sql"
	"errors"
	"net/url"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/philiporange/supervisor/internal/store/sqldb"
)

// New opens a SQLite database at path (modernc.org/sqlite driver, CGO-free).
// Use ":memory:" for a private in-memory database. Every connection enables
// foreign keys (for cascading deletes), WAL journaling and a busy timeout.
func New(path string) (*sqldb.DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	memory := p == ":memory:"
	d, err := sql.Open("sqlite", dsn(p))
	if err != nil {
		return nil, err
	}
	if memory {
		// each connection would otherwise see its own empty database
		d.SetMaxOpenConns(1)
	}
	return sqldb.New(d, sqldb.SQLite), nil
}

func dsn(p string) string {
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	if p != ":memory:" {
		q.Add("_pragma", "journal_mode(WAL)")
	}
	q.Set("_time_format", "sqlite")
	return "file:" + p + "?" + q.Encode()
}

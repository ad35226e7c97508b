package core

import (
	"database/sql"
	"net/url"
	"os"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

type SQLiteDBOption struct {
	// Mode can be ro | rw | rwc | memory
	Mode string
	// Cache can be shared | private
	Cache string
	// JournalMode can be DELETE | TRUNCATE | PERSIST | MEMORY | WAL | OFF
	JournalMode string
}

func (o *SQLiteDBOption) query() string {
	if o == nil {
		return ""
	}
	values := url.Values{}
	if o.Mode != "" {
		values.Set("mode", o.Mode)
	}
	if o.Cache != "" {
		values.Set("cache", o.Cache)
	}
	if o.JournalMode != "" {
		values.Set("journal_mode", o.JournalMode)
	}
	if len(values) == 0 {
		return ""
	}
	return "?" + values.Encode()
}

type SQLiteDB struct {
	*sql.DB
	file         string
	migrationDir string
}

func NewSQLiteDB(file, migrationDir string, options *SQLiteDBOption) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite3", "file:"+file+options.query())
	if err != nil {
		return nil, err
	}
	return &SQLiteDB{DB: db, file: file, migrationDir: migrationDir}, nil
}

func (db *SQLiteDB) Migrate() error {
	goose.SetBaseFS(os.DirFS(db.migrationDir))

	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}

	if err := goose.Up(db.DB, "."); err != nil {
		return err
	}
	return nil
}

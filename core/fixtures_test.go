package core

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/pressly/goose/v3"
)

type StoreFixture struct {
	ctx      context.Context
	db       *sql.DB
	store    *SQLiteStore
	blobs    *SQLiteBlobStore
	tasks    *TaskRunner
	auth     *Auth
	t        *testing.T
	tearDown func()
}

func NewStoreFixture(t *testing.T) *StoreFixture {

	ctx, cancel := context.WithCancel(context.Background())

	// one named in-memory database per test so fixtures do not leak into
	// each other
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)

	migrationfs := os.DirFS("../migrations")
	goose.SetBaseFS(migrationfs)

	if err := goose.SetDialect("sqlite3"); err != nil {
		t.Fatal(err)
	}

	if err := goose.Up(db, "."); err != nil {
		t.Fatal(err)
	}

	logger := discardLogger()
	store := NewSQLiteStore(db, logger)
	blobs := NewSQLiteBlobStore(db, "/api/blobs")
	tasks := NewTaskRunner(logger, 16)
	auth := NewAuth(store, blobs, tasks, logger, []byte("secret"))

	return &StoreFixture{
		ctx:   ctx,
		db:    db,
		store: store,
		blobs: blobs,
		tasks: tasks,
		auth:  auth,
		t:     t,
		tearDown: func() {
			cancel()
			tasks.Close(context.Background())
			db.Close()
		},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

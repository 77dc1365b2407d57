package migrate

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
)

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"sql/0001_first.up.sql":    {Data: []byte("create table a (id text);")},
		"sql/0001_first.down.sql":  {Data: []byte("drop table a;")},
		"sql/0002_second.up.sql":   {Data: []byte("create table b (id text);")},
		"sql/0002_second.down.sql": {Data: []byte("drop table b;")},
	}
}

func TestUpAppliesPendingInOrder(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mgr := NewManager(db, WithFS(testFS()))

	mock.ExpectExec("create table if not exists schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("sql/0001_first.up.sql"))

	// Only the second migration is pending.
	mock.ExpectBegin()
	mock.ExpectExec("create table b").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec("insert into schema_migrations").
		WithArgs("sql/0002_second.up.sql", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := mgr.Up(context.Background()); err != nil {
		t.Fatalf("up: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDownRollsBackLatest(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mgr := NewManager(db, WithFS(testFS()))

	mock.ExpectExec("create table if not exists schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations order by applied_at").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).
			AddRow("sql/0001_first.up.sql").
			AddRow("sql/0002_second.up.sql"))

	mock.ExpectBegin()
	mock.ExpectExec("drop table b").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec("delete from schema_migrations").
		WithArgs("sql/0002_second.up.sql").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := mgr.Down(context.Background()); err != nil {
		t.Fatalf("down: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDownWithNoHistoryFails(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mgr := NewManager(db, WithFS(testFS()))

	mock.ExpectExec("create table if not exists schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations order by applied_at").
		WillReturnRows(sqlmock.NewRows([]string{"name"}))

	if err := mgr.Down(context.Background()); err == nil {
		t.Fatal("expected error with empty history")
	}
}

func TestEmbeddedMigrationsPresent(t *testing.T) {
	mgr := &Manager{files: embedded}
	files, err := mgr.collect(".up.sql")
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(files) == 0 {
		t.Fatal("no embedded up migrations found")
	}
	for _, up := range files {
		down := up[:len(up)-len(".up.sql")] + ".down.sql"
		if _, err := embedded.ReadFile(down); err != nil {
			t.Fatalf("missing down migration for %s", up)
		}
	}
}

func TestSplitStatementsRespectsStrings(t *testing.T) {
	stmts := splitStatements("insert into t values ('a;b'); select 1;")
	if len(stmts) != 2 {
		t.Fatalf("got %d statements: %v", len(stmts), stmts)
	}
}

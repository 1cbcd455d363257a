package tpc

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}

	cleanup := func() {
		if err := db.Close(); err != nil {
			t.Fatalf("close db: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("unmet expectations: %v", err)
		}
	}

	return db, mock, cleanup
}

func TestPostgres_PrepareRunsRoutineThenPrepares(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE orders SET status").
		WithArgs("APPROVED", "order-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("PREPARE TRANSACTION 'order-1'")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectClose()

	p := NewPostgres(db, zerolog.Nop())
	err := p.Prepare(context.Background(), "order-1", func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "UPDATE orders SET status = $1 WHERE id = $2", "APPROVED", "order-1")
		return err
	})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
}

func TestPostgres_PrepareRoutineFailureIsPrepareError(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	boom := errors.New("boom")
	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectClose()

	p := NewPostgres(db, zerolog.Nop())
	err := p.Prepare(context.Background(), "order-1", func(context.Context, *sql.Tx) error {
		return boom
	})

	var prepErr *PrepareError
	if !errors.As(err, &prepErr) {
		t.Fatalf("expected PrepareError, got %v", err)
	}
	if prepErr.ID != "order-1" {
		t.Fatalf("unexpected id: %s", prepErr.ID)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected cause to be wrapped: %v", err)
	}
}

func TestPostgres_PrepareStatementFailureIsPrepareError(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("PREPARE TRANSACTION 'order-1'")).
		WillReturnError(&pgconn.PgError{Code: "55000", Message: "prepared transactions are disabled"})
	mock.ExpectRollback()
	mock.ExpectClose()

	p := NewPostgres(db, zerolog.Nop())
	err := p.Prepare(context.Background(), "order-1", func(context.Context, *sql.Tx) error { return nil })

	var prepErr *PrepareError
	if !errors.As(err, &prepErr) {
		t.Fatalf("expected PrepareError, got %v", err)
	}
}

func TestPostgres_PrepareRejectsEmptyID(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)
	mock.ExpectClose()

	p := NewPostgres(db, zerolog.Nop())
	called := false
	err := p.Prepare(context.Background(), " ", func(context.Context, *sql.Tx) error {
		called = true
		return nil
	})
	if err == nil || called {
		t.Fatalf("expected rejection before running routine, err=%v called=%v", err, called)
	}
}

func TestPostgres_CommitTwiceIsIdempotent(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec(regexp.QuoteMeta("COMMIT PREPARED 'tx-1'")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("COMMIT PREPARED 'tx-1'")).
		WillReturnError(&pgconn.PgError{Code: "42704", Message: `prepared transaction with identifier "tx-1" does not exist`})
	mock.ExpectClose()

	p := NewPostgres(db, zerolog.Nop())
	if err := p.Commit(context.Background(), "tx-1"); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if err := p.Commit(context.Background(), "tx-1"); err != nil {
		t.Fatalf("second commit should be swallowed: %v", err)
	}
}

func TestPostgres_RollbackNotFoundIsSuccess(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec(regexp.QuoteMeta("ROLLBACK PREPARED 'tx-2'")).
		WillReturnError(&pgconn.PgError{Code: "42704"})
	mock.ExpectClose()

	p := NewPostgres(db, zerolog.Nop())
	if err := p.Rollback(context.Background(), "tx-2"); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
}

func TestPostgres_CommitOtherErrorSurfaces(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec(regexp.QuoteMeta("COMMIT PREPARED 'tx-3'")).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectClose()

	p := NewPostgres(db, zerolog.Nop())
	if err := p.Commit(context.Background(), "tx-3"); err == nil {
		t.Fatalf("expected commit error")
	}
}

func TestPostgres_QuotesIdentifier(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec(regexp.QuoteMeta("ROLLBACK PREPARED 'it''s'")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	p := NewPostgres(db, zerolog.Nop())
	if err := p.Rollback(context.Background(), "it's"); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
}

func TestPostgres_ListActive(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("SELECT gid FROM pg_prepared_xacts").
		WillReturnRows(sqlmock.NewRows([]string{"gid"}).AddRow("a").AddRow("b"))
	mock.ExpectClose()

	p := NewPostgres(db, zerolog.Nop())
	ids, err := p.ListActive(context.Background())
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("unexpected ids: %v", ids)
	}
}

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(&pgconn.PgError{Code: "42704"}) {
		t.Fatalf("42704 should be not found")
	}
	if IsNotFound(&pgconn.PgError{Code: "23505"}) {
		t.Fatalf("23505 should not be not found")
	}
	if IsNotFound(errors.New("plain")) {
		t.Fatalf("plain error should not be not found")
	}
}

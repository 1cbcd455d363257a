package tpc

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

// undefined_object: COMMIT/ROLLBACK PREPARED for an unknown gid.
const undefinedObject = "42704"

// PrepareError reports that a local transaction did not reach the prepared
// state. Nothing is pending under ID, so there is nothing to roll back locally.
type PrepareError struct {
	ID  string
	Err error
}

func (e *PrepareError) Error() string {
	return fmt.Sprintf("prepare transaction %s: %v", e.ID, e.Err)
}

func (e *PrepareError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is Postgres' answer for an unknown prepared transaction.
func IsNotFound(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == undefinedObject
}

// Postgres is the prepared-transaction primitive of one Postgres database.
type Postgres struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewPostgres constructs a Postgres primitive.
func NewPostgres(db *sql.DB, log zerolog.Logger) *Postgres {
	return &Postgres{db: db, log: log}
}

// Prepare runs routine in a transaction and closes it with PREPARE TRANSACTION
// instead of a commit.
func (p *Postgres) Prepare(ctx context.Context, id string, routine func(ctx context.Context, tx *sql.Tx) error) error {
	if strings.TrimSpace(id) == "" {
		return &PrepareError{ID: id, Err: errors.New("empty transaction id")}
	}
	err := Run(ctx, p.db, func(ctx context.Context, tx *sql.Tx) error {
		if err := routine(ctx, tx); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "PREPARE TRANSACTION "+quote(id))
		return err
	})
	if err != nil {
		return &PrepareError{ID: id, Err: err}
	}
	p.log.Debug().Str("tx_id", id).Msg("transaction prepared")
	return nil
}

// Commit issues COMMIT PREPARED. An unknown id counts as already committed.
func (p *Postgres) Commit(ctx context.Context, id string) error {
	return p.finish(ctx, "COMMIT PREPARED", id)
}

// Rollback issues ROLLBACK PREPARED. An unknown id counts as already rolled back.
func (p *Postgres) Rollback(ctx context.Context, id string) error {
	return p.finish(ctx, "ROLLBACK PREPARED", id)
}

func (p *Postgres) finish(ctx context.Context, stmt, id string) error {
	if _, err := p.db.ExecContext(ctx, stmt+" "+quote(id)); err != nil {
		if IsNotFound(err) {
			p.log.Debug().Str("tx_id", id).Str("stmt", stmt).Msg("prepared transaction not found")
			return nil
		}
		return fmt.Errorf("%s %s: %w", strings.ToLower(stmt), id, err)
	}
	return nil
}

// ListActive returns the ids of transactions prepared in the current database.
func (p *Postgres) ListActive(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT gid FROM pg_prepared_xacts
		WHERE database = current_database()
		ORDER BY gid`)
	if err != nil {
		return nil, fmt.Errorf("list prepared transactions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var gid string
		if err := rows.Scan(&gid); err != nil {
			return nil, fmt.Errorf("scan prepared transaction: %w", err)
		}
		ids = append(ids, gid)
	}
	return ids, rows.Err()
}

func quote(id string) string {
	return "'" + strings.ReplaceAll(id, "'", "''") + "'"
}

package session

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pkgerrors "github.com/pkg/errors"
)

// PgxConn is the subset of *pgxpool.Pool the Postgres store uses.
type PgxConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS graph_sessions (
	id          TEXT PRIMARY KEY,
	owner_id    TEXT NOT NULL,
	context_id  TEXT NOT NULL DEFAULT '',
	data        JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS graph_sessions_owner_context ON graph_sessions (owner_id, context_id);
CREATE INDEX IF NOT EXISTS graph_sessions_context ON graph_sessions (context_id);
`

const (
	pgUpsert = `INSERT INTO graph_sessions (id, owner_id, context_id, data, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET
	owner_id = EXCLUDED.owner_id,
	context_id = EXCLUDED.context_id,
	data = EXCLUDED.data,
	updated_at = EXCLUDED.updated_at`
	pgSelectByID      = `SELECT data FROM graph_sessions WHERE id = $1`
	pgSelectByOwner   = `SELECT data FROM graph_sessions WHERE owner_id = $1 AND context_id = $2`
	pgSelectByContext = `SELECT data FROM graph_sessions WHERE context_id = $1 ORDER BY created_at, id`
	pgDelete          = `DELETE FROM graph_sessions WHERE id = $1`

	pgUniqueViolation = "23505"
)

// PostgresStore implements Store on a single JSONB table. A unique index on
// (owner_id, context_id) backs the one-session-per-pair rule.
type PostgresStore struct {
	conn PgxConn
}

// NewPostgresStore creates a store on conn. Call Migrate once before use.
func NewPostgresStore(conn PgxConn) *PostgresStore {
	return &PostgresStore{conn: conn}
}

// OpenPostgres connects a pool to dsn.
func OpenPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "postgres connect")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, pkgerrors.Wrap(err, "postgres ping")
	}
	return pool, nil
}

// Migrate creates the sessions table and indexes if missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.conn.Exec(ctx, postgresSchema); err != nil {
		return pkgerrors.Wrap(err, "migrate graph_sessions")
	}
	return nil
}

// Get retrieves a session by ID.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	return s.queryOne(ctx, pgSelectByID, id)
}

// Put creates or replaces a session.
func (s *PostgresStore) Put(ctx context.Context, sess *Session) error {
	data, err := Encode(sess)
	if err != nil {
		return pkgerrors.Wrapf(err, "encode session %s", sess.ID)
	}
	_, err = s.conn.Exec(ctx, pgUpsert,
		sess.ID, sess.OwnerID, sess.ContextID, data, sess.CreatedAt, sess.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return pkgerrors.Wrapf(ErrConflict, "put session %s: %s", sess.ID, pgErr.ConstraintName)
	}
	if err != nil {
		return pkgerrors.Wrapf(err, "put session %s", sess.ID)
	}
	return nil
}

// Delete removes a session by ID.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := s.conn.Exec(ctx, pgDelete, id); err != nil {
		return pkgerrors.Wrapf(err, "delete session %s", id)
	}
	return nil
}

// FindByOwner returns the session for an (owner, context) pair.
func (s *PostgresStore) FindByOwner(ctx context.Context, ownerID, contextID string) (*Session, error) {
	return s.queryOne(ctx, pgSelectByOwner, ownerID, contextID)
}

// ListByContext returns all sessions of a context, oldest first.
func (s *PostgresStore) ListByContext(ctx context.Context, contextID string) ([]*Session, error) {
	rows, err := s.conn.Query(ctx, pgSelectByContext, contextID)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "list context %s", contextID)
	}
	defer rows.Close()

	var result []*Session
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, pkgerrors.Wrap(err, "scan session")
		}
		sess, err := Decode(data)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "decode session")
		}
		result = append(result, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerrors.Wrapf(err, "list context %s", contextID)
	}
	return result, nil
}

func (s *PostgresStore) queryOne(ctx context.Context, sql string, args ...any) (*Session, error) {
	var data []byte
	if err := s.conn.QueryRow(ctx, sql, args...).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, pkgerrors.Wrap(err, "query session")
	}
	sess, err := Decode(data)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "decode session")
	}
	return sess, nil
}

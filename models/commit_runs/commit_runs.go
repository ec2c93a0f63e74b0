// Logic for interacting with the "commit_runs" table.
package commit_runs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/brown-padev/peteramati/models"
	"github.com/brown-padev/peteramati/models/db"
)

// ErrNotFound indicates that no run was recorded for the commit.
var ErrNotFound = errors.New("Commit run not found")

// Default is the Store prepared against db.Conn by Setup.
var Default *Store

// Store keeps the latest run of each category per commit.
type Store struct {
	recordStmt *sql.Stmt
	getStmt    *sql.Stmt
	listStmt   *sql.Stmt
}

// Setup prepares Default against db.Conn.
func Setup() (err error) {
	if !db.Connected() {
		return errors.New("No DB connection was established, can't query")
	}
	if Default != nil {
		return nil
	}
	Default, err = New(db.Conn, db.Driver)
	return err
}

// New creates the commit_runs table in conn if it doesn't exist, and prepares
// all queries.
func New(conn *sql.DB, dialect db.Dialect) (*Store, error) {
	if conn == nil {
		return nil, errors.New("commit_runs: nil database connection")
	}
	_, err := conn.Exec(`CREATE TABLE IF NOT EXISTS commit_runs (
	repo_id BIGINT NOT NULL,
	commit_hash TEXT NOT NULL,
	category TEXT NOT NULL,
	checkt BIGINT NOT NULL,
	updated_at BIGINT NOT NULL,
	PRIMARY KEY (repo_id, commit_hash, category)
)`)
	if err != nil {
		return nil, err
	}
	s := new(Store)

	// An older checkt never replaces a newer one.
	query := `-- commit_runs.Record
INSERT INTO commit_runs (repo_id, commit_hash, category, checkt, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (repo_id, commit_hash, category) DO UPDATE
SET checkt = excluded.checkt, updated_at = excluded.updated_at
WHERE commit_runs.checkt < excluded.checkt`
	s.recordStmt, err = conn.Prepare(dialect.Rebind(query))
	if err != nil {
		return nil, err
	}

	query = fmt.Sprintf(`-- commit_runs.Get
SELECT %s
FROM commit_runs
WHERE repo_id = ? AND commit_hash = ? AND category = ?`, fields())
	s.getStmt, err = conn.Prepare(dialect.Rebind(query))
	if err != nil {
		return nil, err
	}

	query = fmt.Sprintf(`-- commit_runs.List
SELECT %s
FROM commit_runs
WHERE repo_id = ? AND commit_hash = ?
ORDER BY category`, fields())
	s.listStmt, err = conn.Prepare(dialect.Rebind(query))
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Record notes that a run of category started against the commit at checkt.
func (s *Store) Record(ctx context.Context, repoID int64, hash string, category string, checkt int64) error {
	_, err := s.recordStmt.ExecContext(ctx, repoID, hash, category, checkt, time.Now().Unix())
	return err
}

// Get returns the latest run of category against the commit, or ErrNotFound.
func (s *Store) Get(ctx context.Context, repoID int64, hash string, category string) (*models.CommitRun, error) {
	cr := new(models.CommitRun)
	err := scan(s.getStmt.QueryRowContext(ctx, repoID, hash, category), cr)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return cr, nil
}

// GetRetry attempts to retrieve the run attempts times before giving up.
func (s *Store) GetRetry(ctx context.Context, repoID int64, hash string, category string, attempts uint8) (cr *models.CommitRun, err error) {
	for i := uint8(0); i < attempts; i++ {
		cr, err = s.Get(ctx, repoID, hash, category)
		if err == nil || err == ErrNotFound {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	return
}

// List returns the latest checkt of every category run against the commit,
// keyed by category.
func (s *Store) List(ctx context.Context, repoID int64, hash string) (map[string]int64, error) {
	m := make(map[string]int64)
	rows, err := s.listStmt.QueryContext(ctx, repoID, hash)
	if err != nil {
		return m, err
	}
	defer rows.Close()
	for rows.Next() {
		cr := new(models.CommitRun)
		if err := scan(rows, cr); err != nil {
			return m, err
		}
		m[cr.Category] = cr.Checkt
	}
	return m, rows.Err()
}

func fields() string {
	return `repo_id,
	commit_hash,
	category,
	checkt,
	updated_at`
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scan(row scanner, cr *models.CommitRun) error {
	var updatedAt int64
	if err := row.Scan(&cr.RepoID, &cr.CommitHash, &cr.Category, &cr.Checkt, &updatedAt); err != nil {
		return err
	}
	cr.UpdatedAt = time.Unix(updatedAt, 0)
	return nil
}

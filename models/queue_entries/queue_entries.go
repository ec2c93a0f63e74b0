// Logic for interacting with the "queue_entries" table.
package queue_entries

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/brown-padev/peteramati/models"
	"github.com/brown-padev/peteramati/models/db"
	"github.com/guregu/null/v6"
)

// ErrNotFound indicates that the queue entry was not found.
var ErrNotFound = errors.New("Queue entry not found")

// Default is the Store prepared against db.Conn by Setup.
var Default *Store

// Store reads and writes queue entries. It has no policy; admission and
// reaping decisions live in the services package.
type Store struct {
	dialect db.Dialect

	enqueueStmt *sql.Stmt
	touchStmt   *sql.Stmt
	loadStmt    *sql.Stmt
	aheadStmt   *sql.Stmt
	runningStmt *sql.Stmt
	deleteStmt  *sql.Stmt
	retireStmt  *sql.Stmt
	countsStmt  *sql.Stmt
}

// Setup creates the table if necessary and prepares Default against db.Conn.
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

// New creates the queue_entries table in conn if it doesn't exist, and
// prepares all queries.
func New(conn *sql.DB, dialect db.Dialect) (*Store, error) {
	if conn == nil {
		return nil, errors.New("queue_entries: nil database connection")
	}
	if err := Migrate(conn, dialect); err != nil {
		return nil, err
	}
	s := &Store{dialect: dialect}
	prepare := func(dst **sql.Stmt, query string) error {
		stmt, err := conn.Prepare(dialect.Rebind(query))
		if err != nil {
			return err
		}
		*dst = stmt
		return nil
	}

	query := fmt.Sprintf(`-- queue_entries.Enqueue
INSERT INTO queue_entries (%s)
VALUES (?, ?, ?, ?, ?, ?, 0, %d, ?)
RETURNING %s`, insertFields(), models.StatusQueued, fields(""))
	if err := prepare(&s.enqueueStmt, query); err != nil {
		return nil, err
	}

	query = `-- queue_entries.Touch
UPDATE queue_entries SET updated_at = ? WHERE id = ?`
	if err := prepare(&s.touchStmt, query); err != nil {
		return nil, err
	}

	// Grouping by the primary key lets Postgres accept the bare q columns.
	query = fmt.Sprintf(`-- queue_entries.Load
SELECT %s,
	count(fq.id),
	min(fq.n_concurrent),
	min(CASE WHEN fq.run_at > 0 THEN fq.run_at END)
FROM queue_entries q
LEFT JOIN queue_entries fq
	ON fq.queue_class = q.queue_class AND fq.id < q.id
WHERE q.id = ?
GROUP BY q.id`, fields("q."))
	if err := prepare(&s.loadStmt, query); err != nil {
		return nil, err
	}

	query = fmt.Sprintf(`-- queue_entries.ListAhead
SELECT %s
FROM queue_entries
WHERE queue_class = ? AND id < ?
ORDER BY id ASC`, fields(""))
	if err := prepare(&s.aheadStmt, query); err != nil {
		return nil, err
	}

	query = fmt.Sprintf(`-- queue_entries.MarkRunning
UPDATE queue_entries
SET run_at = ?,
	updated_at = ?,
	status = %d,
	lock_file = ?,
	input_fifo = ?
WHERE id = ?`, models.StatusRunning)
	if err := prepare(&s.runningStmt, query); err != nil {
		return nil, err
	}

	query = `-- queue_entries.Delete
DELETE FROM queue_entries WHERE id = ?`
	if err := prepare(&s.deleteStmt, query); err != nil {
		return nil, err
	}

	query = `-- queue_entries.Retire
DELETE FROM queue_entries WHERE id = ? AND repo_id = ?`
	if err := prepare(&s.retireStmt, query); err != nil {
		return nil, err
	}

	query = `-- queue_entries.CountsByClass
SELECT queue_class, count(*) FROM queue_entries GROUP BY queue_class`
	if err := prepare(&s.countsStmt, query); err != nil {
		return nil, err
	}
	return s, nil
}

// Migrate creates the queue_entries table and its index.
func Migrate(conn *sql.DB, dialect db.Dialect) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS queue_entries (
	id %s,
	queue_class TEXT NOT NULL,
	repo_id BIGINT NOT NULL,
	pset_id TEXT NOT NULL,
	commit_hash TEXT NOT NULL,
	inserted_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL,
	run_at BIGINT NOT NULL DEFAULT 0,
	status INTEGER NOT NULL DEFAULT 0,
	n_concurrent INTEGER,
	lock_file TEXT,
	input_fifo TEXT
)`, dialect.Serial()),
		`CREATE INDEX IF NOT EXISTS queue_entries_class_id ON queue_entries (queue_class, id)`,
	}
	for _, stmt := range stmts {
		if _, err := conn.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Enqueue inserts a new entry with run_at 0 and status queued, and returns
// it with its assigned id. Ids are assigned by the database and are strictly
// increasing. A non-positive NConcurrent override is stored as NULL.
func (s *Store) Enqueue(ctx context.Context, e *models.QueueEntry) (*models.QueueEntry, error) {
	now := e.InsertedAt
	if now.IsZero() {
		now = time.Now()
	}
	var override interface{}
	if e.NConcurrent.Valid && e.NConcurrent.Int64 > 0 {
		override = e.NConcurrent.Int64
	}
	qe := new(models.QueueEntry)
	row := s.enqueueStmt.QueryRowContext(ctx, e.QueueClass, e.RepoID, e.PsetID,
		e.CommitHash, now.Unix(), now.Unix(), override)
	if err := scan(row, qe); err != nil {
		return nil, err
	}
	return qe, nil
}

// Touch sets updated_at on the entry. Touching a missing entry is not an
// error; the next Load reports it.
func (s *Store) Touch(ctx context.Context, id int64, now time.Time) error {
	_, err := s.touchStmt.ExecContext(ctx, now.Unix(), id)
	return err
}

// Load returns the entry together with the number of entries ahead of it in
// its class, the tightest concurrency override among them, and the earliest
// run time among those that have started. All three are computed in the same
// read. If the entry does not exist, ErrNotFound is returned.
func (s *Store) Load(ctx context.Context, id int64) (*models.QueueEntry, error) {
	qe := new(models.QueueEntry)
	var headRunAt sql.NullInt64
	row := s.loadStmt.QueryRowContext(ctx, id)
	if err := scanInto(row, qe, &qe.AheadCount, &qe.AheadConcurrency, &headRunAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if headRunAt.Valid && headRunAt.Int64 > 0 {
		qe.HeadRunAt = time.Unix(headRunAt.Int64, 0)
	}
	return qe, nil
}

// ListAhead returns every entry in queueClass with an id smaller than
// beforeID, oldest first. The rows are fully read before returning, so
// callers may modify the table while iterating the result.
func (s *Store) ListAhead(ctx context.Context, queueClass string, beforeID int64) ([]*models.QueueEntry, error) {
	rows, err := s.aheadStmt.QueryContext(ctx, queueClass, beforeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []*models.QueueEntry
	for rows.Next() {
		qe := new(models.QueueEntry)
		if err := scan(rows, qe); err != nil {
			return entries, err
		}
		entries = append(entries, qe)
	}
	return entries, rows.Err()
}

// MarkRunning records that the entry's job started at runAt, with the given
// worker lock file and input fifo (either may be empty).
func (s *Store) MarkRunning(ctx context.Context, id int64, runAt time.Time, lockFile, inputFifo string) error {
	res, err := s.runningStmt.ExecContext(ctx, runAt.Unix(), runAt.Unix(),
		null.NewString(lockFile, lockFile != ""), null.NewString(inputFifo, inputFifo != ""), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the entry. Deleting a missing entry is a no-op; the boolean
// reports whether a row was removed.
func (s *Store) Delete(ctx context.Context, id int64) (bool, error) {
	res, err := s.deleteStmt.ExecContext(ctx, id)
	return deleted(res, err)
}

// Retire removes the entry if it belongs to repoID. Like Delete, it is safe
// to call any number of times.
func (s *Store) Retire(ctx context.Context, id int64, repoID int64) (bool, error) {
	res, err := s.retireStmt.ExecContext(ctx, id, repoID)
	return deleted(res, err)
}

// CountsByClass returns the number of entries in each queue class, for
// example:
//
// "grading": 5,
// "test-small": 7,
func (s *Store) CountsByClass(ctx context.Context) (map[string]int64, error) {
	m := make(map[string]int64)
	rows, err := s.countsStmt.QueryContext(ctx)
	if err != nil {
		return m, err
	}
	defer rows.Close()
	for rows.Next() {
		var class string
		var count int64
		if err := rows.Scan(&class, &count); err != nil {
			return m, err
		}
		m[class] = count
	}
	return m, rows.Err()
}

func deleted(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows > 1 {
		// This should not be possible because id is the primary key
		return true, fmt.Errorf("Multiple rows (%d) deleted from queue_entries, please investigate", rows)
	}
	return rows == 1, nil
}

func insertFields() string {
	return `queue_class,
	repo_id,
	pset_id,
	commit_hash,
	inserted_at,
	updated_at,
	run_at,
	status,
	n_concurrent`
}

func fields(prefix string) string {
	return fmt.Sprintf(`%[1]sid,
	%[1]squeue_class,
	%[1]srepo_id,
	%[1]spset_id,
	%[1]scommit_hash,
	%[1]sinserted_at,
	%[1]supdated_at,
	%[1]srun_at,
	%[1]sstatus,
	%[1]sn_concurrent,
	%[1]slock_file,
	%[1]sinput_fifo`, prefix)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scan(row scanner, qe *models.QueueEntry) error {
	return scanInto(row, qe)
}

// scanInto scans the columns listed by fields into qe, followed by extra.
// Timestamps are stored as unix seconds; a zero run_at means not started.
func scanInto(row scanner, qe *models.QueueEntry, extra ...interface{}) error {
	var insertedAt, updatedAt, runAt int64
	dest := []interface{}{
		&qe.ID,
		&qe.QueueClass,
		&qe.RepoID,
		&qe.PsetID,
		&qe.CommitHash,
		&insertedAt,
		&updatedAt,
		&runAt,
		&qe.Status,
		&qe.NConcurrent,
		&qe.LockFile,
		&qe.InputFifo,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return err
	}
	qe.InsertedAt = time.Unix(insertedAt, 0)
	qe.UpdatedAt = time.Unix(updatedAt, 0)
	if runAt > 0 {
		qe.RunAt = time.Unix(runAt, 0)
	} else {
		qe.RunAt = time.Time{}
	}
	return nil
}

// Setup helps initialize applications.
package setup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/brown-padev/peteramati/metrics"
	"github.com/brown-padev/peteramati/models/commit_runs"
	"github.com/brown-padev/peteramati/models/db"
	"github.com/brown-padev/peteramati/models/queue_entries"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

var mu sync.Mutex

// DefaultConnection connects to a Postgres database using the DATABASE_URL
// environment variable.
var DefaultConnection = &DatabaseURLConnector{}

// DatabaseURLConnector connects to the database using the DATABASE_URL
// environment variable.
type DatabaseURLConnector struct {
	mu sync.Mutex
}

// Connect to the database using the DATABASE_URL environment variable with the
// given number of database connections.
func (dc *DatabaseURLConnector) Connect(dbConns int) (*sql.DB, error) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		return nil, errors.New("setup: No value provided for DATABASE_URL, cannot connect")
	}
	d, err := sql.Open("postgres", url)
	if err != nil {
		return nil, err
	}
	d.SetMaxOpenConns(dbConns)
	if dbConns > 100 {
		d.SetMaxIdleConns(dbConns - 20)
	} else if dbConns > 50 {
		d.SetMaxIdleConns(dbConns - 10)
	} else if dbConns > 10 {
		d.SetMaxIdleConns(dbConns - 3)
	} else if dbConns > 5 {
		d.SetMaxIdleConns(dbConns - 2)
	}
	return d, nil
}

func (dc *DatabaseURLConnector) Dialect() db.Dialect {
	return db.Postgres
}

// SQLiteConnector opens an embedded database file. SQLite allows one writer
// at a time, so the pool is a single connection and callers queue on it.
type SQLiteConnector struct {
	Path string
}

func (sc *SQLiteConnector) Connect(dbConns int) (*sql.DB, error) {
	if sc.Path == "" {
		return nil, errors.New("setup: No path provided for the SQLite database")
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", sc.Path)
	d, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	d.SetMaxOpenConns(1)
	return d, nil
}

func (sc *SQLiteConnector) Dialect() db.Dialect {
	return db.SQLite
}

// ConnectorFromEnv picks a connector using STORE_DRIVER ("postgres", the
// default, or "sqlite") and SQLITE_PATH.
func ConnectorFromEnv() (db.Connector, error) {
	switch driver := os.Getenv("STORE_DRIVER"); driver {
	case "", "postgres":
		return DefaultConnection, nil
	case "sqlite":
		path := os.Getenv("SQLITE_PATH")
		if path == "" {
			path = "peteramati.db"
		}
		return &SQLiteConnector{Path: path}, nil
	default:
		return nil, fmt.Errorf("setup: Unknown STORE_DRIVER %q", driver)
	}
}

// MeasureQueueDepth publishes the number of entries in each queue class, and
// the total, every interval.
func MeasureQueueDepth(interval time.Duration) {
	for range time.Tick(interval) {
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		m, err := queue_entries.Default.CountsByClass(ctx)
		cancel()
		if err == nil {
			count := int64(0)
			for k, v := range m {
				count += v
				go metrics.Measure(fmt.Sprintf("queue_depth.%s", k), v)
			}
			go metrics.Measure("queue_depth.all", count)
		} else {
			go metrics.Increment("queue_depth.error")
		}
	}
}

// DB initializes a connection to the database, and prepares queries on all
// models.
func DB(connector db.Connector, dbConns int) error {
	mu.Lock()
	defer mu.Unlock()
	if db.Conn != nil {
		if err := db.Conn.Ping(); err == nil {
			// Already connected.
			return nil
		}
	}
	conn, err := connector.Connect(dbConns)
	if err != nil {
		return errors.New("Could not establish a database connection: " + err.Error())
	}
	if err := conn.Ping(); err != nil {
		return errors.New("Could not establish a database connection: " + err.Error())
	}
	db.Set(conn, connector.Dialect())
	return PrepareAll()
}

func PrepareAll() error {
	if err := queue_entries.Setup(); err != nil {
		return err
	}
	if err := commit_runs.Setup(); err != nil {
		return err
	}
	return nil
}

// Definitions of database objects, and logic for connecting to the database.
package db

import (
	"database/sql"
	"strconv"
	"strings"
	"sync"
)

var mu sync.Mutex

// Conn is a shared connection used by all database queries.
var Conn *sql.DB

// Driver is the dialect Conn speaks. Set by the Connector.
var Driver Dialect = Postgres

// Connector establishes a connection to a database with the given number of
// connections.
type Connector interface {
	Connect(dbConns int) (*sql.DB, error)
	Dialect() Dialect
}

// Set stores conn as the shared connection.
func Set(conn *sql.DB, d Dialect) {
	mu.Lock()
	defer mu.Unlock()
	Conn = conn
	Driver = d
}

// Connected returns true if a connection exists to the database.
func Connected() bool {
	mu.Lock()
	defer mu.Unlock()
	return Conn != nil
}

// Dialect names the SQL flavor of a connection.
type Dialect string

const Postgres = Dialect("postgres")
const SQLite = Dialect("sqlite")

// Rebind rewrites the ? placeholders in query into the form the dialect
// expects. Queries in this repo are written with ? and never contain a
// literal question mark.
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 10)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Serial returns the column definition for an auto-assigned, strictly
// increasing primary key.
func (d Dialect) Serial() string {
	if d == Postgres {
		return "BIGSERIAL PRIMARY KEY"
	}
	// AUTOINCREMENT stops SQLite from reusing the ids of deleted rows.
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

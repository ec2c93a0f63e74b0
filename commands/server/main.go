// Run the checker run server.
//
// Configure it with these environment variables:
//
// DATABASE_URL or STORE_DRIVER=sqlite and SQLITE_PATH: the queue store
// PG_SERVER_POOL_SIZE: maximum number of database connections
// RUNNERS_CONFIG: path of the runner configuration file (runners.yaml)
// RUN_LOG_DIR: root of the run log tree (runs)
// API_USERS: basic auth users, like "alice:secret,bob:hunter2"
// CONTAINER_SERVICE_URL, CONTAINER_SERVICE_TOKEN: enables the remote backend
// ARCHIVE_ENDPOINT and friends: enables the log archive
// REAP_INTERVAL_SECONDS: also reap dead queue entries in the background
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/brown-padev/peteramati/archive"
	"github.com/brown-padev/peteramati/backend"
	"github.com/brown-padev/peteramati/config"
	"github.com/brown-padev/peteramati/metrics"
	"github.com/brown-padev/peteramati/models/commit_runs"
	"github.com/brown-padev/peteramati/models/queue_entries"
	"github.com/brown-padev/peteramati/remote"
	"github.com/brown-padev/peteramati/runlogs"
	"github.com/brown-padev/peteramati/server"
	"github.com/brown-padev/peteramati/services"
	"github.com/brown-padev/peteramati/setup"
	"github.com/brown-padev/peteramati/tracing"
	"github.com/gorilla/handlers"
)

func getenv(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func configure() (http.Handler, error) {
	dbConns, err := config.GetInt("PG_SERVER_POOL_SIZE")
	if err != nil {
		log.Printf("Error getting database pool size: %s. Defaulting to 10", err)
		dbConns = 10
	}
	connector, err := setup.ConnectorFromEnv()
	if err != nil {
		return nil, err
	}
	if err = setup.DB(connector, dbConns); err != nil {
		return nil, err
	}

	rf, err := config.LoadRunners(getenv("RUNNERS_CONFIG", "runners.yaml"))
	if err != nil {
		return nil, err
	}
	logs := runlogs.New(getenv("RUN_LOG_DIR", "runs"))
	backends := backend.Set{config.BackendLocal: backend.NewLocal(logs)}
	if os.Getenv("CONTAINER_SERVICE_URL") != "" {
		u := config.GetURLOrBail("CONTAINER_SERVICE_URL")
		client := remote.NewClient(os.Getenv("CONTAINER_SERVICE_TOKEN"), u.String())
		backends[config.BackendRemote] = backend.NewRemote(logs, client.Jobs, rf.AccessToken)
		// Every poll of a remote run is a request to the same host.
		config.SetMaxIdleConnsPerHost(config.GetIntOr("HTTP_MAX_IDLE_CONNS", 100))
	}

	queue := services.NewQueue(queue_entries.Default)
	runner := services.NewRunner(rf, queue, logs, backends)
	runner.Recorder = services.RecordFunc(commit_runs.Default.Record)

	if cfg := archive.ConfigFromEnv(); cfg.Enabled() {
		a, err := archive.New(cfg)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		runner.Archive = a
	}

	metrics.Namespace = "peteramati.server"
	metrics.Start("web")

	go setup.MeasureQueueDepth(5 * time.Second)
	if n := config.GetIntOr("REAP_INTERVAL_SECONDS", 0); n > 0 {
		go queue.WatchDeadEntries(time.Duration(n)*time.Second, rf)
	}

	if server.AddUsers(os.Getenv("API_USERS")) == 0 {
		log.Printf("No API_USERS configured, every request will be refused")
	}
	s := &server.Server{
		Runner:     runner,
		Queues:     queue_entries.Default,
		Commits:    commit_runs.Default,
		Authorizer: server.DefaultAuthorizer,
	}
	return s.Handler(), nil
}

func main() {
	shutdown, err := tracing.InitFromEnv("peteramati-runner")
	if err != nil {
		log.Fatal(err)
	}
	defer shutdown(context.Background())

	s, err := configure()
	if err != nil {
		log.Fatal(err)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "9090"
	}
	log.Printf("Listening on port %s\n", port)
	log.Fatal(http.ListenAndServe(fmt.Sprintf(":%s", port), handlers.LoggingHandler(os.Stdout, handlers.ProxyHeaders(s))))
}

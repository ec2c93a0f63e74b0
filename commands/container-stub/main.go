// Run an in-memory container service, for trying the remote backend without
// the real one.
//
// Jobs keep running until finished by hand:
//
//	curl -X POST 'localhost:9091/finish/<jobID>?status=success'
package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/brown-padev/peteramati/remote/remotetest"
	"github.com/gorilla/handlers"
)

func main() {
	stub := remotetest.NewServer()
	mux := http.NewServeMux()
	mux.Handle("/jobs", stub)
	mux.Handle("/jobs/", stub)
	mux.HandleFunc("/finish/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/finish/")
		status := r.URL.Query().Get("status")
		if status == "" {
			status = "success"
		}
		stub.Finish(id, status)
		w.WriteHeader(http.StatusNoContent)
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "9091"
	}
	log.Printf("Listening on port %s\n", port)
	log.Fatal(http.ListenAndServe(fmt.Sprintf(":%s", port), handlers.LoggingHandler(os.Stdout, mux)))
}

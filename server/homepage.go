package server

import (
	"html/template"
	"log"
	"net/http"
	"sort"

	"github.com/brown-padev/peteramati/config"
)

type homepageData struct {
	Version string
	Queues  []queueDepth
}

type queueDepth struct {
	Class string
	Depth int64
}

var homepageTemplate = template.Must(template.New("homepage").Parse(`<!doctype html>
<html>
<head>
	<style>
	body {
		font-family: 'Helvetica Neue', Helvetica, Arial, sans-serif;
		margin: 10px 5px;
	}
	td, th {
		padding: 2px 10px;
		text-align: left;
	}
	</style>
</head>
<body>
	<h3 id="title">peteramati runner version {{ .Version }}</h3>
	{{ if .Queues }}
	<table>
		<tr><th>Queue</th><th>Waiting or running</th></tr>
		{{ range .Queues }}<tr><td>{{ .Class }}</td><td>{{ .Depth }}</td></tr>
		{{ end }}
	</table>
	{{ else }}
	<p>No queued jobs.</p>
	{{ end }}
</body>
</html>`))

func (s *Server) renderHomepage(w http.ResponseWriter, r *http.Request) {
	data := homepageData{Version: config.Version}
	if s.Queues != nil {
		counts, err := s.Queues.CountsByClass(r.Context())
		if err != nil {
			log.Printf("Error getting queue depth: %s", err)
		}
		for class, n := range counts {
			data.Queues = append(data.Queues, queueDepth{Class: class, Depth: n})
		}
		sort.Slice(data.Queues, func(i, j int) bool { return data.Queues[i].Class < data.Queues[j].Class })
	}
	if err := homepageTemplate.Execute(w, data); err != nil {
		log.Printf("Error rendering homepage: %s", err)
	}
}

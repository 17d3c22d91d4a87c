// Copyright (C) 2015  Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

// Package monitor provides an embedded HTTP server to expose
// metrics for monitoring
package monitor

import (
	_ "expvar" // Go documentation recommended usage
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof" // Go documentation recommended usage

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aristanetworks/xhash/monitor/internal/loglevel"
)

// Server represents a monitoring server
type Server interface {
	Run()
}

// server contains information for the monitoring server
type server struct {
	// Server name e.g. host[:port]
	serverName string

	// gatherer, if set, is served at /metrics.
	gatherer prometheus.Gatherer
	// debugString, if set, is served at /debug/xhash.
	debugString func() string
}

// Option configures optional endpoints on a monitor Server.
type Option func(*server)

// WithGatherer serves g's collected metrics at /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *server) { s.gatherer = g }
}

// WithDebugString serves f's output at /debug/xhash.
func WithDebugString(f func() string) Option {
	return func(s *server) { s.debugString = f }
}

// NewMonitorServer creates a new server struct
func NewMonitorServer(serverName string, opts ...Option) Server {
	s := &server{
		serverName: serverName,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func debugHandler(w http.ResponseWriter, r *http.Request) {
	indexTmpl := `<html>
	<head>
	<title>/debug</title>
	</head>
	<body>
	<p>/debug</p>
	<div><a href="/debug/vars">vars</a></div>
	<div><a href="/debug/pprof">pprof</a></div>
	<div><a href="/debug/loglevel">loglevel</a></div>
	<div><a href="/debug/xhash">xhash</a></div>
	<div><a href="/metrics">metrics</a></div>
	</body>
	</html>
	`
	fmt.Fprintf(w, indexTmpl)
}

// Run sets up the HTTP server and any handlers
func (s *server) Run() {
	http.HandleFunc("/debug", debugHandler)
	http.Handle("/debug/loglevel", loglevel.Handler())

	if s.gatherer != nil {
		http.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	if s.debugString != nil {
		http.HandleFunc("/debug/xhash", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, s.debugString())
		})
	}

	// monitoring server
	err := http.ListenAndServe(s.serverName, nil)
	if err != nil {
		log.Printf("Could not start monitor server: %s", err)
	}
}

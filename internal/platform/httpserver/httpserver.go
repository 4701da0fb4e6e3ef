// Package httpserver builds the HTTP server with the project's defaults.
package httpserver

import (
	"net/http"
	"time"
)

// New builds an HTTP server for the given handler.
func New(addr string, handler http.Handler, readHeaderTimeout time.Duration) *http.Server {
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = 5 * time.Second
	}
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

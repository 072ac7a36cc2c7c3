package httpserver

import (
	"net/http"
	"time"
)

// New builds an HTTP server with the timeouts this service needs. The write
// timeout leaves room for a warrant to wait on the ledger.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      3 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}
}

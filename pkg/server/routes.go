package server

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nicktill/ridewatch/pkg/export"
	"github.com/nicktill/ridewatch/pkg/ingest"
	"github.com/nicktill/ridewatch/pkg/live"
)

// SetupRoutes configures all HTTP routes for the server
func SetupRoutes(
	router *mux.Router,
	api *API,
	ingestHandler *ingest.Handler,
	exportHandler *export.Handler,
	hub *LiveHub,
	cache *live.Cache,
) {
	v1 := router.PathPrefix("/v1").Subrouter()

	// Feed
	v1.HandleFunc("/ingest", ingestHandler.HandleIngest).Methods("POST")
	v1.HandleFunc("/entities", ingestHandler.HandleEntities).Methods("PUT")

	// Reads
	v1.HandleFunc("/reliability/{kind}/{id}", api.HandleReliability).Methods("GET")
	v1.HandleFunc("/reliability/{kind}/{id}/history", api.HandleHistory).Methods("GET")
	v1.HandleFunc("/export", exportHandler.HandleExport).Methods("GET")
	v1.HandleFunc("/ws", hub.HandleWebSocket(cache)).Methods("GET")

	// Operations
	v1.HandleFunc("/ledger", api.HandleLedger).Methods("GET")
	v1.HandleFunc("/health", api.HandleHealth).Methods("GET")
	v1.HandleFunc("/storage", api.HandleStorage).Methods("GET")

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
}

// Middleware wraps h with panic recovery, CORS restricted to localhost
// origins on the server's port, and access logging
func Middleware(h http.Handler, addr string, log *slog.Logger) http.Handler {
	_, port, err := net.SplitHostPort(addr)
	if err != nil || port == "" {
		port = "8080"
	}
	origins := []string{
		"http://localhost:" + port,
		"http://127.0.0.1:" + port,
		"http://localhost:3000",
		"http://127.0.0.1:3000",
	}

	h = handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{log: log}),
		handlers.PrintRecoveryStack(false),
	)(h)
	h = handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		handlers.AllowCredentials(),
	)(h)
	return handlers.CustomLoggingHandler(io.Discard, h, accessLog(log))
}

// accessLog writes one debug line per request through slog
func accessLog(log *slog.Logger) handlers.LogFormatter {
	return func(_ io.Writer, p handlers.LogFormatterParams) {
		log.Debug("request",
			slog.String("method", p.Request.Method),
			slog.String("path", p.URL.Path),
			slog.Int("status", p.StatusCode),
			slog.Int("size", p.Size),
			slog.Duration("duration", time.Since(p.TimeStamp)),
		)
	}
}

type recoveryLogger struct {
	log *slog.Logger
}

func (r recoveryLogger) Println(v ...interface{}) {
	r.log.Error("panic recovered", slog.String("panic", fmt.Sprint(v...)))
}

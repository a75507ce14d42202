package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/taskord/daemon/internal/common"
	"github.com/taskord/daemon/internal/daemon"
	"github.com/taskord/daemon/internal/handlers"
	"github.com/taskord/daemon/internal/jobstore"
)

func main() {
	configPath := os.Getenv("TASKORD_CONFIG")

	d, err := daemon.NewDaemon(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize daemon: %v\n", err)
		os.Exit(1)
	}

	common.PrintBanner(d.Config, d.Logger)
	d.Start()

	mux := buildMux(d)
	srv := &http.Server{
		Addr:         d.Config.RPCBind,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		d.Logger.Info().Str("addr", d.Config.RPCBind).Msg("starting RPC listener")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.Logger.Fatal().Err(err).Msg("RPC listener failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	d.Logger.Info().Msg("shutdown signal received")
	common.PrintShutdownBanner(d.Logger)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		d.Logger.Error().Err(err).Msg("RPC listener shutdown failed")
	}
	if err := d.Shutdown(ctx); err != nil {
		d.Logger.Error().Err(err).Msg("daemon shutdown failed")
	}
	d.Logger.Info().Msg("daemon stopped")
}

// buildMux wires the JSON-RPC envelope over /rpc and the event feed over
// /events (spec §6.1).
func buildMux(d *daemon.Daemon) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", rpcHandler(d))
	mux.HandleFunc("/events", d.Hub.ServeWS)
	mux.HandleFunc("/healthz", healthHandler)
	mux.HandleFunc("/stats.png", statsChartHandler(d))
	return mux
}

// statsChartHandler serves the format=png variant of the stats method (spec
// §4.J / SPEC_FULL.md domain stack) as a plain GET, since a binary image
// response does not fit the JSON-RPC envelope the other methods share.
func statsChartHandler(d *daemon.Daemon) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := d.Handlers.Stats(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		png, err := handlers.RenderStatsChart(stats)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(png)
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// rpcRequest is the wire envelope the core does not own the encoding of
// (spec §6.1): method, params, id.
type rpcRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     json.RawMessage `json:"id"`
}

type rpcError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

type rpcResponse struct {
	ID     json.RawMessage `json:"id"`
	Result any             `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

// adminMethods require a valid bearer token signed with the configured
// JWT secret (spec §4.J admin surface for enqueue/cancel/maintenance).
var adminMethods = map[string]bool{"enqueue": true, "cancel": true, "maintenance": true}

// requestCorrelationID returns the caller-supplied X-Request-Id if present,
// else mints a fresh one, so every RPC call can be traced through the
// daemon's logs end to end.
func requestCorrelationID(r *http.Request) string {
	if id := r.Header.Get("X-Request-Id"); id != "" {
		return id
	}
	return uuid.NewString()
}

func rpcHandler(d *daemon.Daemon) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		correlationID := requestCorrelationID(r)
		reqLogger := d.Logger.WithCorrelationId(correlationID)
		w.Header().Set("X-Request-Id", correlationID)

		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeRPCError(w, nil, &rpcError{Code: int(handlers.CodeValidation), Message: "malformed request envelope"})
			return
		}

		if adminMethods[req.Method] {
			if err := checkBearerToken(r, d.Config.Auth.JWTSecret); err != nil {
				reqLogger.Warn().Str("method", req.Method).Msg("unauthorized RPC call")
				writeRPCError(w, req.ID, &rpcError{Code: int(handlers.CodeValidation), Message: "unauthorized: " + err.Error()})
				return
			}
		}

		result, err := dispatch(r.Context(), d, req)
		if err != nil {
			reqLogger.Error().Str("method", req.Method).Err(err).Msg("RPC call failed")
			writeRPCError(w, req.ID, toRPCError(err))
			return
		}

		reqLogger.Debug().Str("method", req.Method).Msg("RPC call completed")
		writeRPCResult(w, req.ID, result)
	}
}

func dispatch(ctx context.Context, d *daemon.Daemon, req rpcRequest) (any, error) {
	switch req.Method {
	case "enqueue":
		var params handlers.EnqueueRequest
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, &handlers.Error{Code: handlers.CodeValidation, Message: "invalid enqueue params"}
		}
		return d.Handlers.Enqueue(ctx, params)
	case "cancel":
		var params handlers.CancelRequest
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, &handlers.Error{Code: handlers.CodeValidation, Message: "invalid cancel params"}
		}
		return d.Handlers.Cancel(ctx, params)
	case "tail_logs":
		var params handlers.TailLogsRequest
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, &handlers.Error{Code: handlers.CodeValidation, Message: "invalid tail_logs params"}
		}
		return d.Handlers.TailLogs(ctx, params)
	case "stats":
		return d.Handlers.Stats(ctx)
	case "maintenance":
		return d.Handlers.Maintenance(ctx)
	default:
		return nil, &handlers.Error{Code: handlers.CodeValidation, Message: "unknown method: " + req.Method}
	}
}

func checkBearerToken(r *http.Request, secret string) error {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return fmt.Errorf("missing bearer token")
	}
	_, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	return err
}

func toRPCError(err error) *rpcError {
	if herr, ok := err.(*handlers.Error); ok {
		return &rpcError{Code: int(herr.Code), Message: herr.Message, Data: herr.Data}
	}
	if err == jobstore.ErrNotFound {
		return &rpcError{Code: int(handlers.CodeNotFound), Message: err.Error()}
	}
	return &rpcError{Code: int(handlers.CodeInternal), Message: err.Error()}
}

func writeRPCResult(w http.ResponseWriter, id json.RawMessage, result any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rpcResponse{ID: id, Result: result})
}

func writeRPCError(w http.ResponseWriter, id json.RawMessage, rerr *rpcError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(rpcResponse{ID: id, Error: rerr})
}

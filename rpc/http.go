package rpc

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"workchain/core"
	"workchain/observability"
	"workchain/observability/logging"
)

const (
	jsonRPCVersion      = "2.0"
	defaultMaxBodyBytes = 1 << 20 // 1 MiB
	moduleName          = "rpc"
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
	codeUnauthorized   = -32001
	codeNotFound       = -32004
	codeDuplicateTx    = -32010
	codeNonceTooLow    = -32011
	codeMempoolFull    = -32012
	codeRateLimited    = -32020
)

// ServerConfig controls authentication and abuse limits of the RPC surface.
type ServerConfig struct {
	// AuthToken, when set, must be presented as a bearer token on
	// escrow_sendTransaction.
	AuthToken         string
	RequestsPerMinute float64
	Burst             int
	MaxBodyBytes      int64
	// TrustProxyHeaders makes the limiter key on X-Forwarded-For.
	TrustProxyHeaders bool
}

// Server exposes a node over JSON-RPC and a websocket event stream.
type Server struct {
	node    *core.Node
	cfg     ServerConfig
	logger  *slog.Logger
	limiter *sourceLimiter
	handler http.Handler
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type handlerFunc func(r *http.Request, req *RPCRequest) (interface{}, int, *RPCError)

// NewServer wires the RPC routes for node.
func NewServer(node *core.Node, cfg ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	s := &Server{
		node:    node,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "rpc")),
		limiter: newSourceLimiter(cfg.RequestsPerMinute, cfg.Burst),
	}

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws/events", s.handleEventsWS)
	r.Post("/", otelhttp.NewHandler(http.HandlerFunc(s.handle), "jsonrpc").ServeHTTP)
	s.handler = r
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Serve listens on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("json-rpc server listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func writeError(w http.ResponseWriter, status int, id interface{}, rpcErr *RPCError) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	w.WriteHeader(status)
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: rpcErr}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) methods() map[string]handlerFunc {
	return map[string]handlerFunc{
		"escrow_sendTransaction":       s.handleSendTransaction,
		"tx_getReceipt":                s.handleGetReceipt,
		"account_getNonce":             s.handleGetNonce,
		"account_getBalance":           s.handleGetBalance,
		"chain_info":                   s.handleChainInfo,
		"escrow_params":                s.handleEscrowParams,
		"escrow_getJob":                s.handleEscrowGetJob,
		"escrow_getProjectStatus":      s.handleEscrowProjectStatus,
		"escrow_getMilestoneStatus":    s.handleEscrowMilestoneStatus,
		"escrow_getMilestoneReviewers": s.handleEscrowMilestoneReviewers,
		"escrow_getMilestoneVotes":     s.handleEscrowMilestoneVotes,
		"escrow_isReviewer":            s.handleEscrowIsReviewer,
		"escrow_listEvents":            s.handleEscrowListEvents,
	}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	reader := http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", s.cfg.MaxBodyBytes)
		}
		writeError(w, status, nil, &RPCError{Code: codeInvalidRequest, Message: message})
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, &RPCError{Code: codeInvalidRequest, Message: "request body required"})
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, &RPCError{Code: codeParseError, Message: "invalid JSON payload", Data: err.Error()})
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, &RPCError{Code: codeInvalidRequest, Message: "unsupported jsonrpc version", Data: req.JSONRPC})
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, &RPCError{Code: codeInvalidRequest, Message: "method required"})
		return
	}

	handler, ok := s.methods()[req.Method]
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, &RPCError{Code: codeMethodNotFound, Message: "method not found", Data: req.Method})
		observability.ModuleMetrics().Observe(moduleName, "unknown", codeMethodNotFound, time.Since(start))
		return
	}
	result, status, rpcErr := handler(r, req)
	if rpcErr != nil {
		writeError(w, status, req.ID, rpcErr)
		observability.ModuleMetrics().Observe(moduleName, req.Method, rpcErr.Code, time.Since(start))
		if status >= http.StatusInternalServerError {
			s.logger.Error("rpc request failed",
				slog.String("method", req.Method),
				slog.Int("code", rpcErr.Code),
				slog.String("message", rpcErr.Message))
		}
		return
	}
	writeResult(w, req.ID, result)
	observability.ModuleMetrics().Observe(moduleName, req.Method, 0, time.Since(start))
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.cfg.AuthToken == "" {
		return nil
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) != 1 {
		s.logger.Warn("rejected rpc credentials", logging.MaskField("token", token))
		return &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials"}
	}
	return nil
}

func (s *Server) clientSource(r *http.Request) string {
	if s.cfg.TrustProxyHeaders {
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			candidate, _, _ := strings.Cut(forwarded, ",")
			if candidate = strings.TrimSpace(candidate); candidate != "" {
				return candidate
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func invalidParams(message string, data interface{}) (interface{}, int, *RPCError) {
	return nil, http.StatusBadRequest, &RPCError{Code: codeInvalidParams, Message: message, Data: data}
}

func serverError(message string, err error) (interface{}, int, *RPCError) {
	return nil, http.StatusInternalServerError, &RPCError{Code: codeServerError, Message: message, Data: err.Error()}
}

// Package server exposes the orchestrator over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Norgate-AV/compilerd/internal/codes"
	"github.com/Norgate-AV/compilerd/internal/compiler"
	"github.com/Norgate-AV/compilerd/internal/logging"
	"github.com/Norgate-AV/compilerd/internal/request"
)

const (
	maxRequestBytes = 4 << 20
	shutdownTimeout = 10 * time.Second
)

// Compiler is the orchestrator surface the handlers need
type Compiler interface {
	Compile(ctx context.Context, req *request.CompilationRequest) (*compiler.Result, error)
	Compilers() []compiler.Info
}

type errorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

type handlers struct {
	compiler Compiler
	logger   logr.Logger
}

// NewHandler builds the router. gatherer backs /metrics and may be nil.
func NewHandler(c Compiler, gatherer prometheus.Gatherer, logger logr.Logger) http.Handler {
	h := &handlers{compiler: c, logger: logger.WithName("http")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/healthz", healthz)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(api chi.Router) {
		api.Get("/compilers", h.listCompilers)
		api.Post("/compiler/{id}/compile", h.compile)
	})

	return r
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("ok"))
}

func (h *handlers) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		h.logger.V(logging.VERBOSE).Info("Request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start).String(),
			"requestId", middleware.GetReqID(r.Context()),
		)
	})
}

func (h *handlers) listCompilers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.compiler.Compilers())
}

func (h *handlers) compile(w http.ResponseWriter, r *http.Request) {
	var body request.CompilationRequest

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("invalid request body: %v", err), Code: "BadRequest"})
		return
	}

	body.CompilerID = chi.URLParam(r, "id")
	body.ReceivedAt = time.Now()
	body.ClientIP = clientIP(r)

	req, err := request.New(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: "BadRequest"})
		return
	}

	res, err := h.compiler.Compile(r.Context(), req)
	if err != nil {
		if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
			// client went away; nobody to answer
			return
		}

		code := codes.CanonicalCode(err)
		if code == codes.Unknown {
			h.logger.Error(err, "Compile failed", "compiler", req.CompilerID)
		}

		writeJSON(w, codes.HTTPStatus(err), errorBody{
			Error:   err.Error(),
			Code:    string(code),
			Message: codes.GetMessage(code),
		})

		return
	}

	writeJSON(w, http.StatusOK, res)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Serve runs an http.Server on addr until ctx ends, then shuts it down
func Serve(ctx context.Context, addr string, handler http.Handler, logger logr.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.V(logging.DEFAULT).Info("Listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}

	return nil
}

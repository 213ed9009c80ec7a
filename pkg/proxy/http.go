package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/abdhe/codegen-proxy/pkg/metrics"
	"github.com/abdhe/codegen-proxy/pkg/upstream"
)

// maxBodyBytes bounds inbound JSON bodies.
const maxBodyBytes = 1 << 20

// kindValidation is reported for requests rejected before any upstream call.
const kindValidation = "validation"

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type httpHandler struct {
	svc    *Service
	logger *zap.Logger
}

// NewHTTPHandler returns the REST API: health, generate and model routes,
// wrapped in request-ID, CORS, metrics and recovery middleware.
func NewHTTPHandler(svc *Service, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &httpHandler{svc: svc, logger: logger.Named("http")}

	mux := http.NewServeMux()
	h.route(mux, http.MethodGet, "/health", h.rootHealth)
	h.route(mux, http.MethodGet, "/api/v1/", h.welcome)
	h.route(mux, http.MethodGet, "/api/v1/health", h.health)
	h.route(mux, http.MethodPost, "/api/v1/generate", h.generate)
	h.route(mux, http.MethodGet, "/api/v1/model", h.modelInfo)

	return h.recoverer(h.requestID(cors(mux)))
}

// route registers an exact-path handler instrumented under its own path.
func (h *httpHandler) route(mux *http.ServeMux, method, path string, fn http.HandlerFunc) {
	pattern := method + " " + path
	if path[len(path)-1] == '/' {
		pattern += "{$}"
	}
	mux.Handle(pattern, instrument(path, fn))
}

func (h *httpHandler) rootHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": serviceName})
}

func (h *httpHandler) welcome(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Welcome to Ollama DeepSeek API"})
}

func (h *httpHandler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Health())
}

func (h *httpHandler) generate(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		h.writeError(w, r, &ValidationError{Field: "body", Message: fmt.Sprintf("invalid JSON: %v", err)})
		return
	}

	resp, err := h.svc.Generate(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *httpHandler) modelInfo(w http.ResponseWriter, r *http.Request) {
	resp, err := h.svc.ModelInfo(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeError maps an error to its status code and JSON body.
func (h *httpHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := classifyHTTP(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", upstream.RequestIDFromContext(r.Context())),
			zap.String("kind", kind),
			zap.Error(err),
		)
	}
	writeJSON(w, status, ErrorResponse{Kind: kind, Message: err.Error()})
}

func classifyHTTP(err error) (int, string) {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return http.StatusUnprocessableEntity, kindValidation
	}

	kind := upstream.KindOf(err)
	switch kind {
	case upstream.KindCircuitOpen, upstream.KindShutdown:
		return http.StatusServiceUnavailable, string(kind)
	}
	return http.StatusInternalServerError, string(kind)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

// requestID assigns X-Request-ID, echoes it and forwards it upstream.
func (h *httpHandler) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(upstream.HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(upstream.HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(upstream.WithRequestID(r.Context(), id)))
	})
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			// "*" is not valid alongside credentials.
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
				w.Header().Set("Access-Control-Allow-Headers", reqHeaders)
			}
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *httpHandler) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				h.logger.Error("panic serving request",
					zap.String("path", r.URL.Path),
					zap.Any("panic", rec),
					zap.Stack("stack"),
				)
				writeJSON(w, http.StatusInternalServerError, ErrorResponse{Kind: string(upstream.KindUnknown), Message: "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// instrument records http_requests_total and http_request_duration_seconds.
func instrument(endpoint string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

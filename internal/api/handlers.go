// Package api is the HTTP front end: it translates requests into
// internal/gateway.Gateway calls and gateway results into the response
// shapes below, grounded on original_source/src/server.rs's route table.
package api

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/chiya-dev/castella-gateway/internal/gateway"
	"github.com/chiya-dev/castella-gateway/internal/gatewayerr"
	"github.com/chiya-dev/castella-gateway/internal/metadata"
	"github.com/chiya-dev/castella-gateway/internal/metrics"
)

// fileCacheControl is served on every successful HEAD/GET response: file
// content is immutable once uploaded (a new upload always gets a new key).
const fileCacheControl = "public,max-age=31536000,immutable"

// rfc2822 is Go's closest stock layout to chrono's to_rfc2822().
const rfc2822 = time.RFC1123Z

// Handler serves the file-gateway HTTP surface.
type Handler struct {
	gw            *gateway.Gateway
	logger        *logrus.Logger
	metrics       *metrics.Metrics
	maxUploadSize int64
}

// NewHandler constructs a Handler. maxUploadSize is in bytes.
func NewHandler(gw *gateway.Gateway, logger *logrus.Logger, m *metrics.Metrics, maxUploadSize int64) *Handler {
	return &Handler{gw: gw, logger: logger, metrics: m, maxUploadSize: maxUploadSize}
}

// RegisterRoutes registers every route on r.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.Use(serverHeaderMiddleware)

	r.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", h.handleReady).Methods(http.MethodGet)
	r.HandleFunc("/live", h.handleLive).Methods(http.MethodGet)
	r.Handle("/metrics", h.metrics.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/", h.handleRoot).Methods(http.MethodGet)
	r.HandleFunc("/", h.handleUpload).Methods(http.MethodPost)
	r.HandleFunc("/{key:[0-9]+}", h.handleHead).Methods(http.MethodHead)
	r.HandleFunc("/{key:[0-9]+}", h.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/{key:[0-9]+}", h.handleDelete).Methods(http.MethodDelete)

	r.NotFoundHandler = http.HandlerFunc(h.handleNotFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(h.handleMethodNotAllowed)
}

func serverHeaderMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("server", "castella")
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	metrics.HealthHandler()(w, r)
	h.metrics.RecordHTTPRequest(r.Context(), http.MethodGet, "/health", http.StatusOK, time.Since(start), 0)
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	metrics.ReadinessHandler(nil)(w, r)
	h.metrics.RecordHTTPRequest(r.Context(), http.MethodGet, "/ready", http.StatusOK, time.Since(start), 0)
}

func (h *Handler) handleLive(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	metrics.LivenessHandler()(w, r)
	h.metrics.RecordHTTPRequest(r.Context(), http.MethodGet, "/live", http.StatusOK, time.Since(start), 0)
}

func (h *Handler) handleRoot(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	n, _ := io.WriteString(w, "castella file server")
	h.metrics.RecordHTTPRequest(r.Context(), http.MethodGet, "/", http.StatusOK, time.Since(start), int64(n))
}

func (h *Handler) handleNotFound(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	writeJSONError(w, http.StatusNotFound, "not found")
	h.metrics.RecordHTTPRequest(r.Context(), r.Method, r.URL.Path, http.StatusNotFound, time.Since(start), 0)
}

func (h *Handler) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	writeJSONError(w, http.StatusBadRequest, "method not allowed")
	h.metrics.RecordHTTPRequest(r.Context(), r.Method, r.URL.Path, http.StatusBadRequest, time.Since(start), 0)
}

// fileETag matches get_file_etag: base64url-nopad(sha256(file.id)).
func fileETag(file *metadata.File) string {
	sum := sha256.Sum256([]byte(file.ID))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func setFileHeaders(w http.ResponseWriter, file *metadata.File, length int64) {
	w.Header().Set("content-type", file.ContentType)
	w.Header().Set("content-length", strconv.FormatInt(length, 10))
	w.Header().Set("cache-control", fileCacheControl)
	w.Header().Set("last-modified", file.CreatedTime.UTC().Format(rfc2822))
	w.Header().Set("etag", fmt.Sprintf("%q", fileETag(file)))
	w.Header().Set("accept-ranges", "bytes")
}

func (h *Handler) handleHead(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	key, ok := parseKey(r)
	if !ok {
		h.writeError(w, r, start, http.StatusBadRequest, "invalid key")
		return
	}

	file, err := h.gw.GetInfo(r.Context(), key)
	if err != nil {
		h.writeGatewayError(w, r, start, "GetInfo", err)
		return
	}

	setFileHeaders(w, file, file.Size)
	w.WriteHeader(http.StatusOK)
	h.metrics.RecordHTTPRequest(r.Context(), http.MethodHead, r.URL.Path, http.StatusOK, time.Since(start), 0)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	key, ok := parseKey(r)
	if !ok {
		h.writeError(w, r, start, http.StatusBadRequest, "invalid key")
		return
	}

	var reqRange *gateway.ByteRange
	if raw := r.Header.Get("Range"); raw != "" {
		if rStart, rEnd, valid := ParseSingleRangeHeader(raw); valid {
			reqRange = &gateway.ByteRange{Start: rStart, End: rEnd}
		}
		// An unparseable Range header is silently ignored (full content is
		// served), matching the original's Option::and_then chain.
	}

	file, body, served, err := h.gw.Get(r.Context(), key, reqRange)
	if err != nil {
		h.writeGatewayError(w, r, start, "Get", err)
		return
	}
	defer body.Close()

	length := served.End - served.Start
	setFileHeaders(w, file, length)

	status := http.StatusOK
	if length != file.Size {
		status = http.StatusPartialContent
		w.Header().Set("content-range", fmt.Sprintf("bytes %d-%d/%d", served.Start, served.End-1, file.Size))
	}
	w.WriteHeader(status)

	n, _ := io.Copy(w, body)
	h.metrics.RecordHTTPRequest(r.Context(), http.MethodGet, r.URL.Path, status, time.Since(start), n)
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	rawLength := r.Header.Get("Content-Length")
	if rawLength == "" {
		h.writeError(w, r, start, http.StatusBadRequest, "missing content-length header")
		return
	}
	size, err := strconv.ParseInt(rawLength, 10, 64)
	if err != nil || size <= 0 {
		h.writeError(w, r, start, http.StatusBadRequest, "invalid content-length header")
		return
	}
	if size > h.maxUploadSize {
		h.writeError(w, r, start, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	file, err := h.gw.Upload(r.Context(), size, contentType, r.Body)
	if err != nil {
		h.writeGatewayError(w, r, start, "Upload", err)
		return
	}

	resp := struct {
		Key         int32     `json:"key"`
		Size        int64     `json:"size"`
		ContentType string    `json:"content_type"`
		CreatedTime time.Time `json:"created_time"`
	}{Key: file.FileKey, Size: file.Size, ContentType: file.ContentType, CreatedTime: file.CreatedTime.UTC()}

	writeJSON(w, http.StatusOK, resp)
	h.metrics.RecordHTTPRequest(r.Context(), http.MethodPost, r.URL.Path, http.StatusOK, time.Since(start), size)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	key, ok := parseKey(r)
	if !ok {
		h.writeError(w, r, start, http.StatusBadRequest, "invalid key")
		return
	}

	if _, err := h.gw.Delete(r.Context(), key); err != nil {
		h.writeGatewayError(w, r, start, "Delete", err)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Deleted bool `json:"deleted"`
	}{Deleted: true})
	h.metrics.RecordHTTPRequest(r.Context(), http.MethodDelete, r.URL.Path, http.StatusOK, time.Since(start), 0)
}

func parseKey(r *http.Request) (int32, bool) {
	v, err := strconv.ParseInt(mux.Vars(r)["key"], 10, 32)
	if err != nil {
		return 0, false
	}
	return int32(v), true
}

// writeGatewayError maps a gateway error to a status code, logging
// store/transport-class failures (the HTTP 500 class) as a warning the way
// the original logs Error::Store before converting it to a response.
func (h *Handler) writeGatewayError(w http.ResponseWriter, r *http.Request, start time.Time, op string, err error) {
	status := gatewayerr.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.WithError(err).WithFields(logrus.Fields{"op": op, "path": r.URL.Path}).Warn("gateway operation failed")
	}
	message := "no such file"
	if !gatewayerr.Is(err, gatewayerr.KindNotFound) {
		message = err.Error()
	}
	h.writeError(w, r, start, status, message)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, start time.Time, status int, message string) {
	writeJSONError(w, status, message)
	h.metrics.RecordHTTPRequest(r.Context(), r.Method, r.URL.Path, status, time.Since(start), 0)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, struct {
		Error   bool   `json:"error"`
		Status  int    `json:"status"`
		Message string `json:"message"`
	}{Error: true, Status: status, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

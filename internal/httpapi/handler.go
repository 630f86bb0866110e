// Package httpapi wires the HTTP endpoints of the gateway: authenticated
// file operations, health and Prometheus exposition. Uploads are accepted
// here but performed asynchronously by the queue consumer.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"pkt.systems/pslog"

	"pkt.systems/blobd/api"
	"pkt.systems/blobd/internal/queue"
	"pkt.systems/blobd/internal/store"
)

// DefaultMaxUploadBytes caps the multipart upload body.
const DefaultMaxUploadBytes = 10 << 20 // 10 MiB

// Publisher is the queue-side dependency, satisfied by *queue.Manager.
type Publisher interface {
	Publish(ctx context.Context, queueName string, payload any) error
	State() queue.State
}

// Storage is the store-side dependency, satisfied by *store.Store.
type Storage interface {
	Retrieve(ctx context.Context, key string, requester store.Identity) (store.GetResult, error)
	Remove(ctx context.Context, key string, requester store.Identity) error
	List(ctx context.Context, requester store.Identity) []api.ObjectSummary
}

// Config assembles a Handler.
type Config struct {
	Publisher   Publisher
	Store       Storage
	UploadQueue string
	// JWTSecret verifies HMAC-signed bearer tokens on every file route.
	JWTSecret      []byte
	MaxUploadBytes int64
	// Registry, when set, is exposed at /metrics.
	Registry *prometheus.Registry
	Logger   pslog.Logger
}

// Handler wires HTTP endpoints to the queue and the store.
type Handler struct {
	publisher   Publisher
	store       Storage
	uploadQueue string
	jwtSecret   []byte
	maxUpload   int64
	registry    *prometheus.Registry
	logger      pslog.Logger
}

// New validates cfg and returns a Handler.
func New(cfg Config) (*Handler, error) {
	if cfg.Publisher == nil {
		return nil, fmt.Errorf("httpapi: publisher is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("httpapi: store is required")
	}
	if cfg.UploadQueue == "" {
		return nil, fmt.Errorf("httpapi: upload queue name is required")
	}
	if len(cfg.JWTSecret) == 0 {
		return nil, fmt.Errorf("httpapi: jwt secret is required")
	}
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = DefaultMaxUploadBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Handler{
		publisher:   cfg.Publisher,
		store:       cfg.Store,
		uploadQueue: cfg.UploadQueue,
		jwtSecret:   cfg.JWTSecret,
		maxUpload:   maxUpload,
		registry:    cfg.Registry,
		logger:      logger.With("sys", "httpapi"),
	}, nil
}

// Register wires the file routes, health and metrics endpoints.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("POST /api/files/upload", h.auth(h.handleUpload))
	mux.Handle("GET /api/files/list", h.auth(h.handleList))
	mux.Handle("GET /api/files/download/{key...}", h.auth(h.handleDownload))
	mux.Handle("DELETE /api/files/{key...}", h.auth(h.handleDelete))
	mux.HandleFunc("GET /health", h.handleHealth)
	if h.registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}))
	}
}

type identityKey struct{}

func identityFrom(ctx context.Context) (store.Identity, bool) {
	ident, ok := ctx.Value(identityKey{}).(store.Identity)
	return ident, ok
}

// auth verifies the bearer token and stashes the resolved identity in the
// request context. Tokens must be HMAC signed with the shared secret and
// carry a tenant identifier in the id or userId claim.
func (h *Handler) auth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer"))
		if raw == "" {
			h.writeError(w, r, httpError{Status: http.StatusUnauthorized, Code: "missing_token", Detail: "authorization bearer token is required"})
			return
		}
		claims := jwt.MapClaims{}
		_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return h.jwtSecret, nil
		})
		if err != nil {
			h.logger.Debug("httpapi.auth.rejected", "error", err)
			h.writeError(w, r, httpError{Status: http.StatusUnauthorized, Code: "invalid_token", Detail: "token verification failed"})
			return
		}
		ident := store.Identity{
			ID:    firstClaim(claims, "id", "userId"),
			Role:  store.ParseRole(stringClaim(claims, "role")),
			Name:  stringClaim(claims, "name"),
			Email: stringClaim(claims, "email"),
		}
		if ident.ID == "" {
			h.writeError(w, r, httpError{Status: http.StatusUnauthorized, Code: "invalid_token", Detail: "token carries no tenant identifier"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, ident)))
	})
}

func stringClaim(claims jwt.MapClaims, name string) string {
	if v, ok := claims[name].(string); ok {
		return v
	}
	return ""
}

func firstClaim(claims jwt.MapClaims, names ...string) string {
	for _, name := range names {
		if v := stringClaim(claims, name); v != "" {
			return v
		}
	}
	return ""
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	ident, ok := identityFrom(r.Context())
	if !ok {
		h.writeError(w, r, httpError{Status: http.StatusUnauthorized, Code: "missing_identity"})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		h.writeError(w, r, httpError{Status: http.StatusBadRequest, Code: "invalid_upload", Detail: "multipart form parse failed"})
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		h.writeError(w, r, httpError{Status: http.StatusBadRequest, Code: "invalid_upload", Detail: "file form field is required"})
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		h.writeError(w, r, httpError{Status: http.StatusBadRequest, Code: "invalid_upload", Detail: "reading file content failed"})
		return
	}
	envelope := api.UploadEnvelope{
		File: api.FilePayload{
			Buffer:       api.EncodeBuffer(data),
			OriginalName: header.Filename,
			MimeType:     header.Header.Get("Content-Type"),
			Size:         int64(len(data)),
		},
		Metadata: api.OwnerMetadata{
			ID:     ident.ID,
			UserID: ident.ID,
			Role:   string(ident.Role),
			Name:   ident.Name,
			Email:  ident.Email,
		},
	}
	if err := h.publisher.Publish(r.Context(), h.uploadQueue, envelope); err != nil {
		h.logger.Warn("httpapi.upload.enqueue_error", "owner", ident.ID, "file", header.Filename, "error", err)
		h.writeError(w, r, err)
		return
	}
	h.logger.Info("httpapi.upload.queued", "owner", ident.ID, "file", header.Filename, "bytes", len(data))
	h.writeJSON(w, http.StatusAccepted, map[string]any{
		"status":       "queued",
		"originalname": header.Filename,
		"size":         len(data),
	})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	ident, ok := identityFrom(r.Context())
	if !ok {
		h.writeError(w, r, httpError{Status: http.StatusUnauthorized, Code: "missing_identity"})
		return
	}
	objects := h.store.List(r.Context(), ident)
	h.writeJSON(w, http.StatusOK, map[string]any{"files": objects})
}

func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	ident, ok := identityFrom(r.Context())
	if !ok {
		h.writeError(w, r, httpError{Status: http.StatusUnauthorized, Code: "missing_identity"})
		return
	}
	key := r.PathValue("key")
	if key == "" {
		h.writeError(w, r, httpError{Status: http.StatusBadRequest, Code: "missing_key"})
		return
	}
	res, err := h.store.Retrieve(r.Context(), key, ident)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer res.Reader.Close()
	if res.Info.ContentType != "" {
		w.Header().Set("Content-Type", res.Info.ContentType)
	}
	if res.Info.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(res.Info.Size, 10))
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", downloadName(key)))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, res.Reader); err != nil {
		// Headers are gone; all we can do is log the interrupted stream.
		h.logger.Debug("httpapi.download.stream_error", "key", key, "error", err)
	}
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ident, ok := identityFrom(r.Context())
	if !ok {
		h.writeError(w, r, httpError{Status: http.StatusUnauthorized, Code: "missing_identity"})
		return
	}
	key := r.PathValue("key")
	if key == "" {
		h.writeError(w, r, httpError{Status: http.StatusBadRequest, Code: "missing_key"})
		return
	}
	if err := h.store.Remove(r.Context(), key, ident); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "key": key})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"queue":  h.publisher.State().String(),
	})
}

// downloadName strips the tenant prefix and timestamp from a stored key for
// the attachment filename.
func downloadName(key string) string {
	name := key
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.Index(name, "-"); i >= 0 {
		if _, err := strconv.ParseInt(name[:i], 10, 64); err == nil {
			name = name[i+1:]
		}
	}
	if name == "" {
		return key
	}
	return name
}

type httpError struct {
	Status int
	Code   string
	Detail string
}

func (e httpError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	}
	return e.Code
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var he httpError
	switch {
	case errors.As(err, &he):
	case errors.Is(err, store.ErrAccessDenied):
		he = httpError{Status: http.StatusForbidden, Code: "access_denied"}
	case errors.Is(err, store.ErrNotFound):
		he = httpError{Status: http.StatusNotFound, Code: "not_found"}
	case errors.Is(err, queue.ErrConnection):
		he = httpError{Status: http.StatusServiceUnavailable, Code: "queue_unavailable", Detail: "upload queue is unreachable"}
	default:
		h.logger.Error("httpapi.request.error", "method", r.Method, "path", r.URL.Path, "error", err)
		he = httpError{Status: http.StatusInternalServerError, Code: "internal_error"}
	}
	h.writeJSON(w, he.Status, map[string]any{"error": he.Code, "detail": he.Detail})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Debug("httpapi.response.encode_error", "error", err)
	}
}

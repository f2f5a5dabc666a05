package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/document-vault/internal/audit"
	"github.com/kenneth/document-vault/internal/auth"
	"github.com/kenneth/document-vault/internal/cache"
	"github.com/kenneth/document-vault/internal/document"
	"github.com/kenneth/document-vault/internal/metrics"
)

const (
	// multipartOverhead covers form boundaries and the non-file fields.
	multipartOverhead = 1 << 20
	multipartMemory   = 32 << 20

	readinessTimeout = 5 * time.Second
)

// Cached view metadata keys.
const (
	cacheContentType = "content-type"
	cacheName        = "original-name"
	cacheUploadedAt  = "uploaded-at"
)

// Handler serves the document HTTP API.
type Handler struct {
	documents   *document.Service
	verifier    *auth.Verifier
	logger      *logrus.Logger
	metrics     *metrics.Metrics
	cache       cache.Cache
	auditLogger audit.Logger
	readiness   map[string]metrics.ReadinessCheck
}

// NewHandler creates a handler without the view cache or the audit trail.
func NewHandler(documents *document.Service, verifier *auth.Verifier, logger *logrus.Logger, m *metrics.Metrics) *Handler {
	return NewHandlerWithFeatures(documents, verifier, logger, m, nil, nil)
}

// NewHandlerWithFeatures creates a handler. cache and auditLogger may be nil.
func NewHandlerWithFeatures(
	documents *document.Service,
	verifier *auth.Verifier,
	logger *logrus.Logger,
	m *metrics.Metrics,
	c cache.Cache,
	auditLogger audit.Logger,
) *Handler {
	return &Handler{
		documents:   documents,
		verifier:    verifier,
		logger:      logger,
		metrics:     m,
		cache:       c,
		auditLogger: auditLogger,
	}
}

// SetReadinessChecks sets the dependency checks run by /ready.
func (h *Handler) SetReadinessChecks(checks map[string]metrics.ReadinessCheck) {
	h.readiness = checks
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", metrics.HealthHandler()).Methods(http.MethodGet)
	r.HandleFunc("/live", metrics.LivenessHandler()).Methods(http.MethodGet)
	r.HandleFunc("/ready", h.handleReady).Methods(http.MethodGet)
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics.Handler()).Methods(http.MethodGet)
	}

	authenticated := auth.Middleware(h.verifier, h.logger, h.writeAuthError)

	docs := r.NewRoute().Subrouter()
	docs.Use(authenticated)
	docs.HandleFunc("/upload/document", h.handleUpload).Methods(http.MethodPost)
	docs.HandleFunc("/upload/view/{path:.*}", h.handleView).Methods(http.MethodGet)
	docs.HandleFunc("/upload/view/{path:.*}", h.handleStat).Methods(http.MethodHead)
	docs.HandleFunc("/documents", h.handleList).Methods(http.MethodGet)
	docs.HandleFunc("/documents/{path:.*}", h.handleDelete).Methods(http.MethodDelete)

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(authenticated, h.requireAdmin)
	admin.HandleFunc("/users/{userId}/documents", h.handleAdminList).Methods(http.MethodGet)
	admin.HandleFunc("/upload/return", h.handleAdminReturn).Methods(http.MethodPost)
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	metrics.ReadinessHandler(readinessTimeout, h.readiness)(w, r)
}

// handleUpload handles POST /upload/document.
func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	h.upload(w, r, "")
}

// handleAdminReturn handles POST /admin/upload/return. The category is fixed.
func (h *Handler) handleAdminReturn(w http.ResponseWriter, r *http.Request) {
	h.upload(w, r, document.CategoryAdminReturns)
}

func (h *Handler) upload(w http.ResponseWriter, r *http.Request, forced document.Category) {
	start := time.Now()
	requester := requesterFrom(r)

	req, err := h.readUpload(w, r)
	if req != nil && forced != "" {
		req.Category = string(forced)
	}
	if err != nil {
		h.audit(r, audit.EventTypeUpload, "", "", start, err, false)
		h.writeError(w, r, err)
		return
	}
	req.Requester = requester

	result, err := h.documents.Ingest(r.Context(), *req)
	if err != nil {
		h.audit(r, audit.EventTypeUpload, req.OwnerID, "", start, err, false)
		h.writeError(w, r, err)
		return
	}

	h.logger.WithFields(logrus.Fields{
		"owner_id":   req.OwnerID,
		"category":   req.Category,
		"size":       result.SizeBytes,
		"request_id": getRequestID(r),
	}).Info("Document uploaded")
	h.audit(r, audit.EventTypeUpload, req.OwnerID, result.Path, start, nil, false)

	w.Header().Set("Location", "/upload/view/"+result.Path)
	writeJSON(w, http.StatusCreated, result)
}

// readUpload parses the multipart form into an IngestRequest. The body is capped just above
// the largest accepted document so oversized uploads fail before they are buffered.
func (h *Handler) readUpload(w http.ResponseWriter, r *http.Request) (*document.IngestRequest, error) {
	limit := h.documents.MaxUploadBytes()
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, err
		}
		return nil, newAPIError(ErrMalformedUpload, "")
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	req := &document.IngestRequest{
		OwnerID:  r.FormValue("userId"),
		Category: r.FormValue("category"),
	}

	file, header, err := r.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		return req, newAPIError(ErrMissingDocument, "")
	}
	if err != nil {
		return req, newAPIError(ErrMalformedUpload, "")
	}
	defer file.Close()

	// Read one byte past the limit so the service sees and rejects an oversized file.
	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		return req, err
	}

	req.OriginalName = header.Filename
	req.DeclaredSize = header.Size
	req.Data = data
	req.ContentType = header.Header.Get("Content-Type")
	if req.ContentType == "" || req.ContentType == "application/octet-stream" {
		req.ContentType = http.DetectContentType(data)
	}
	return req, nil
}

// handleView handles GET /upload/view/{path}. The cache is consulted only after the
// requester is authorized for the path.
func (h *Handler) handleView(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rawPath := mux.Vars(r)["path"]
	requester := requesterFrom(r)

	p, err := h.documents.Authorize(rawPath, requester)
	if err != nil {
		h.audit(r, audit.EventTypeView, "", rawPath, start, err, false)
		h.writeError(w, r, err)
		return
	}

	if h.cache != nil {
		if entry, ok := h.cache.Get(r.Context(), p.String()); ok {
			uploadedAt, _ := time.Parse(time.RFC3339Nano, entry.Metadata[cacheUploadedAt])
			h.audit(r, audit.EventTypeView, p.OwnerID, p.String(), start, nil, true)
			writeDocument(w, entry.Data, entry.Metadata[cacheContentType], entry.Metadata[cacheName], uploadedAt)
			return
		}
	}

	doc, err := h.documents.Retrieve(r.Context(), rawPath, requester)
	if err != nil {
		h.audit(r, audit.EventTypeView, p.OwnerID, p.String(), start, err, false)
		h.writeError(w, r, err)
		return
	}

	if h.cache != nil {
		meta := map[string]string{
			cacheContentType: doc.ContentType,
			cacheName:        doc.OriginalName,
			cacheUploadedAt:  doc.UploadedAt.Format(time.RFC3339Nano),
		}
		if err := h.cache.Set(r.Context(), doc.Path, doc.Data, meta, 0); err != nil {
			h.logger.WithError(err).Debug("Document not cached")
		}
	}

	h.audit(r, audit.EventTypeView, p.OwnerID, doc.Path, start, nil, false)
	writeDocument(w, doc.Data, doc.ContentType, doc.OriginalName, doc.UploadedAt)
}

func writeDocument(w http.ResponseWriter, data []byte, contentType, name string, uploadedAt time.Time) {
	setDocumentHeaders(w, contentType, name, int64(len(data)), uploadedAt)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func setDocumentHeaders(w http.ResponseWriter, contentType, name string, size int64, uploadedAt time.Time) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Content-Disposition", inlineDisposition(name))
	w.Header().Set("Cache-Control", "private, no-store")
	if !uploadedAt.IsZero() {
		w.Header().Set("Last-Modified", uploadedAt.UTC().Format(http.TimeFormat))
	}
}

// handleStat handles HEAD /upload/view/{path} without decrypting.
func (h *Handler) handleStat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rawPath := mux.Vars(r)["path"]

	rec, err := h.documents.Stat(r.Context(), rawPath, requesterFrom(r))
	if err != nil {
		h.audit(r, audit.EventTypeStat, "", rawPath, start, err, false)
		translated := TranslateError(err)
		w.Header().Set("X-Error-Code", translated.Code)
		w.WriteHeader(translated.HTTPStatus)
		return
	}

	h.audit(r, audit.EventTypeStat, rec.OwnerID, rec.ID, start, nil, false)
	setDocumentHeaders(w, rec.ContentType, rec.OriginalName, rec.SizeBytes, rec.UploadedAt)
	w.WriteHeader(http.StatusOK)
}

// listResponse is the catalog body. Partial is set when some categories could not be listed.
type listResponse struct {
	Documents        []document.Record   `json:"documents"`
	Partial          bool                `json:"partial"`
	FailedCategories []document.Category `json:"failedCategories"`
}

// handleList handles GET /documents for the authenticated user.
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	requester := requesterFrom(r)
	h.list(w, r, requester.UserID, requester)
}

// handleAdminList handles GET /admin/users/{userId}/documents.
func (h *Handler) handleAdminList(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, mux.Vars(r)["userId"], requesterFrom(r))
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request, ownerID string, requester document.Requester) {
	start := time.Now()

	listing, err := h.documents.List(r.Context(), ownerID, requester)
	if err != nil {
		h.audit(r, audit.EventTypeList, ownerID, "", start, err, false)
		h.writeError(w, r, err)
		return
	}

	resp := listResponse{
		Documents:        listing.Records,
		Partial:          listing.Partial(),
		FailedCategories: listing.Failed,
	}
	if resp.Documents == nil {
		resp.Documents = []document.Record{}
	}
	if resp.FailedCategories == nil {
		resp.FailedCategories = []document.Category{}
	}
	if resp.Partial {
		h.logger.WithFields(logrus.Fields{
			"owner_id":   ownerID,
			"failed":     listing.Failed,
			"request_id": getRequestID(r),
		}).Warn("Returning partial document listing")
	}

	h.audit(r, audit.EventTypeList, ownerID, "", start, nil, false)
	writeJSON(w, http.StatusOK, resp)
}

// handleDelete handles DELETE /documents/{path}. Deleting a missing document succeeds.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rawPath := mux.Vars(r)["path"]

	err := h.documents.Delete(r.Context(), rawPath, requesterFrom(r))
	if err != nil {
		h.audit(r, audit.EventTypeDelete, "", rawPath, start, err, false)
		h.writeError(w, r, err)
		return
	}

	if h.cache != nil {
		_ = h.cache.Delete(r.Context(), rawPath)
	}

	ownerID := ""
	if parts := strings.SplitN(rawPath, "/", 3); len(parts) == 3 {
		ownerID = parts[1]
	}
	h.audit(r, audit.EventTypeDelete, ownerID, rawPath, start, nil, false)
	w.WriteHeader(http.StatusNoContent)
}

// requireAdmin rejects authenticated callers without the admin role.
func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requesterFrom(r).Admin {
			h.writeError(w, r, newAPIError(ErrAccessDenied, "administrator role required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="document-vault"`)
	h.writeError(w, r, err)
}

// writeError translates err and writes it, logging server-side failures with their cause.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := TranslateError(err)
	if apiErr.HTTPStatus >= http.StatusInternalServerError {
		h.logger.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"code":       apiErr.Code,
			"request_id": getRequestID(r),
		}).WithError(err).Error("Request failed")
	}
	apiErr.WriteJSON(w)
}

func (h *Handler) audit(r *http.Request, eventType audit.EventType, ownerID, path string, start time.Time, err error, cached bool) {
	if h.auditLogger == nil {
		return
	}
	requester := requesterFrom(r)
	event := &audit.AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Actor:     requester.UserID,
		Admin:     requester.Admin,
		OwnerID:   ownerID,
		Path:      path,
		ClientIP:  getClientIP(r),
		UserAgent: r.UserAgent(),
		RequestID: getRequestID(r),
		Success:   err == nil,
		Cached:    cached,
		Duration:  time.Since(start),
	}
	if err != nil {
		event.Error = err.Error()
		event.ErrorKind = document.KindOf(err).String()
	}
	if logErr := h.auditLogger.Log(event); logErr != nil {
		h.logger.WithError(logErr).Warn("Failed to write audit event")
	}
}

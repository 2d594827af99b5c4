// Package handlers exposes the ingestion HTTP API: upload, status, chunk
// listing and cancellation.
package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/perceptra/docpipe/pipeline"
	"github.com/perceptra/docpipe/pipeline_type"
	"github.com/perceptra/docpipe/services/artifact_service"
	"github.com/perceptra/docpipe/storage"
)

const maxUploadBytes = 50 << 20

type DocumentHandler struct {
	store      storage.Store
	artifacts  *artifact_service.Service
	dispatcher *pipeline.Dispatcher
	logger     *slog.Logger
}

func NewDocumentHandler(store storage.Store, artifacts *artifact_service.Service,
	dispatcher *pipeline.Dispatcher, logger *slog.Logger) *DocumentHandler {
	return &DocumentHandler{
		store:      store,
		artifacts:  artifacts,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Upload accepts a multipart document and enqueues it for processing.
func (h *DocumentHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeJSONError(w, "Failed to parse multipart form", http.StatusBadRequest)
		return
	}

	tenantID := strings.TrimSpace(r.FormValue("tenant_id"))
	projectID := strings.TrimSpace(r.FormValue("project_id"))
	if tenantID == "" || projectID == "" {
		writeJSONError(w, "tenant_id and project_id are required", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSONError(w, "Failed to get file from form", http.StatusBadRequest)
		return
	}
	defer file.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, file); err != nil {
		writeJSONError(w, "Failed to read file", http.StatusInternalServerError)
		return
	}
	if buf.Len() == 0 {
		writeJSONError(w, "Uploaded file is empty", http.StatusBadRequest)
		return
	}

	ref, err := h.artifacts.Write(r.Context(), header.Filename, buf.Bytes())
	if err != nil {
		h.logger.Error("Failed to store upload",
			slog.String("filename", header.Filename),
			slog.String("error", err.Error()))
		writeJSONError(w, "Failed to store document", http.StatusInternalServerError)
		return
	}

	now := time.Now().UTC()
	doc := &pipeline_type.Document{
		ID:           uuid.New().String(),
		TenantID:     tenantID,
		ProjectID:    projectID,
		Filename:     header.Filename,
		SourceFormat: strings.TrimPrefix(strings.ToLower(filepath.Ext(header.Filename)), "."),
		CurrentStage: pipeline_type.FirstStage(),
		Status:       pipeline_type.StatusPending,
		SourceRef:    ref,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := h.store.CreateDocument(r.Context(), doc); err != nil {
		writeJSONError(w, "Failed to store document", http.StatusInternalServerError)
		return
	}

	if err := h.dispatcher.Enqueue(r.Context(), doc.ID, pipeline_type.FirstStage(), 0); err != nil {
		h.logger.Error("Failed to enqueue document",
			slog.String("document_id", doc.ID),
			slog.String("error", err.Error()))
		// No task will ever pick this record up; without the status flip
		// it would sit in pending forever.
		doc.Status = pipeline_type.StatusFailed
		if uerr := h.store.UpdateDocument(r.Context(), doc); uerr != nil {
			h.logger.Error("Failed to mark unqueued document failed",
				slog.String("document_id", doc.ID),
				slog.String("error", uerr.Error()))
		}
		if errors.Is(err, pipeline_type.ErrQueueFull) {
			writeJSONError(w, "Ingestion queue is full, retry later", http.StatusServiceUnavailable)
			return
		}
		writeJSONError(w, "Failed to enqueue document", http.StatusInternalServerError)
		return
	}

	h.logger.Info("Accepted document upload",
		slog.String("document_id", doc.ID),
		slog.String("tenant_id", tenantID),
		slog.String("filename", header.Filename))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(doc)
}

// Status reports a document's stage, status and error history.
func (h *DocumentHandler) Status(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	doc, err := h.store.GetDocument(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSONError(w, "Document not found", http.StatusNotFound)
			return
		}
		writeJSONError(w, "Failed to load document", http.StatusInternalServerError)
		return
	}

	response := struct {
		*pipeline_type.Document
		InFlight bool `json:"in_flight"`
	}{doc, h.dispatcher.InFlight(doc.ID)}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// Chunks lists a document's chunks in ordinal order.
func (h *DocumentHandler) Chunks(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if _, err := h.store.GetDocument(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSONError(w, "Document not found", http.StatusNotFound)
			return
		}
		writeJSONError(w, "Failed to load document", http.StatusInternalServerError)
		return
	}

	chunks, err := h.store.ListChunks(r.Context(), id)
	if err != nil {
		writeJSONError(w, "Failed to load chunks", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"document_id": id,
		"count":       len(chunks),
		"chunks":      chunks,
	})
}

// Cancel flags a document so in-flight work is discarded on completion.
func (h *DocumentHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := h.dispatcher.Cancel(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSONError(w, "Document not found", http.StatusNotFound)
			return
		}
		writeJSONError(w, "Failed to cancel document", http.StatusInternalServerError)
		return
	}

	h.logger.Info("Cancelled document", slog.String("document_id", id))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"message": "Document cancelled"})
}

func writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

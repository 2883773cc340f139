package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/pet-image-pipeline/internal/consumer"
	"github.com/JakeFAU/pet-image-pipeline/internal/dispatch"
	"github.com/JakeFAU/pet-image-pipeline/internal/pet"
)

type dispatchRequest struct {
	Limit *int `json:"limit"`
}

func (s *Server) dispatchBatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := 0
	if req.Limit != nil {
		limit = *req.Limit
		if limit == 0 {
			writeError(w, http.StatusBadRequest, "limit must be positive")
			return
		}
	}
	res, err := s.deps.Dispatch.DispatchBatch(r.Context(), limit)
	s.writeDispatch(w, res, err)
}

func (s *Server) dispatchScheduled(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Dispatch.DispatchScheduled(r.Context())
	s.writeDispatch(w, res, err)
}

func (s *Server) writeDispatch(w http.ResponseWriter, res dispatch.Result, err error) {
	switch {
	case errors.Is(err, dispatch.ErrInvalidLimit):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		s.logger.Error("dispatch failed", zap.String("batch_id", res.BatchID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"batchId": res.BatchID,
			"error":   err.Error(),
		})
	default:
		if res.Pets == nil {
			res.Pets = []dispatch.PetSummary{}
		}
		writeJSON(w, http.StatusOK, res)
	}
}

type callbackRequest struct {
	BatchID   string   `json:"batchId"`
	Completed []string `json:"completed"`
	Failed    []string `json:"failed"`
}

func (s *Server) screenshotCallback(w http.ResponseWriter, r *http.Request) {
	var req callbackRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.BatchID) == "" {
		writeError(w, http.StatusBadRequest, "batchId is required")
		return
	}
	done, err := s.deps.Dispatch.CompleteBatch(r.Context(), req.BatchID, req.Completed, req.Failed)
	switch {
	case errors.Is(err, pet.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, pet.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		s.logger.Error("screenshot callback failed", zap.String("batch_id", req.BatchID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "result": done})
	}
}

func (s *Server) imageStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Images.Statistics(r.Context())
	if err != nil {
		s.logger.Error("image statistics failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to compute image statistics")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) pendingScreenshots(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	records, err := s.deps.Images.PendingScreenshots(r.Context(), limit)
	if err != nil {
		s.logger.Error("list pending screenshots failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list pending screenshots")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pets": nonNil(records)})
}

func (s *Server) missingImages(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	records, err := s.deps.Images.FindRecordsWithoutImages(r.Context(), limit)
	if err != nil {
		s.logger.Error("list records without images failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list records without images")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pets": nonNil(records)})
}

func (s *Server) imageStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.deps.Images.Status(r.Context(), chi.URLParam(r, "pet_id"))
	if err != nil {
		s.logger.Error("image status failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to probe image storage")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) reconcileImages(w http.ResponseWriter, r *http.Request) {
	status, err := s.deps.Images.Reconcile(r.Context(), chi.URLParam(r, "pet_id"))
	if err != nil {
		s.logger.Error("reconcile failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to reconcile images")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) uploadImage(w http.ResponseWriter, r *http.Request) {
	format, err := pet.ParseFormat(chi.URLParam(r, "format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "image too large")
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "image body is empty")
		return
	}
	id := chi.URLParam(r, "pet_id")
	url, err := s.deps.Images.Upload(r.Context(), id, data, format)
	if err != nil {
		s.writeImageError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "url": url})
}

func (s *Server) deleteImages(w http.ResponseWriter, r *http.Request) {
	var formats []pet.Format
	if raw := strings.TrimSpace(r.URL.Query().Get("format")); raw != "" {
		format, err := pet.ParseFormat(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		formats = append(formats, format)
	}
	id := chi.URLParam(r, "pet_id")
	if err := s.deps.Images.Delete(r.Context(), id, formats...); err != nil {
		s.writeImageError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) writeImageError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, pet.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("pet %s not found", id))
		return
	}
	s.logger.Error("image write failed", zap.String("pet_id", id), zap.Error(err))
	writeError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) cleanupStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Expiration.CleanupStats(r.Context()))
}

func (s *Server) cleanupRun(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Expiration.Sweep(r.Context())
	if err != nil {
		s.logger.Error("cleanup sweep failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "result": res, "error": err.Error()})
		return
	}
	if len(res.Errors) > 0 {
		s.logger.Warn("cleanup sweep reported errors", zap.Strings("errors", res.Errors))
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": len(res.Errors) == 0, "result": res})
}

type backfillRequest struct {
	Days int `json:"days"`
}

func (s *Server) backfillTTL(w http.ResponseWriter, r *http.Request) {
	var req backfillRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Days <= 0 {
		writeError(w, http.StatusBadRequest, "days must be positive")
		return
	}
	n, err := s.deps.Expiration.BackfillDefaultTTL(r.Context(), req.Days)
	if err != nil {
		s.logger.Error("ttl backfill failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "updated": n})
}

type enqueueRequest struct {
	Type       pet.MessageType `json:"type"`
	Payload    pet.Payload     `json:"payload"`
	MaxRetries int             `json:"maxRetries"`
}

func (s *Server) enqueueMessage(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.MaxRetries < 0 {
		writeError(w, http.StatusBadRequest, "maxRetries must be >= 0")
		return
	}
	msg, err := s.deps.Producer.Enqueue(r.Context(), req.Type, req.Payload, req.MaxRetries)
	if err != nil {
		if errors.Is(err, consumer.ErrInvalidMessage) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("enqueue failed", zap.String("message_type", string(req.Type)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "message": msg})
}

func (s *Server) listBatches(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	batches, err := s.deps.Audit.ListBatches(r.Context(), limit)
	if err != nil {
		s.logger.Error("list batches failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list batches")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batches": nonNil(batches)})
}

func (s *Server) listFailures(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	failures, err := s.deps.Audit.ListFailures(r.Context(), limit)
	if err != nil {
		s.logger.Error("list failures failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list failures")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"failures": nonNil(failures)})
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

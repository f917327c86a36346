package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rcourtman/voicegate/pkg/entitlement"
)

const maxRequestBodyBytes = 64 * 1024

type trialResponse struct {
	Started       bool       `json:"started"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	EndsAt        *time.Time `json:"ends_at,omitempty"`
	DaysRemaining *int       `json:"days_remaining"`
}

type purchaseRequest struct {
	ProductID string `json:"product_id"`
}

type restoreRequest struct {
	Active    bool   `json:"active"`
	ProductID string `json:"product_id"`
}

type usageResponse struct {
	Recorded bool                    `json:"recorded"`
	Usage    entitlement.UsageResult `json:"usage"`
}

// evaluationTime returns ?at= (RFC 3339) when present so past decisions can
// be replayed, otherwise the engine clock.
func evaluationTime(req *http.Request, e *entitlement.Engine) (time.Time, error) {
	raw := strings.TrimSpace(req.URL.Query().Get("at"))
	if raw == "" {
		return e.Now(), nil
	}
	return time.Parse(time.RFC3339, raw)
}

func (r *Router) readTime(w http.ResponseWriter, req *http.Request, e *entitlement.Engine) (time.Time, bool) {
	now, err := evaluationTime(req, e)
	if err != nil {
		writeErrorResponse(w, req, http.StatusBadRequest, "invalid_time", "Query parameter 'at' must be RFC 3339", nil)
		return time.Time{}, false
	}
	return now, true
}

func (r *Router) handleStatus(w http.ResponseWriter, req *http.Request, e *entitlement.Engine) {
	now, ok := r.readTime(w, req, e)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, e.Resolve(req.Context(), now))
}

func (r *Router) handleSnapshot(w http.ResponseWriter, req *http.Request, e *entitlement.Engine) {
	now, ok := r.readTime(w, req, e)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, e.Snapshot(req.Context(), now))
}

func (r *Router) handleQuota(w http.ResponseWriter, req *http.Request, e *entitlement.Engine) {
	now, ok := r.readTime(w, req, e)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, e.CheckQuota(req.Context(), now))
}

func (r *Router) handlePaywall(w http.ResponseWriter, req *http.Request, e *entitlement.Engine) {
	now, ok := r.readTime(w, req, e)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, e.DecidePaywall(req.Context(), now))
}

func (r *Router) handleRecordUsage(w http.ResponseWriter, req *http.Request, e *entitlement.Engine) {
	now := e.Now()
	if err := e.RecordUsage(now); err != nil {
		writeErrorResponse(w, req, http.StatusInternalServerError, "store_error",
			sanitizeErrorForClient(req, err, "Failed to record usage"), nil)
		return
	}
	writeJSON(w, http.StatusOK, usageResponse{Recorded: true, Usage: e.CheckQuota(req.Context(), now)})
}

func (r *Router) handleTrial(w http.ResponseWriter, req *http.Request, e *entitlement.Engine) {
	now, ok := r.readTime(w, req, e)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, trialView(e, now))
}

func (r *Router) handleStartTrial(w http.ResponseWriter, req *http.Request, e *entitlement.Engine) {
	now := e.Now()
	if err := e.StartTrialIfAbsent(now); err != nil {
		writeErrorResponse(w, req, http.StatusInternalServerError, "store_error",
			sanitizeErrorForClient(req, err, "Failed to start trial"), nil)
		return
	}
	writeJSON(w, http.StatusOK, trialView(e, now))
}

func trialView(e *entitlement.Engine, now time.Time) trialResponse {
	record := e.TrialRecord()
	resp := trialResponse{
		Started:       record.Started(),
		StartedAt:     record.StartedAt,
		DaysRemaining: e.TrialDaysRemaining(now),
	}
	if record.StartedAt != nil {
		end := record.StartedAt.Add(e.Policy().TrialDuration)
		resp.EndsAt = &end
	}
	return resp
}

func (r *Router) handlePurchase(w http.ResponseWriter, req *http.Request, e *entitlement.Engine) {
	var body purchaseRequest
	if err := decodeBody(w, req, &body); err != nil {
		writeErrorResponse(w, req, http.StatusBadRequest, "invalid_body", err.Error(), nil)
		return
	}
	if strings.TrimSpace(body.ProductID) == "" {
		writeErrorResponse(w, req, http.StatusBadRequest, "invalid_body", "product_id is required", nil)
		return
	}
	if err := e.RecordPurchase(strings.TrimSpace(body.ProductID), e.Now()); err != nil {
		writeErrorResponse(w, req, http.StatusInternalServerError, "store_error",
			sanitizeErrorForClient(req, err, "Failed to record purchase"), nil)
		return
	}
	writeJSON(w, http.StatusOK, e.CachedEntitlement())
}

func (r *Router) handleRestore(w http.ResponseWriter, req *http.Request, e *entitlement.Engine) {
	var body restoreRequest
	if err := decodeBody(w, req, &body); err != nil {
		writeErrorResponse(w, req, http.StatusBadRequest, "invalid_body", err.Error(), nil)
		return
	}
	if err := e.RecordRestore(body.Active, strings.TrimSpace(body.ProductID), e.Now()); err != nil {
		writeErrorResponse(w, req, http.StatusInternalServerError, "store_error",
			sanitizeErrorForClient(req, err, "Failed to record restore"), nil)
		return
	}
	writeJSON(w, http.StatusOK, e.CachedEntitlement())
}

func (r *Router) handleReset(w http.ResponseWriter, req *http.Request, e *entitlement.Engine) {
	if err := e.Reset(); err != nil {
		writeErrorResponse(w, req, http.StatusInternalServerError, "store_error",
			sanitizeErrorForClient(req, err, "Failed to reset state"), nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeBody(w http.ResponseWriter, req *http.Request, dst any) error {
	req.Body = http.MaxBytesReader(w, req.Body, maxRequestBodyBytes)
	dec := json.NewDecoder(req.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return errors.New("request body is not valid JSON")
	}
	return nil
}

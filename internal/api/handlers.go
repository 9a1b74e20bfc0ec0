package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/corpwell/campaigner/internal/domain"
	"github.com/corpwell/campaigner/internal/history"
	"github.com/corpwell/campaigner/internal/roster"
)

// maxRosterUpload bounds multipart parsing memory; larger files spill to disk.
const maxRosterUpload = 32 << 20

// Handlers exposes campaign dispatch over HTTP. The sender identity comes
// from server configuration, never from the request.
type Handlers struct {
	manager *Manager
	sink    history.Sink
	sender  domain.SenderIdentity
}

func NewHandlers(manager *Manager, sink history.Sink, sender domain.SenderIdentity) *Handlers {
	return &Handlers{manager: manager, sink: sink, sender: sender}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// StartRun accepts a multipart form: a "roster" CSV file plus the campaign
// fields, parses the roster up front, and launches the run in the background.
// Roster problems are reported before anything is sent.
func (h *Handlers) StartRun(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxRosterUpload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	file, _, err := r.FormFile("roster")
	if err != nil {
		respondError(w, http.StatusBadRequest, "missing roster file")
		return
	}
	defer file.Close()

	spec := domain.CampaignSpec{
		Name:         r.FormValue("name"),
		Subject:      r.FormValue("subject"),
		BodyTemplate: r.FormValue("body"),
		CTAText:      r.FormValue("cta_text"),
		CTAURL:       r.FormValue("cta_url"),
		Sender:       h.sender,
	}
	if spec.Name == "" || spec.Subject == "" {
		respondError(w, http.StatusBadRequest, "campaign name and subject are required")
		return
	}

	loaded, err := roster.Load(file)
	if err != nil {
		respondError(w, http.StatusBadRequest, "roster: "+err.Error())
		return
	}

	runID, err := h.manager.Start(spec, loaded.Recipients)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"run_id":  runID,
		"total":   len(loaded.Recipients),
		"skipped": loaded.Skipped,
	})
}

func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	view, err := h.manager.View(chi.URLParam(r, "runID"))
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.manager.Views())
}

func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if err := h.manager.Cancel(runID); err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "status": "cancelling"})
}

// ResumeRun restarts an interrupted run from its checkpoint. A JSON body with
// campaign fields is accepted for servers that restarted since the original
// run; it is ignored when the run is still known in memory.
func (h *Handlers) ResumeRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	var body struct {
		Name    string `json:"name"`
		Subject string `json:"subject"`
		Body    string `json:"body"`
		CTAText string `json:"cta_text"`
		CTAURL  string `json:"cta_url"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	fallback := domain.CampaignSpec{
		Name:         body.Name,
		Subject:      body.Subject,
		BodyTemplate: body.Body,
		CTAText:      body.CTAText,
		CTAURL:       body.CTAURL,
		Sender:       h.sender,
	}

	err := h.manager.Resume(r.Context(), runID, fallback)
	switch {
	case errors.Is(err, ErrUnknownRun):
		respondError(w, http.StatusNotFound, "no checkpoint for run")
		return
	case err != nil:
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "status": "resuming"})
}

func (h *Handlers) GetHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}
	entries, err := h.sink.Recent(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

// internal/handler/campaign_handler.go
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/outreach-backend/internal/errors"
	"github.com/unclebandit/outreach-backend/internal/generator"
	"github.com/unclebandit/outreach-backend/internal/model"
	"github.com/unclebandit/outreach-backend/internal/service"
)

const maxBody = 1 << 20

// CampaignService is what the campaign API drives.
type CampaignService interface {
	RunCampaign(ctx context.Context, req service.StartRequest) (*service.CampaignResult, error)
	ListCampaigns(ctx context.Context, page, pageSize int) ([]*model.Campaign, map[string]int, error)
	GetCampaignDetails(ctx context.Context, id string) (*service.CampaignDetails, error)
	ListEmails(ctx context.Context, campaignID string) ([]*model.EmailRecord, error)
	Status(ctx context.Context, id string) (*service.DispatchStatus, error)
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
	SetSpeed(ctx context.Context, id, speed string) error
	Resend(ctx context.Context, emailID string) error
	Preview(ctx context.Context, req service.PreviewRequest) (generator.Content, error)
}

var _ CampaignService = (*service.CampaignService)(nil)

// CampaignHandler holds the dependencies for campaign-related HTTP handlers
type CampaignHandler struct {
	Service CampaignService
	Logger  *zap.Logger
}

func NewCampaignHandler(svc CampaignService, logger *zap.Logger) *CampaignHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CampaignHandler{Service: svc, Logger: logger}
}

// Routes mounts the campaign API on r.
func (h *CampaignHandler) Routes(r chi.Router) {
	r.Post("/start-campaign", h.StartCampaign)
	r.Post("/generate-email", h.GenerateEmail)
	r.Get("/campaigns", h.ListCampaigns)
	r.Route("/campaigns/{id}", func(r chi.Router) {
		r.Get("/", h.GetCampaign)
		r.Get("/emails", h.ListEmails)
		r.Get("/status", h.Status)
		r.Post("/pause", h.control(h.Service.Pause))
		r.Post("/resume", h.control(h.Service.Resume))
		r.Post("/cancel", h.control(h.Service.Cancel))
		r.Put("/speed", h.SetSpeed)
	})
	r.Post("/emails/{id}/resend", h.Resend)
}

// StartCampaign handles POST /start-campaign
func (h *CampaignHandler) StartCampaign(w http.ResponseWriter, r *http.Request) {
	var req service.StartRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.Service.RunCampaign(r.Context(), req)
	if err != nil {
		h.fail(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success":    true,
		"campaignId": result.CampaignID,
		"queued":     result.Queued,
	})
}

// GenerateEmail previews generated content for one contact.
func (h *CampaignHandler) GenerateEmail(w http.ResponseWriter, r *http.Request) {
	var req service.PreviewRequest
	if !h.decode(w, r, &req) {
		return
	}
	content, err := h.Service.Preview(r.Context(), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, content)
}

// ListCampaigns returns a paginated list of campaigns
func (h *CampaignHandler) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	page := 1
	pageSize := 20
	if p, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && p > 0 {
		page = p
	}
	for _, key := range []string{"limit", "page_size"} {
		if ps, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && ps > 0 {
			pageSize = ps
			break
		}
	}

	campaigns, pagination, err := h.Service.ListCampaigns(r.Context(), page, pageSize)
	if err != nil {
		h.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":       campaigns,
		"pagination": pagination,
	})
}

func (h *CampaignHandler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	details, err := h.Service.GetCampaignDetails(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (h *CampaignHandler) ListEmails(w http.ResponseWriter, r *http.Request) {
	emails, err := h.Service.ListEmails(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": emails})
}

func (h *CampaignHandler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.Service.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// control wraps a pause/resume/cancel call and answers with fresh status.
func (h *CampaignHandler) control(op func(context.Context, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := op(r.Context(), id); err != nil {
			h.fail(w, err)
			return
		}
		h.Status(w, r)
	}
}

func (h *CampaignHandler) SetSpeed(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Speed string `json:"speed"`
	}
	if !h.decode(w, r, &body) {
		return
	}
	if err := h.Service.SetSpeed(r.Context(), chi.URLParam(r, "id"), body.Speed); err != nil {
		h.fail(w, err)
		return
	}
	h.Status(w, r)
}

func (h *CampaignHandler) Resend(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Service.Resend(r.Context(), id); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"success": true, "emailId": id})
}

func (h *CampaignHandler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body: "+err.Error()))
		return false
	}
	return true
}

// fail maps the error taxonomy onto HTTP statuses.
func (h *CampaignHandler) fail(w http.ResponseWriter, err error) {
	var (
		none    *appErrors.ErrNoContactsFound
		down    *appErrors.ErrDiscoveryUnavailable
		invalid *appErrors.ErrInvalidTransition
	)
	status := http.StatusInternalServerError
	msg := err.Error()
	switch {
	case errors.As(err, &none):
		status, msg = http.StatusNotFound, "No journalists found"
	case errors.As(err, &down):
		status = http.StatusBadGateway
	case appErrors.IsNotFound(err):
		status = http.StatusNotFound
	case errors.Is(err, appErrors.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, appErrors.ErrNotDispatching), errors.Is(err, appErrors.ErrLockHeld), errors.As(err, &invalid):
		status = http.StatusConflict
	}
	if status >= http.StatusInternalServerError {
		h.Logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, errorBody(msg))
}

func errorBody(msg string) map[string]interface{} {
	return map[string]interface{}{"success": false, "error": msg}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

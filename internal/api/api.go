// Package api is the operator surface: create and inspect campaigns,
// trigger runs, preview audience sizes and fire one-off messages.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tgblast/internal/campaign"
	"tgblast/internal/gateway"
)

type Store interface {
	CreateCampaign(ctx context.Context, c *campaign.Campaign) error
	Campaign(ctx context.Context, id string) (*campaign.Campaign, error)
	Campaigns(ctx context.Context, limit int) ([]campaign.Campaign, error)
}

// Scheduler accepts run submissions. Submit reports false when the campaign
// is already queued or the run pool is saturated.
type Scheduler interface {
	Submit(id string) bool
}

type Counter interface {
	Count(ctx context.Context, sel campaign.Selector) (int, error)
}

type Sender interface {
	Send(ctx context.Context, chatID int64, msg campaign.Message) gateway.Outcome
}

type Handler struct {
	store  Store
	sched  Scheduler
	counts Counter
	sender Sender
	log    zerolog.Logger
}

func NewHandler(store Store, sched Scheduler, counts Counter, sender Sender, log zerolog.Logger) *Handler {
	return &Handler{store: store, sched: sched, counts: counts, sender: sender, log: log}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/v1/health", h.health)
	r.Route("/v1/campaigns", func(r chi.Router) {
		r.Post("/", h.createCampaign)
		r.Get("/", h.listCampaigns)
		r.Get("/{id}", h.getCampaign)
		r.Post("/{id}/run", h.runCampaign)
	})
	r.Get("/v1/audience/{selector}", h.audienceCount)
	r.Post("/v1/send", h.sendSingle)
	return r
}

type createCampaignRequest struct {
	Text        string     `json:"text"`
	PhotoURL    string     `json:"photo_url,omitempty"`
	ButtonText  string     `json:"button_text,omitempty"`
	ButtonURL   string     `json:"button_url,omitempty"`
	Audience    string     `json:"audience"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

func (h *Handler) createCampaign(w http.ResponseWriter, r *http.Request) {
	var req createCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	sel, err := campaign.ParseSelector(req.Audience)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	c := &campaign.Campaign{
		ID: uuid.NewString(),
		Message: campaign.Message{
			Text:       req.Text,
			PhotoURL:   req.PhotoURL,
			ButtonText: req.ButtonText,
			ButtonURL:  req.ButtonURL,
		},
		Audience:  sel,
		Status:    campaign.StatusDraft,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.Message.Validate(); err != nil {
		h.writeErr(w, err)
		return
	}
	if req.ScheduledAt != nil {
		at := req.ScheduledAt.UTC()
		c.ScheduledAt = &at
		c.Status = campaign.StatusScheduled
	}

	if err := h.store.CreateCampaign(r.Context(), c); err != nil {
		h.writeErr(w, err)
		return
	}
	h.log.Info().Str("campaign", c.ID).Str("status", string(c.Status)).Msg("campaign created")
	h.writeJSON(w, http.StatusCreated, c)
}

func (h *Handler) listCampaigns(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.Campaigns(r.Context(), 100)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"campaigns": list})
}

func (h *Handler) getCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.store.Campaign(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, c)
}

// runCampaign queues an immediate run. The response is 202: the run happens
// asynchronously and its result lands on the campaign record.
func (h *Handler) runCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := h.store.Campaign(r.Context(), id)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if c.Status.Terminal() {
		h.writeError(w, http.StatusConflict, "campaign already completed with status "+string(c.Status))
		return
	}
	queued := h.sched.Submit(id)
	h.writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "queued": queued})
}

func (h *Handler) audienceCount(w http.ResponseWriter, r *http.Request) {
	sel, err := campaign.ParseSelector(chi.URLParam(r, "selector"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	n, err := h.counts.Count(r.Context(), sel)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"audience": sel, "count": n})
}

type sendRequest struct {
	ChatID     int64  `json:"chat_id"`
	Text       string `json:"text"`
	PhotoURL   string `json:"photo_url,omitempty"`
	ButtonText string `json:"button_text,omitempty"`
	ButtonURL  string `json:"button_url,omitempty"`
}

// sendSingle delivers one ad-hoc message outside any campaign.
func (h *Handler) sendSingle(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.ChatID == 0 {
		h.writeError(w, http.StatusBadRequest, "chat_id is required")
		return
	}
	msg := campaign.Message{Text: req.Text, PhotoURL: req.PhotoURL, ButtonText: req.ButtonText, ButtonURL: req.ButtonURL}
	if err := msg.Validate(); err != nil {
		h.writeErr(w, err)
		return
	}

	out := h.sender.Send(r.Context(), req.ChatID, msg)
	resp := map[string]any{"delivered": out.Delivered()}
	if out.Reason != "" {
		resp["reason"] = out.Reason
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Debug().Err(err).Msg("response write failed")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, code int, msg string) {
	h.writeJSON(w, code, map[string]string{"error": msg})
}

// writeErr maps domain errors onto status codes.
func (h *Handler) writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, campaign.ErrValidation):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, campaign.ErrNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	default:
		h.log.Error().Err(err).Msg("request failed")
		h.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

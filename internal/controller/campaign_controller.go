// internal/controller/campaign_controller.go
package controller

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/outreach-dispatch/internal/errors"
	"github.com/unclebandit/outreach-dispatch/internal/model"
	"github.com/unclebandit/outreach-dispatch/internal/queue"
	"github.com/unclebandit/outreach-dispatch/internal/service"
)

// CampaignController is the operator API around the dispatch pipeline.
type CampaignController struct {
	CampaignService *service.CampaignService
	LeadService     *service.LeadService
	QueueManager    *service.QueueManager
	Queue           queue.Queue
	BatchLimit      int
	Logger          *zap.Logger
}

func (c *CampaignController) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

func (c *CampaignController) Routes(r chi.Router) {
	r.Route("/campaigns", func(r chi.Router) {
		r.Post("/", c.CreateCampaign)
		r.Get("/{id}", c.GetCampaignDetails)
		r.Put("/{id}/daily-limit", c.UpdateDailyLimit)
		r.Post("/{id}/leads", c.ImportLeads)
		r.Post("/{id}/queue", c.Enqueue)
	})
	r.Post("/queue-items/{id}/requeue", c.Requeue)
	r.Post("/contacts/{id}/variations", c.CreateVariation)
	r.Put("/variations/{id}", c.UpdateVariation)
	r.Get("/variations/{id}/preview", c.PreviewVariation)
	r.Post("/dispatch/runs", c.TriggerDispatch)
}

func (c *CampaignController) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name       string `json:"name"`
		DailyLimit int    `json:"daily_limit"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}

	campaign, err := c.CampaignService.CreateCampaign(r.Context(), body.Name, body.DailyLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, campaign)
}

func (c *CampaignController) GetCampaignDetails(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}

	details, err := c.CampaignService.GetCampaignDetailsWithStats(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (c *CampaignController) UpdateDailyLimit(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		DailyLimit *int `json:"daily_limit"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.DailyLimit == nil {
		writeError(w, appErrors.NewValidation("daily_limit", "is required"))
		return
	}

	if err := c.CampaignService.UpdateDailyLimit(r.Context(), id, *body.DailyLimit); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"campaign_id": id, "daily_limit": *body.DailyLimit})
}

// ImportLeads gates the posted leads, or asks the lead source when the body
// carries a query instead.
func (c *CampaignController) ImportLeads(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Leads []model.Lead `json:"leads"`
		Query string       `json:"query"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}

	var res *service.ImportResult
	if len(body.Leads) == 0 && body.Query != "" {
		res, err = c.LeadService.SourceAndImport(r.Context(), id, body.Query)
	} else {
		res, err = c.LeadService.Import(r.Context(), id, body.Leads)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (c *CampaignController) Enqueue(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Items   []model.OutboundMessage `json:"items"`
		StartAt *time.Time              `json:"start_at"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}

	res, err := c.QueueManager.EnqueueForCampaign(r.Context(), id, body.Items, body.StartAt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (c *CampaignController) Requeue(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := c.QueueManager.Requeue(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type variationBody struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func (c *CampaignController) CreateVariation(w http.ResponseWriter, r *http.Request) {
	contactID, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var body variationBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}

	v, err := c.CampaignService.CreateVariation(r.Context(), contactID, body.Subject, body.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (c *CampaignController) UpdateVariation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var body variationBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}

	if err := c.CampaignService.UpdateVariation(r.Context(), id, body.Subject, body.Body); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *CampaignController) PreviewVariation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}

	msg, err := c.CampaignService.RenderPreview(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"subject": msg.Subject,
		"text":    msg.Text,
		"html":    msg.HTML,
	})
}

// TriggerDispatch publishes a dispatch run request; a worker picks it up.
func (c *CampaignController) TriggerDispatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Limit int `json:"limit"`
	}
	if r.ContentLength != 0 {
		if err := decodeBody(r, &body); err != nil {
			writeError(w, err)
			return
		}
	}
	if body.Limit < 0 {
		writeError(w, appErrors.NewValidation("limit", "must not be negative"))
		return
	}
	if body.Limit == 0 {
		body.Limit = c.BatchLimit
	}

	req := service.NewDispatchRequest(body.Limit, time.Now())
	payload, err := json.Marshal(req)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := c.Queue.Publish(r.Context(), service.DispatchTopic, payload); err != nil {
		c.logger().Error("publish dispatch run failed", zap.String("run_id", req.RunID), zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, req)
}

package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// WebhookHandler starts out-of-cycle runs from external notifications, e.g. a
// cloud provider's configuration-change alert.
type WebhookHandler struct {
	starter  RunStarter
	webhooks map[string]Schedule
}

// NewWebhookHandler creates a handler for the named trigger entries. Each
// entry reuses the Schedule scope fields; the cron expression is ignored.
func NewWebhookHandler(starter RunStarter, webhooks []Schedule) *WebhookHandler {
	wh := &WebhookHandler{
		starter:  starter,
		webhooks: make(map[string]Schedule),
	}
	for _, w := range webhooks {
		wh.webhooks[w.Name] = w
	}
	return wh
}

// webhookResponse is the JSON response for a webhook execution.
type webhookResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HandleWebhook processes an incoming webhook trigger.
func (wh *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	trig, ok := wh.webhooks[name]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(webhookResponse{Status: "error", Error: fmt.Sprintf("trigger %q not found", name)})
		return
	}

	var payload map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(webhookResponse{Status: "error", Error: "invalid JSON body"})
		return
	}

	question := fmt.Sprintf("out-of-cycle run triggered by webhook %s", name)
	if reason, ok := payload["reason"].(string); ok && reason != "" {
		question = reason
	}

	log.Info().
		Str("trigger", name).
		Str("system_id", trig.SystemID).
		Msg("webhook_trigger_fired")

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	if err := wh.starter.StartRun(ctx, trig.Scope(), question); err != nil {
		log.Error().Err(err).
			Str("trigger", name).
			Msg("webhook_trigger_failed")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(webhookResponse{Status: "error", Error: err.Error()})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(webhookResponse{Status: "ok", Message: "run started"})
}

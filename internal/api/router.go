package api

import "net/http"

func Router(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", h.Health)

	mux.HandleFunc("POST /v1/webhook", h.Webhook)

	mux.HandleFunc("POST /v1/messages/send", h.SendMessage)
	mux.HandleFunc("GET /v1/messages", h.ListMessages)

	mux.HandleFunc("POST /v1/campaigns", h.CreateCampaign)
	mux.HandleFunc("POST /v1/campaigns/{id}/cancel", h.CancelCampaign)

	mux.HandleFunc("GET /v1/queues/{queue}/failed", h.ListFailedJobs)

	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("gymops-messaging"))
	})

	return mux
}

package api

import "net/http"

// serviceName is reported by the health endpoint for compatibility with
// existing monitors.
const serviceName = "youtube-downloader"

type healthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// Health reports liveness only. It touches no collaborator so it stays cheap
// under load.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	WriteJSON(w, http.StatusOK, healthResponse{Status: "ok", Service: serviceName})
}

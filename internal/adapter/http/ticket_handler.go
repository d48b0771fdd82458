package http

import (
	"net/http"

	"github.com/chiwei-platform/fleetform/internal/service"
	"github.com/chiwei-platform/fleetform/internal/ticket"
)

// TicketHandler serves GET /apps/tickets/, present only when a Jira tracker
// is configured.
type TicketHandler struct {
	svc    *service.AppsService
	client *ticket.Client
}

func NewTicketHandler(svc *service.AppsService, client *ticket.Client) *TicketHandler {
	return &TicketHandler{svc: svc, client: client}
}

func (h *TicketHandler) List(w http.ResponseWriter, r *http.Request) {
	if h.client == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	apps, err := h.svc.FetchApps(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	names := make([]string, 0, len(apps))
	for name := range apps {
		names = append(names, name)
	}

	tickets, err := h.client.FetchAll(r.Context(), names)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(tickets) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, tickets)
}

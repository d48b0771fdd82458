package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/chiwei-platform/fleetform/internal/domain"
	"github.com/chiwei-platform/fleetform/internal/hook"
	"github.com/chiwei-platform/fleetform/internal/port"
	"github.com/chiwei-platform/fleetform/internal/service"
)

// pollInterval is how often respondAsync re-checks the status registry
// while blocking for a sync or Prefer: wait=N response.
const pollInterval = 50 * time.Millisecond

type AppHandler struct {
	svc       *service.AppsService
	ownerHook *hook.Hook
}

func NewAppHandler(svc *service.AppsService, ownerHook *hook.Hook) *AppHandler {
	return &AppHandler{svc: svc, ownerHook: ownerHook}
}

// List handles GET /apps/, negotiating a JSON snapshot or an SSE stream.
func (h *AppHandler) List(w http.ResponseWriter, r *http.Request) {
	if wantsSSE(r) {
		h.streamApps(w, r)
		return
	}
	snapshot, err := h.buildSnapshot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (h *AppHandler) buildSnapshot(ctx context.Context) (map[string]domain.App, error) {
	apps, err := h.svc.FetchApps(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]domain.App, len(apps))
	for name, services := range apps {
		owners, err := h.svc.FetchAppOwners(ctx, name)
		if err != nil {
			return nil, err
		}
		out[name] = domain.App{Name: name, Status: domain.AppStatusDeployed, Owners: owners, Services: services}
	}
	return out, nil
}

func (h *AppHandler) streamApps(w http.ResponseWriter, r *http.Request) {
	setSSEHeaders(w)
	ch := h.svc.Subscribe()
	defer h.svc.Unsubscribe(ch)
	for {
		select {
		case payload, ok := <-ch:
			if !ok {
				return
			}
			if !writeSSE(w, payload) {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// CreateOrUpdate handles POST /apps/{appName}?replicateFrom=<name>.
func (h *AppHandler) CreateOrUpdate(w http.ResponseWriter, r *http.Request) {
	appName := chi.URLParam(r, "appName")
	services, userDefined, err := parseDeployBody(r)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err))
		return
	}

	req := service.DeployRequest{
		AppName:       appName,
		ReplicateFrom: r.URL.Query().Get("replicateFrom"),
		Services:      services,
		UserDefined:   userDefined,
		Owners:        h.ownersFromRequest(r),
	}
	reqCtx := port.RequestContext{
		Forwarded:        r.Header.Get("X-Forwarded-Host"),
		XForwardedPrefix: r.Header.Get("X-Forwarded-Prefix"),
	}

	statusID, err := h.svc.CreateOrUpdate(r.Context(), req, reqCtx)
	if err != nil {
		writeError(w, err)
		return
	}
	h.respondAsync(w, r, appName, statusID)
}

// Delete handles DELETE /apps/{appName}, same async semantics as create.
func (h *AppHandler) Delete(w http.ResponseWriter, r *http.Request) {
	appName := chi.URLParam(r, "appName")
	statusID, err := h.svc.Delete(r.Context(), appName)
	if err != nil {
		writeError(w, err)
		return
	}
	h.respondAsync(w, r, appName, statusID)
}

// ChangeState handles PUT /apps/{appName}/states/{serviceName}.
func (h *AppHandler) ChangeState(w http.ResponseWriter, r *http.Request) {
	appName := chi.URLParam(r, "appName")
	serviceName := chi.URLParam(r, "serviceName")

	var body struct {
		Status domain.ServiceState `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err))
		return
	}
	if body.Status != domain.ServiceRunning && body.Status != domain.ServicePaused {
		writeError(w, fmt.Errorf("%w: status must be running or paused", domain.ErrInvalidPayload))
		return
	}

	if err := h.svc.ChangeServiceState(r.Context(), appName, serviceName, body.Status); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// StatusChange handles GET /apps/{appName}/status-changes/{id}.
func (h *AppHandler) StatusChange(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sc, ok := h.svc.StatusChange(id)
	if !ok {
		writeError(w, domain.ErrNotFound)
		return
	}
	switch sc.State {
	case domain.StatusPending:
		w.WriteHeader(http.StatusAccepted)
	case domain.StatusFailed:
		writeError(w, sc.Err)
	default:
		writeJSON(w, http.StatusOK, sc.Result)
	}
}

// respondAsync implements the Prefer: respond-async[,wait=<sec>] responder:
// block on the status registry (default, or up to wait seconds), then fall
// back to 202 with a Location header for the caller to poll. A
// disconnecting client does not cancel the underlying operation, only this
// HTTP call's wait.
func (h *AppHandler) respondAsync(w http.ResponseWriter, r *http.Request, appName, statusID string) {
	location := fmt.Sprintf("/apps/%s/status-changes/%s", appName, statusID)
	async, waitSecs := preferAsync(r)
	if async && waitSecs == 0 {
		w.Header().Set("Location", location)
		writeJSON(w, http.StatusAccepted, map[string]string{"statusId": statusID})
		return
	}

	var deadline <-chan time.Time
	if waitSecs > 0 {
		timer := time.NewTimer(time.Duration(waitSecs) * time.Second)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if sc, ok := h.svc.StatusChange(statusID); ok && sc.State != domain.StatusPending {
			if sc.State == domain.StatusFailed {
				writeError(w, sc.Err)
				return
			}
			writeJSON(w, http.StatusOK, sc.Result)
			return
		}
		select {
		case <-r.Context().Done():
			return
		case <-deadline:
			w.Header().Set("Location", location)
			writeJSON(w, http.StatusAccepted, map[string]string{"statusId": statusID})
			return
		case <-ticker.C:
		}
	}
}

func (h *AppHandler) ownersFromRequest(r *http.Request) []domain.Owner {
	if h.ownerHook == nil {
		return nil
	}
	claims, ok := extractIDTokenClaims(r.Header.Get("Authorization"))
	if !ok {
		return nil
	}
	o, err := h.ownerHook.RunOwnerMapping(claims)
	if err != nil {
		slog.Warn("id-token-claims-to-owner hook failed", "error", err)
		return nil
	}
	return []domain.Owner{o}
}

func parseDeployBody(r *http.Request) ([]domain.ServiceConfig, map[string]any, error) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, nil, err
	}

	var asArray []domain.ServiceConfig
	if err := json.Unmarshal(raw, &asArray); err == nil {
		return asArray, nil, nil
	}

	var asObject struct {
		Services    []domain.ServiceConfig `json:"services"`
		UserDefined map[string]any         `json:"userDefined"`
	}
	if err := json.Unmarshal(raw, &asObject); err != nil {
		return nil, nil, err
	}
	return asObject.Services, asObject.UserDefined, nil
}

// Package handler exposes the administrative HTTP surface: listing resident
// sites and publishing management notifications.
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"beacon/internal/mgt/models"
	"beacon/internal/platform/middleware"
	sitesvc "beacon/internal/site/service"
	id "beacon/pkg/domain"
	"beacon/pkg/platform/httputil"
	"beacon/pkg/validation"
)

// StatusLister summarizes resident sites.
type StatusLister interface {
	Statuses() []sitesvc.Status
}

// Publisher hands a notification to every serving process.
type Publisher interface {
	Publish(ctx context.Context, n models.Notification) error
}

type Handler struct {
	sites     StatusLister
	publisher Publisher
	logger    *slog.Logger
}

func New(sites StatusLister, publisher Publisher, logger *slog.Logger) *Handler {
	return &Handler{sites: sites, publisher: publisher, logger: logger}
}

// Register mounts the admin routes on r. Callers wrap r with
// middleware.RequireAdminToken.
func (h *Handler) Register(r chi.Router) {
	r.Get("/admin/sites", h.HandleListSites)
	r.Post("/admin/sites/{siteID}/notifications", h.HandleNotify)
}

// NotificationRequest is the body of a notification; the site comes from the path.
type NotificationRequest struct {
	Kind      models.Kind  `json:"kind" validate:"required,notblank,max=64"`
	UserID    id.UserID    `json:"user_id,omitempty"`
	ClientID  id.ClientID  `json:"client_id,omitempty"`
	ServiceID id.ServiceID `json:"service_id,omitempty"`
}

// Validate checks the body shape; kind-specific targets are checked once
// the notification is built.
func (r *NotificationRequest) Validate() error {
	return validation.Validate(r)
}

type SiteStatusResponse struct {
	ID       string `json:"id"`
	UID      string `json:"uid"`
	State    string `json:"state"`
	Kind     string `json:"kind"`
	Services int    `json:"services"`
	Clients  int    `json:"clients"`
	Live     int    `json:"live"`
}

type SitesListResponse struct {
	Sites []SiteStatusResponse `json:"sites"`
	Total int                  `json:"total"`
}

func (h *Handler) HandleListSites(w http.ResponseWriter, r *http.Request) {
	statuses := h.sites.Statuses()
	out := make([]SiteStatusResponse, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, SiteStatusResponse{
			ID:       st.ID.String(),
			UID:      st.UID,
			State:    st.State.String(),
			Kind:     st.Kind.String(),
			Services: st.Services,
			Clients:  st.Clients,
			Live:     st.Live,
		})
	}
	httputil.WriteJSON(w, http.StatusOK, SitesListResponse{Sites: out, Total: len(out)})
}

func (h *Handler) HandleNotify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	siteID, err := id.ParseSiteID(chi.URLParam(r, "siteID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	req, ok := httputil.DecodeAndPrepare[NotificationRequest](w, r, h.logger)
	if !ok {
		return
	}

	n := models.Notification{
		Kind:      req.Kind,
		SiteID:    siteID,
		UserID:    req.UserID,
		ClientID:  req.ClientID,
		ServiceID: req.ServiceID,
	}
	n.Normalize()
	if err := n.Validate(); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := h.publisher.Publish(ctx, n); err != nil {
		h.logger.ErrorContext(ctx, "failed to publish notification",
			"site_id", siteID.String(),
			"kind", n.Kind,
			"request_id", requestID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "notification published",
		"site_id", siteID.String(),
		"kind", n.Kind,
		"actor_id", middleware.GetAdminActorID(ctx),
		"request_id", requestID,
	)
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// Package dispatchapi exposes the dispatch engine over HTTP. It owns wire
// shapes, routing, and error-to-status mapping; all business rules live in
// internal/dispatch.
package dispatchapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/courier/internal/authmw"
	"github.com/linnemanlabs/courier/internal/dispatch"
)

// API holds dependencies for HTTP handlers.
type API struct {
	logger  log.Logger
	svc     *dispatch.Service
	sweeper *dispatch.Sweeper
}

// New creates a new API handler.
func New(logger log.Logger, svc *dispatch.Service, sweeper *dispatch.Sweeper) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("dispatch service is required"))
	}
	if sweeper == nil {
		panic(xerrors.New("sweeper is required"))
	}
	return &API{
		logger:  logger,
		svc:     svc,
		sweeper: sweeper,
	}
}

// RegisterRoutes attaches API endpoints to the router. All routes require a
// verified caller; role gates follow the scope rules (senders see their own
// dispatches, recipients theirs, admins everything).
func (a *API) RegisterRoutes(r chi.Router, secret []byte) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(authmw.Verify(secret))

		r.Group(func(r chi.Router) {
			r.Use(authmw.RequireRole(dispatch.RoleSender))
			r.Post("/incidents", a.handleCreateIncident)
			r.Get("/incidents", a.handleListIncidents)
			r.Get("/incidents/{id}", a.handleGetIncident)
			r.Post("/incidents/{id}/dispatch", a.handleDispatch)
			r.Get("/dispatches", a.handleListDispatches)
			r.Get("/dispatches/{id}", a.handleOpenDispatch)
		})

		r.Group(func(r chi.Router) {
			r.Use(authmw.RequireRole(dispatch.RoleRecipient))
			r.Get("/inbox", a.handleInbox)
			r.Get("/inbox/{id}", a.handleOpenDispatch)
			r.Post("/inbox/{id}/confirm", a.handleConfirm)
			r.Post("/inbox/{id}/reject", a.handleReject)
		})

		r.Get("/groups", a.handleGroups)
		r.Get("/recipients/{id}", a.handleRecipientInfo)
		r.Get("/senders/{id}", a.handleSenderInfo)

		r.Route("/admin", func(r chi.Router) {
			r.Use(authmw.RequireRole(dispatch.RoleAdmin))
			r.Get("/dispatches", a.handleAdminDispatches)
			r.Put("/dispatches/batch-timeout", a.handleBatchTimeout)
			r.Get("/dispatches/{id}", a.handleOpenDispatch)
			r.Put("/dispatches/{id}/timeout", a.handleSetTimeout)
			r.Post("/sweep", a.handleSweep)
			r.Get("/settings/timeout-hours", a.handleGetTimeoutHours)
			r.Put("/settings/timeout-hours", a.handleSetTimeoutHours)
		})
	})
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr maps domain errors to HTTP statuses: absent-or-unowned is 404,
// malformed input 400, state conflicts 409, everything else 500.
func (a *API) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case dispatch.IsNotFound(err):
		a.writeJSON(w, http.StatusNotFound, errBody(err))
	case dispatch.IsValidation(err):
		a.writeJSON(w, http.StatusBadRequest, errBody(err))
	case dispatch.IsConflict(err):
		a.writeJSON(w, http.StatusConflict, errBody(err))
	default:
		a.logger.Error(r.Context(), err, "request failed",
			"method", r.Method,
			"path", r.URL.Path,
		)
		a.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func errBody(err error) map[string]string {
	return map[string]string{"error": err.Error()}
}

func caller(r *http.Request) dispatch.Caller {
	c, _ := authmw.CallerFromContext(r.Context())
	return c
}

func pageFrom(r *http.Request) dispatch.Page {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	size, _ := strconv.Atoi(q.Get("pageSize"))
	return dispatch.Page{Number: page, Size: size}
}

// statusesFrom parses the comma-separated status query parameter; unknown
// values surface as a validation error rather than silently matching nothing.
func statusesFrom(r *http.Request) ([]dispatch.Status, error) {
	raw := r.URL.Query().Get("status")
	if raw == "" {
		return nil, nil
	}
	var out []dispatch.Status
	for _, part := range strings.Split(raw, ",") {
		st := dispatch.Status(strings.TrimSpace(part))
		switch st {
		case dispatch.StatusUnread, dispatch.StatusRead, dispatch.StatusConfirmed,
			dispatch.StatusRejected, dispatch.StatusTimeout:
			out = append(out, st)
		default:
			return nil, &dispatch.ValidationError{Msg: "unknown status", InvalidIDs: []string{string(st)}}
		}
	}
	return out, nil
}

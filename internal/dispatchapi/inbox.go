package dispatchapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/courier/internal/dispatch"
)

// handleListDispatches serves the sender's view: dispatches they created,
// optionally narrowed by status (unread backlog, timed out, rejected,
// history).
func (a *API) handleListDispatches(w http.ResponseWriter, r *http.Request) {
	statuses, err := statusesFrom(r)
	if err != nil {
		a.writeErr(w, r, err)
		return
	}

	res, err := a.svc.Dispatches(r.Context(), dispatch.ScopeFor(caller(r)), statuses, pageFrom(r))
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, res)
}

// handleInbox serves the recipient's view; without a status filter it shows
// what still needs action (unread and read).
func (a *API) handleInbox(w http.ResponseWriter, r *http.Request) {
	statuses, err := statusesFrom(r)
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	if statuses == nil {
		statuses = []dispatch.Status{dispatch.StatusUnread, dispatch.StatusRead}
	}

	res, err := a.svc.Dispatches(r.Context(), dispatch.ScopeFor(caller(r)), statuses, pageFrom(r))
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, res)
}

// handleOpenDispatch retrieves one dispatch within the caller's scope. For
// the addressed recipient this marks an unread dispatch read; for senders
// and admins it is a plain read.
func (a *API) handleOpenDispatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("courier.dispatch.id", id))

	d, err := a.svc.Open(r.Context(), caller(r), id)
	if err != nil {
		a.writeErr(w, r, err)
		return
	}

	span.SetAttributes(attribute.String("courier.dispatch.status", string(d.Status)))
	a.writeJSON(w, http.StatusOK, d)
}

func (a *API) handleConfirm(w http.ResponseWriter, r *http.Request) {
	a.resolve(w, r, a.svc.Confirm)
}

func (a *API) handleReject(w http.ResponseWriter, r *http.Request) {
	a.resolve(w, r, a.svc.Reject)
}

func (a *API) resolve(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, recipientID, id string) (*dispatch.Dispatch, error)) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("courier.dispatch.id", id))

	d, err := op(r.Context(), caller(r).ID, id)
	if err != nil {
		a.writeErr(w, r, err)
		return
	}

	span.SetAttributes(attribute.String("courier.dispatch.status", string(d.Status)))
	a.writeJSON(w, http.StatusOK, d)
}

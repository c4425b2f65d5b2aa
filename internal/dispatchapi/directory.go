package dispatchapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (a *API) handleGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := a.svc.Groups(r.Context())
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"groups": groups})
}

func (a *API) handleRecipientInfo(w http.ResponseWriter, r *http.Request) {
	ident, err := a.svc.RecipientInfo(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, ident)
}

func (a *API) handleSenderInfo(w http.ResponseWriter, r *http.Request) {
	ident, err := a.svc.SenderInfo(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, ident)
}

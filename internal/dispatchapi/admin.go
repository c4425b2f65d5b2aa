package dispatchapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/courier/internal/dispatch"
)

func (a *API) handleAdminDispatches(w http.ResponseWriter, r *http.Request) {
	statuses, err := statusesFrom(r)
	if err != nil {
		a.writeErr(w, r, err)
		return
	}

	res, err := a.svc.Dispatches(r.Context(), dispatch.Unrestricted(), statuses, pageFrom(r))
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, res)
}

type setTimeoutRequest struct {
	TimedOut *bool `json:"timed_out"`
}

func (a *API) handleSetTimeout(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req setTimeoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TimedOut == nil {
		a.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "timed_out boolean is required"})
		return
	}

	d, err := a.svc.SetTimeoutState(r.Context(), id, *req.TimedOut)
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, d)
}

type batchTimeoutRequest struct {
	IDs      []string `json:"ids"`
	TimedOut *bool    `json:"timed_out"`
}

func (a *API) handleBatchTimeout(w http.ResponseWriter, r *http.Request) {
	var req batchTimeoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TimedOut == nil {
		a.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "ids and timed_out are required"})
		return
	}

	res, err := a.svc.BatchSetTimeoutState(r.Context(), req.IDs, *req.TimedOut)
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, res)
}

func (a *API) handleSweep(w http.ResponseWriter, r *http.Request) {
	marked, err := a.sweeper.Sweep(r.Context())
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]int64{"marked": marked})
}

func (a *API) handleGetTimeoutHours(w http.ResponseWriter, r *http.Request) {
	hours, err := a.svc.TimeoutHours(r.Context())
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]int{"hours": hours})
}

type setTimeoutHoursRequest struct {
	Hours int `json:"hours"`
}

func (a *API) handleSetTimeoutHours(w http.ResponseWriter, r *http.Request) {
	var req setTimeoutHoursRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}

	if err := a.svc.SetTimeoutHours(r.Context(), req.Hours); err != nil {
		a.writeErr(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]int{"hours": req.Hours})
}

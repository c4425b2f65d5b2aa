package dispatchapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/courier/internal/dispatch"
)

type createIncidentRequest struct {
	OccurredAt     time.Time `json:"occurred_at"`
	Category       string    `json:"category"`
	EvidenceURL    string    `json:"evidence_url"`
	SubjectName    string    `json:"subject_name"`
	SubjectPhone   string    `json:"subject_phone"`
	SecondaryName  string    `json:"secondary_name"`
	SecondaryPhone string    `json:"secondary_phone"`
}

func (a *API) handleCreateIncident(w http.ResponseWriter, r *http.Request) {
	var req createIncidentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}

	in, err := a.svc.CreateIncident(r.Context(), dispatch.NewIncidentParams{
		OccurredAt:     req.OccurredAt,
		Category:       req.Category,
		EvidenceURL:    req.EvidenceURL,
		SubjectName:    req.SubjectName,
		SubjectPhone:   req.SubjectPhone,
		SecondaryName:  req.SecondaryName,
		SecondaryPhone: req.SecondaryPhone,
	})
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, in)
}

func (a *API) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	var statuses []dispatch.IncidentStatus
	switch st := r.URL.Query().Get("status"); st {
	case "":
	case string(dispatch.IncidentPending), string(dispatch.IncidentProcessing),
		string(dispatch.IncidentCompleted), string(dispatch.IncidentReturned):
		statuses = append(statuses, dispatch.IncidentStatus(st))
	default:
		a.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown status " + st})
		return
	}

	res, err := a.svc.Incidents(r.Context(), statuses, pageFrom(r))
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, res)
}

type incidentDetailResponse struct {
	*dispatch.Incident
	Dispatches []dispatch.Dispatch `json:"dispatches"`
}

func (a *API) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("courier.incident.id", id))

	in, err := a.svc.IncidentByID(r.Context(), id)
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	ds, err := a.svc.IncidentDispatches(r.Context(), id)
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, incidentDetailResponse{Incident: in, Dispatches: ds})
}

type dispatchRequest struct {
	RecipientIDs []string `json:"recipient_ids"`
}

func (a *API) handleDispatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("courier.incident.id", id),
		attribute.Int("courier.fanout.size", len(req.RecipientIDs)),
	)

	ds, err := a.svc.Dispatch(r.Context(), id, caller(r).ID, req.RecipientIDs)
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, map[string]any{"dispatches": ds})
}

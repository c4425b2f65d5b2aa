package dispatchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/courier/internal/dispatch"
	"github.com/linnemanlabs/courier/internal/dispatch/memstore"
)

var testSecret = []byte("test-secret")

func newTestRouter(t *testing.T) (chi.Router, *memstore.Store) {
	t.Helper()

	store := memstore.New()
	store.SeedIdentity(&dispatch.Identity{ID: "s1", Name: "Sender One", Phone: "555-1000", Role: dispatch.RoleSender})
	store.SeedIdentity(&dispatch.Identity{ID: "r1", Name: "Recipient One", Phone: "555-2000", Role: dispatch.RoleRecipient, GroupID: "g1"})
	store.SeedIdentity(&dispatch.Identity{ID: "r2", Name: "Recipient Two", Phone: "555-2001", Role: dispatch.RoleRecipient, GroupID: "g2"})
	store.SeedGroup(&dispatch.Group{ID: "g1", Name: "North District"})
	store.SeedGroup(&dispatch.Group{ID: "g2", Name: "South District"})

	svc := dispatch.NewService(store, log.Nop(), nil, nil)
	sweeper := dispatch.NewSweeper(store, svc, log.Nop(), nil, nil, time.Hour)

	api := New(nil, svc, sweeper)
	r := chi.NewRouter()
	api.RegisterRoutes(r, testSecret)
	return r, store
}

func token(t *testing.T, sub, role string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  sub,
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func do(t *testing.T, r chi.Router, method, path, tok, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader = http.NoBody
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

// createIncident posts a valid incident as s1 and returns its ID.
func createIncident(t *testing.T, r chi.Router) string {
	t.Helper()
	body := `{
		"occurred_at": "2026-03-01T10:00:00Z",
		"category": "escape",
		"subject_name": "John Doe",
		"subject_phone": "555-0100"
	}`
	rec := do(t, r, http.MethodPost, "/api/v1/incidents", token(t, "s1", "sender"), body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create incident = %d, body %s", rec.Code, rec.Body.String())
	}
	in := decode[dispatch.Incident](t, rec)
	return in.ID
}

// fanout dispatches an incident to the given recipients and returns dispatch
// IDs keyed by recipient.
func fanout(t *testing.T, r chi.Router, incidentID string, recipients ...string) map[string]string {
	t.Helper()
	body := fmt.Sprintf(`{"recipient_ids":["%s"]}`, strings.Join(recipients, `","`))
	rec := do(t, r, http.MethodPost, "/api/v1/incidents/"+incidentID+"/dispatch", token(t, "s1", "sender"), body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("dispatch = %d, body %s", rec.Code, rec.Body.String())
	}
	resp := decode[map[string][]dispatch.Dispatch](t, rec)
	out := make(map[string]string)
	for _, d := range resp["dispatches"] {
		out[d.RecipientID] = d.ID
	}
	return out
}

// Auth

func TestRoutes_RequireToken(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t)

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/v1/incidents"},
		{http.MethodGet, "/api/v1/inbox"},
		{http.MethodGet, "/api/v1/groups"},
		{http.MethodGet, "/api/v1/admin/dispatches"},
	}
	for _, p := range paths {
		t.Run(p.path, func(t *testing.T) {
			t.Parallel()
			rec := do(t, r, p.method, p.path, "", "")
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("%s %s = %d, want %d", p.method, p.path, rec.Code, http.StatusUnauthorized)
			}
		})
	}
}

func TestRoutes_RoleGates(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t)

	tests := []struct {
		name   string
		method string
		path   string
		tok    string
	}{
		{"recipient cannot create incidents", http.MethodPost, "/api/v1/incidents", token(t, "r1", "recipient")},
		{"sender cannot read inbox", http.MethodGet, "/api/v1/inbox", token(t, "s1", "sender")},
		{"sender cannot use admin routes", http.MethodGet, "/api/v1/admin/dispatches", token(t, "s1", "sender")},
		{"recipient cannot sweep", http.MethodPost, "/api/v1/admin/sweep", token(t, "r1", "recipient")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := do(t, r, tt.method, tt.path, tt.tok, "")
			if rec.Code != http.StatusForbidden {
				t.Errorf("%s %s = %d, want %d", tt.method, tt.path, rec.Code, http.StatusForbidden)
			}
		})
	}
}

// Incidents

func TestCreateIncident(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t)

	body := `{
		"occurred_at": "2026-03-01T10:00:00Z",
		"category": "escape",
		"subject_name": "John Doe",
		"subject_phone": "555-0100",
		"secondary_name": "Jane Doe",
		"secondary_phone": "555-0101"
	}`
	rec := do(t, r, http.MethodPost, "/api/v1/incidents", token(t, "s1", "sender"), body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	in := decode[dispatch.Incident](t, rec)
	if in.ID == "" {
		t.Error("expected non-empty ID")
	}
	if in.Status != dispatch.IncidentPending {
		t.Errorf("status = %q, want %q", in.Status, dispatch.IncidentPending)
	}
	if in.SecondaryName != "Jane Doe" {
		t.Errorf("secondary_name = %q, want Jane Doe", in.SecondaryName)
	}
}

func TestCreateIncident_BadPayload(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t)

	tests := []struct {
		name string
		body string
	}{
		{"invalid JSON", "{bad"},
		{"missing category", `{"occurred_at":"2026-03-01T10:00:00Z","subject_name":"n","subject_phone":"p"}`},
		{"missing subject", `{"occurred_at":"2026-03-01T10:00:00Z","category":"c"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := do(t, r, http.MethodPost, "/api/v1/incidents", token(t, "s1", "sender"), tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
		})
	}
}

func TestListIncidents_UnknownStatus(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t)

	rec := do(t, r, http.MethodGet, "/api/v1/incidents?status=bogus", token(t, "s1", "sender"), "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestGetIncident_WithDispatches(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t)
	id := createIncident(t, r)
	fanout(t, r, id, "r1", "r2")

	rec := do(t, r, http.MethodGet, "/api/v1/incidents/"+id, token(t, "s1", "sender"), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	resp := decode[map[string]any](t, rec)
	if resp["status"] != string(dispatch.IncidentProcessing) {
		t.Errorf("incident status = %v, want %q", resp["status"], dispatch.IncidentProcessing)
	}
	ds, ok := resp["dispatches"].([]any)
	if !ok || len(ds) != 2 {
		t.Errorf("dispatches = %v, want 2 entries", resp["dispatches"])
	}
}

func TestGetIncident_NotFound(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t)

	rec := do(t, r, http.MethodGet, "/api/v1/incidents/nope", token(t, "s1", "sender"), "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestDispatch_InvalidRecipient(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t)
	id := createIncident(t, r)

	rec := do(t, r, http.MethodPost, "/api/v1/incidents/"+id+"/dispatch",
		token(t, "s1", "sender"), `{"recipient_ids":["r1","ghost"]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	resp := decode[map[string]string](t, rec)
	if !strings.Contains(resp["error"], "ghost") {
		t.Errorf("error = %q, want the invalid id listed", resp["error"])
	}
}

func TestDispatch_ConflictWhileProcessing(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t)
	id := createIncident(t, r)
	fanout(t, r, id, "r1")

	rec := do(t, r, http.MethodPost, "/api/v1/incidents/"+id+"/dispatch",
		token(t, "s1", "sender"), `{"recipient_ids":["r2"]}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

// Inbox and resolution

func TestInbox_DefaultShowsActionable(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t)
	id := createIncident(t, r)
	ds := fanout(t, r, id, "r1", "r2")

	// r1 confirms; a confirmed dispatch leaves the default inbox view.
	rec := do(t, r, http.MethodPost, "/api/v1/inbox/"+ds["r1"]+"/confirm", token(t, "r1", "recipient"), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("confirm = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = do(t, r, http.MethodGet, "/api/v1/inbox", token(t, "r1", "recipient"), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("inbox = %d", rec.Code)
	}
	res := decode[dispatch.PageResult[dispatch.Dispatch]](t, rec)
	if res.Total != 0 {
		t.Errorf("default inbox total = %d, want 0 after confirm", res.Total)
	}

	// With an explicit filter the confirmed dispatch is visible again.
	rec = do(t, r, http.MethodGet, "/api/v1/inbox?status=confirmed", token(t, "r1", "recipient"), "")
	res = decode[dispatch.PageResult[dispatch.Dispatch]](t, rec)
	if res.Total != 1 {
		t.Errorf("confirmed inbox total = %d, want 1", res.Total)
	}

	// r2 still has theirs pending.
	rec = do(t, r, http.MethodGet, "/api/v1/inbox", token(t, "r2", "recipient"), "")
	res = decode[dispatch.PageResult[dispatch.Dispatch]](t, rec)
	if res.Total != 1 {
		t.Errorf("r2 inbox total = %d, want 1", res.Total)
	}
}

func TestOpenDispatch_MarksRead(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t)
	id := createIncident(t, r)
	ds := fanout(t, r, id, "r1")

	rec := do(t, r, http.MethodGet, "/api/v1/inbox/"+ds["r1"], token(t, "r1", "recipient"), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	d := decode[dispatch.Dispatch](t, rec)
	if d.Status != dispatch.StatusRead {
		t.Errorf("status = %q, want %q", d.Status, dispatch.StatusRead)
	}
	if d.ReadAt == nil {
		t.Error("expected read_at to be set")
	}
}

func TestOpenDispatch_NonOwnerGets404(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t)
	id := createIncident(t, r)
	ds := fanout(t, r, id, "r1")

	rec := do(t, r, http.MethodGet, "/api/v1/inbox/"+ds["r1"], token(t, "r2", "recipient"), "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d (ownership reads as absence)", rec.Code, http.StatusNotFound)
	}
}

func TestReject_AllExhaustedReturnsIncident(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t)
	id := createIncident(t, r)
	ds := fanout(t, r, id, "r1", "r2")

	for _, rcp := range []string{"r1", "r2"} {
		rec := do(t, r, http.MethodPost, "/api/v1/inbox/"+ds[rcp]+"/reject", token(t, rcp, "recipient"), "")
		if rec.Code != http.StatusOK {
			t.Fatalf("reject %s = %d, body %s", rcp, rec.Code, rec.Body.String())
		}
	}

	rec := do(t, r, http.MethodGet, "/api/v1/incidents/"+id, token(t, "s1", "sender"), "")
	resp := decode[map[string]any](t, rec)
	if resp["status"] != string(dispatch.IncidentReturned) {
		t.Errorf("incident status = %v, want %q", resp["status"], dispatch.IncidentReturned)
	}
}

func TestConfirm_TerminalConflict(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t)
	id := createIncident(t, r)
	ds := fanout(t, r, id, "r1")

	if rec := do(t, r, http.MethodPost, "/api/v1/inbox/"+ds["r1"]+"/confirm", token(t, "r1", "recipient"), ""); rec.Code != http.StatusOK {
		t.Fatalf("first confirm = %d", rec.Code)
	}
	rec := do(t, r, http.MethodPost, "/api/v1/inbox/"+ds["r1"]+"/reject", token(t, "r1", "recipient"), "")
	if rec.Code != http.StatusConflict {
		t.Errorf("reject after confirm = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestListDispatches_SenderScope(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t)
	id := createIncident(t, r)
	fanout(t, r, id, "r1", "r2")

	rec := do(t, r, http.MethodGet, "/api/v1/dispatches", token(t, "s1", "sender"), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	res := decode[dispatch.PageResult[dispatch.Dispatch]](t, rec)
	if res.Total != 2 {
		t.Errorf("total = %d, want 2", res.Total)
	}

	rec = do(t, r, http.MethodGet, "/api/v1/dispatches?status=bogus", token(t, "s1", "sender"), "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bogus status filter = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

// Directory

func TestGroupsAndDirectory(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t)
	tok := token(t, "s1", "sender")

	rec := do(t, r, http.MethodGet, "/api/v1/groups", tok, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("groups = %d", rec.Code)
	}
	resp := decode[map[string][]dispatch.Group](t, rec)
	if len(resp["groups"]) != 2 {
		t.Errorf("groups = %d, want 2", len(resp["groups"]))
	}

	rec = do(t, r, http.MethodGet, "/api/v1/recipients/r1", tok, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("recipient info = %d", rec.Code)
	}
	ident := decode[dispatch.Identity](t, rec)
	if ident.Name != "Recipient One" {
		t.Errorf("name = %q, want Recipient One", ident.Name)
	}

	// Role mismatch reads as absence.
	rec = do(t, r, http.MethodGet, "/api/v1/recipients/s1", tok, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("sender via recipient lookup = %d, want %d", rec.Code, http.StatusNotFound)
	}
	rec = do(t, r, http.MethodGet, "/api/v1/senders/s1", tok, "")
	if rec.Code != http.StatusOK {
		t.Errorf("sender info = %d, want %d", rec.Code, http.StatusOK)
	}
}

// Admin

func TestAdminSetTimeout(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t)
	id := createIncident(t, r)
	ds := fanout(t, r, id, "r1")
	admin := token(t, "a1", "admin")

	// Missing body field.
	rec := do(t, r, http.MethodPut, "/api/v1/admin/dispatches/"+ds["r1"]+"/timeout", admin, `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing timed_out = %d, want %d", rec.Code, http.StatusBadRequest)
	}

	// Force timeout.
	rec = do(t, r, http.MethodPut, "/api/v1/admin/dispatches/"+ds["r1"]+"/timeout", admin, `{"timed_out":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("force = %d, body %s", rec.Code, rec.Body.String())
	}
	d := decode[dispatch.Dispatch](t, rec)
	if d.Status != dispatch.StatusTimeout {
		t.Errorf("status = %q, want %q", d.Status, dispatch.StatusTimeout)
	}

	// Forcing again conflicts.
	rec = do(t, r, http.MethodPut, "/api/v1/admin/dispatches/"+ds["r1"]+"/timeout", admin, `{"timed_out":true}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("double force = %d, want %d", rec.Code, http.StatusConflict)
	}

	// Restore to unread.
	rec = do(t, r, http.MethodPut, "/api/v1/admin/dispatches/"+ds["r1"]+"/timeout", admin, `{"timed_out":false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("restore = %d", rec.Code)
	}
	d = decode[dispatch.Dispatch](t, rec)
	if d.Status != dispatch.StatusUnread {
		t.Errorf("status = %q, want %q", d.Status, dispatch.StatusUnread)
	}
}

func TestAdminBatchTimeout(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t)
	id := createIncident(t, r)
	ds := fanout(t, r, id, "r1", "r2")
	admin := token(t, "a1", "admin")

	body := fmt.Sprintf(`{"ids":["%s","%s","missing"],"timed_out":true}`, ds["r1"], ds["r2"])
	rec := do(t, r, http.MethodPut, "/api/v1/admin/dispatches/batch-timeout", admin, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	res := decode[dispatch.BatchResult](t, rec)
	if res.Success != 2 {
		t.Errorf("success = %d, want 2", res.Success)
	}
	if res.Failed != 1 {
		t.Errorf("failed = %d, want 1", res.Failed)
	}
}

func TestAdminSweepEndpoint(t *testing.T) {
	t.Parallel()

	r, store := newTestRouter(t)
	admin := token(t, "a1", "admin")

	// A dispatch sent well past the default threshold.
	stale := time.Now().Add(-48 * time.Hour)
	_ = store.UpdateDispatch(context.Background(), &dispatch.Dispatch{
		ID: "d-stale", IncidentID: "i-x", SenderID: "s1", RecipientID: "r1",
		Status: dispatch.StatusUnread, SentAt: stale,
	}, nil)

	rec := do(t, r, http.MethodPost, "/api/v1/admin/sweep", admin, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	resp := decode[map[string]int64](t, rec)
	if resp["marked"] != 1 {
		t.Errorf("marked = %d, want 1", resp["marked"])
	}
}

func TestAdminTimeoutHoursSettings(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t)
	admin := token(t, "a1", "admin")

	rec := do(t, r, http.MethodGet, "/api/v1/admin/settings/timeout-hours", admin, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get = %d", rec.Code)
	}
	resp := decode[map[string]int](t, rec)
	if resp["hours"] != dispatch.DefaultTimeoutHours {
		t.Errorf("hours = %d, want default %d", resp["hours"], dispatch.DefaultTimeoutHours)
	}

	rec = do(t, r, http.MethodPut, "/api/v1/admin/settings/timeout-hours", admin, `{"hours":48}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("put = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = do(t, r, http.MethodGet, "/api/v1/admin/settings/timeout-hours", admin, "")
	resp = decode[map[string]int](t, rec)
	if resp["hours"] != 48 {
		t.Errorf("hours = %d, want 48", resp["hours"])
	}

	rec = do(t, r, http.MethodPut, "/api/v1/admin/settings/timeout-hours", admin, `{"hours":0}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("put zero = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

// Constructor

func TestNew_NilServicePanics(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Fatal("New(nil, nil, nil) did not panic")
		}
	}()
	New(nil, nil, nil)
}

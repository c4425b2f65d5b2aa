package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/courier/internal/dispatch"
)

func TestIncidentReturned_PostsToWebhook(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content-type = %q, want application/json", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL, log.Nop())
	n.IncidentReturned(context.Background(), &dispatch.Incident{
		ID:          "01JN123",
		Category:    "escape",
		SubjectName: "John Doe",
		OccurredAt:  time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Status:      dispatch.IncidentReturned,
	})

	blocks, ok := got["blocks"].([]any)
	if !ok {
		t.Fatal("expected blocks array in payload")
	}
	// header, divider, fields = 3 blocks
	if len(blocks) != 3 {
		t.Errorf("blocks count = %d, want 3", len(blocks))
	}

	header := blocks[0].(map[string]any)
	headerText := header["text"].(map[string]any)["text"].(string)
	if !strings.Contains(headerText, "escape") {
		t.Errorf("header text = %q, want to contain category", headerText)
	}
}

func TestSweepCompleted_PostsCount(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL, log.Nop())
	n.SweepCompleted(context.Background(), 7)

	blocks := got["blocks"].([]any)
	text := blocks[0].(map[string]any)["text"].(map[string]any)["text"].(string)
	if !strings.Contains(text, "7") {
		t.Errorf("text = %q, want to contain the marked count", text)
	}
}

func TestNotifier_NoOpWithoutURL(t *testing.T) {
	t.Parallel()

	// Must not panic or block; nothing to assert beyond that.
	n := New("", log.Nop())
	n.IncidentReturned(context.Background(), &dispatch.Incident{ID: "x"})
	n.SweepCompleted(context.Background(), 1)
}

func TestNotifier_SwallowsServerErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("internal error"))
	}))
	defer srv.Close()

	// Delivery is best effort: a failing webhook must not panic or propagate.
	n := New(srv.URL, log.Nop())
	n.IncidentReturned(context.Background(), &dispatch.Incident{ID: "01JN789", Category: "escape"})
}

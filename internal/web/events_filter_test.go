package web

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/metocean/bob-the-builder/internal/events"
)

func TestEventFilterMatches(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/events?repo=org/app&worker_id=w1&state=failed", nil)
	filter, err := parseEventFilter(req)
	if err != nil {
		t.Fatalf("parse filter: %v", err)
	}
	event := events.Event{
		Repo:     "org/app",
		WorkerID: "w1",
		State:    "failed",
	}
	if !filter.Matches(event) {
		t.Fatalf("expected filter to match")
	}
	if filter.Matches(events.Event{Repo: "org/other", WorkerID: "w1", State: "failed"}) {
		t.Fatalf("expected repo mismatch to fail")
	}
	if filter.Matches(events.Event{Repo: "org/app", WorkerID: "w2", State: "failed"}) {
		t.Fatalf("expected worker mismatch to fail")
	}
	if filter.Matches(events.Event{Repo: "org/app", WorkerID: "w1", State: "successful"}) {
		t.Fatalf("expected state mismatch to fail")
	}
}

func TestEventFilterInvalidState(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/events?state=exploded", nil)
	if _, err := parseEventFilter(req); err == nil {
		t.Fatalf("expected error for invalid state")
	}
}

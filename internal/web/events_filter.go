package web

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/metocean/bob-the-builder/internal/events"
	"github.com/metocean/bob-the-builder/internal/task"
)

type eventFilter struct {
	repo     string
	branch   string
	state    string
	workerID string
}

func parseEventFilter(r *http.Request) (eventFilter, error) {
	query := r.URL.Query()
	filter := eventFilter{
		repo:     strings.TrimSpace(query.Get("repo")),
		branch:   strings.TrimSpace(query.Get("branch")),
		workerID: strings.TrimSpace(query.Get("worker_id")),
	}
	if val := strings.TrimSpace(query.Get("state")); val != "" {
		state, err := task.ParseState(val)
		if err != nil {
			return eventFilter{}, fmt.Errorf("invalid state")
		}
		filter.state = string(state)
	}
	return filter, nil
}

func (f eventFilter) Matches(event events.Event) bool {
	if f.repo != "" && event.Repo != f.repo {
		return false
	}
	if f.branch != "" && event.Branch != f.branch {
		return false
	}
	if f.state != "" && event.State != f.state {
		return false
	}
	if f.workerID != "" && event.WorkerID != f.workerID {
		return false
	}
	return true
}

package task

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultBranch = "master"
	DefaultTag    = "latest"

	createdMessage = "task has been created and is pending"

	// rangeTimeLayout is fixed width so range keys sort by creation time.
	rangeTimeLayout = "2006-01-02T15:04:05.000000000Z"
)

var ErrTerminal = errors.New("task is in a terminal state")

// Identity is the composite key of a task.
type Identity struct {
	GitRepo   string    `json:"git_repo"`
	GitBranch string    `json:"git_branch"`
	GitTag    string    `json:"git_tag"`
	CreatedAt time.Time `json:"created_at"`
}

func (id Identity) RangeKey() string {
	return id.CreatedAt.UTC().Format(rangeTimeLayout) + ":" + id.GitBranch + ":" + id.GitTag
}

// CompactTimestamp renders CreatedAt as %Y%m%d%H%M%S%f. Built image names are
// matched against it, so it must not contain separators.
func (id Identity) CompactTimestamp() string {
	return CompactTime(id.CreatedAt)
}

func (id Identity) String() string {
	return fmt.Sprintf("%s:%s:%s@%s", id.GitRepo, id.GitBranch, id.GitTag, id.CreatedAt.UTC().Format(time.RFC3339Nano))
}

func CompactTime(t time.Time) string {
	t = t.UTC()
	return t.Format("20060102150405") + fmt.Sprintf("%06d", t.Nanosecond()/int(time.Microsecond))
}

// ParseRangeKey splits a range key back into its identity parts.
func ParseRangeKey(repo, key string) (Identity, error) {
	if len(key) < len(rangeTimeLayout)+1 || key[len(rangeTimeLayout)] != ':' {
		return Identity{}, fmt.Errorf("malformed range key %q", key)
	}
	created, err := time.Parse(rangeTimeLayout, key[:len(rangeTimeLayout)])
	if err != nil {
		return Identity{}, fmt.Errorf("malformed range key %q: %w", key, err)
	}
	parts := strings.SplitN(key[len(rangeTimeLayout)+1:], ":", 2)
	if len(parts) != 2 {
		return Identity{}, fmt.Errorf("malformed range key %q", key)
	}
	return Identity{GitRepo: repo, GitBranch: parts[0], GitTag: parts[1], CreatedAt: created}, nil
}

type Event struct {
	State        State          `json:"state"`
	StateMessage string         `json:"state_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
	Duration     *time.Duration `json:"duration,omitempty"`
}

type LogEntry struct {
	Filename  string    `json:"filename"`
	Path      string    `json:"path"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Task is one build request plus its audit trail.
type Task struct {
	GitRepo          string     `json:"git_repo"`
	GitBranch        string     `json:"git_branch"`
	GitTag           string     `json:"git_tag"`
	State            State      `json:"state"`
	StateMessage     string     `json:"state_message,omitempty"`
	Events           []Event    `json:"events"`
	Logs             []LogEntry `json:"logs,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	ModifiedAt       time.Time  `json:"modified_at"`
	CreatedBy        string     `json:"created_by,omitempty"`
	BuildArgs        string     `json:"build_args,omitempty"`
	BuilderHostname  string     `json:"builder_hostname,omitempty"`
	BuilderIPAddress string     `json:"builder_ip_address,omitempty"`
}

// New creates a pending task. Empty branch and tag fall back to master and latest.
func New(repo, branch, tag, createdBy, buildArgs string, now time.Time) *Task {
	if branch == "" {
		branch = DefaultBranch
	}
	if tag == "" {
		tag = DefaultTag
	}
	now = now.UTC().Truncate(time.Microsecond)
	return &Task{
		GitRepo:      repo,
		GitBranch:    branch,
		GitTag:       tag,
		State:        StatePending,
		StateMessage: createdMessage,
		Events: []Event{{
			State:        StatePending,
			StateMessage: createdMessage,
			CreatedAt:    now,
		}},
		CreatedAt:  now,
		ModifiedAt: now,
		CreatedBy:  createdBy,
		BuildArgs:  buildArgs,
	}
}

func (t *Task) Identity() Identity {
	return Identity{
		GitRepo:   t.GitRepo,
		GitBranch: t.GitBranch,
		GitTag:    t.GitTag,
		CreatedAt: t.CreatedAt,
	}
}

// Transition closes the current event and opens a new one for state.
func (t *Task) Transition(state State, message string, now time.Time) error {
	if t.State.IsTerminal() {
		return fmt.Errorf("%w: cannot move %s from %s to %s", ErrTerminal, t.Identity(), t.State, state)
	}
	if !state.Valid() {
		return fmt.Errorf("unknown task state %q", state)
	}
	now = now.UTC()
	if n := len(t.Events); n > 0 {
		prev := &t.Events[n-1]
		finished := now
		duration := now.Sub(prev.CreatedAt)
		prev.FinishedAt = &finished
		prev.Duration = &duration
	}
	t.Events = append(t.Events, Event{
		State:        state,
		StateMessage: message,
		CreatedAt:    now,
	})
	t.State = state
	t.StateMessage = message
	return nil
}

// PreviousState returns the state held before the current one, or the
// current state when there is no earlier event.
func (t *Task) PreviousState() State {
	if n := len(t.Events); n >= 2 {
		return t.Events[n-2].State
	}
	return t.State
}

// SetLog stores entry under its filename. An existing entry keeps its
// position unless front is set, in which case the entry moves to the front.
func (t *Task) SetLog(entry LogEntry, front bool) {
	for i := range t.Logs {
		if t.Logs[i].Filename != entry.Filename {
			continue
		}
		if !front {
			t.Logs[i] = entry
			return
		}
		t.Logs = append(t.Logs[:i], t.Logs[i+1:]...)
		break
	}
	if front {
		t.Logs = append([]LogEntry{entry}, t.Logs...)
		return
	}
	t.Logs = append(t.Logs, entry)
}

func (t *Task) Log(filename string) (LogEntry, bool) {
	for _, entry := range t.Logs {
		if entry.Filename == filename {
			return entry, true
		}
	}
	return LogEntry{}, false
}

// Clone returns a deep copy of t.
func (t *Task) Clone() *Task {
	c := *t
	c.Events = make([]Event, len(t.Events))
	for i, ev := range t.Events {
		c.Events[i] = ev
		if ev.FinishedAt != nil {
			f := *ev.FinishedAt
			c.Events[i].FinishedAt = &f
		}
		if ev.Duration != nil {
			d := *ev.Duration
			c.Events[i].Duration = &d
		}
	}
	c.Logs = append([]LogEntry(nil), t.Logs...)
	return &c
}

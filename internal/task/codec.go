package task

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrInvalidRecord = errors.New("invalid task record")

func Encode(t *Task) ([]byte, error) {
	if err := Validate(t); err != nil {
		return nil, err
	}
	return json.Marshal(t)
}

func Decode(data []byte) (*Task, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var t Task
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if err := Validate(&t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Validate checks the structural invariants every stored task must hold.
func Validate(t *Task) error {
	switch {
	case t == nil:
		return fmt.Errorf("%w: nil task", ErrInvalidRecord)
	case t.GitRepo == "":
		return fmt.Errorf("%w: git_repo is required", ErrInvalidRecord)
	case !t.State.Valid():
		return fmt.Errorf("%w: unknown state %q", ErrInvalidRecord, t.State)
	case len(t.Events) == 0:
		return fmt.Errorf("%w: no events", ErrInvalidRecord)
	case t.Events[0].State != StatePending:
		return fmt.Errorf("%w: first event is %s, want pending", ErrInvalidRecord, t.Events[0].State)
	case t.Events[len(t.Events)-1].State != t.State:
		return fmt.Errorf("%w: last event is %s but state is %s", ErrInvalidRecord, t.Events[len(t.Events)-1].State, t.State)
	}
	seen := make(map[string]struct{}, len(t.Logs))
	for _, entry := range t.Logs {
		if _, ok := seen[entry.Filename]; ok {
			return fmt.Errorf("%w: duplicate log %q", ErrInvalidRecord, entry.Filename)
		}
		seen[entry.Filename] = struct{}{}
	}
	return nil
}

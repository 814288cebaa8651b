package compose

import "fmt"

// BuildStepFailedError is returned when an external build command exits
// non-zero or a docker engine operation reports an error.
type BuildStepFailedError struct {
	Command  string
	ExitCode int
	LogPath  string
	Tail     string
}

func (e *BuildStepFailedError) Error() string {
	return fmt.Sprintf("%q exited with code %d (log: %s)", e.Command, e.ExitCode, e.LogPath)
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/metocean/bob-the-builder/internal/compose"
	"github.com/metocean/bob-the-builder/internal/source"
	"github.com/metocean/bob-the-builder/internal/store"
)

const (
	KindBuildStepFailed       = "BuildStepFailed"
	KindManifestInvalid       = "ManifestInvalid"
	KindNoImagesMatched       = "NoImagesMatched"
	KindSourceFetchFailed     = "SourceFetchFailed"
	KindCancellationRequested = "CancellationRequested"
)

// ErrCancellationRequested is the cancel cause used when the stored task
// has been moved to cancel while the build is running.
var ErrCancellationRequested = errors.New("cancellation requested")

type ManifestInvalidError struct {
	Path   string
	Reason string
}

func (e *ManifestInvalidError) Error() string {
	return fmt.Sprintf("invalid build manifest %s: %s", e.Path, e.Reason)
}

type NoImagesMatchedError struct {
	Prefix   string
	Services []string
}

func (e *NoImagesMatchedError) Error() string {
	return fmt.Sprintf("no recently built images match prefix %q and services %s", e.Prefix, strings.Join(e.Services, ", "))
}

// PanicError wraps a value recovered from a panicking build.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

func isCancellation(err error) bool {
	return errors.Is(err, ErrCancellationRequested) ||
		errors.Is(err, store.ErrCancelRequested) ||
		errors.Is(err, context.Canceled)
}

// ErrorKind names the failure class recorded in a failed task's message.
func ErrorKind(err error) string {
	var (
		stepErr     *compose.BuildStepFailedError
		manifestErr *ManifestInvalidError
		noImagesErr *NoImagesMatchedError
	)
	switch {
	case errors.As(err, &stepErr):
		return KindBuildStepFailed
	case errors.As(err, &manifestErr):
		return KindManifestInvalid
	case errors.As(err, &noImagesErr):
		return KindNoImagesMatched
	case source.IsFetchError(err):
		return KindSourceFetchFailed
	case isCancellation(err):
		return KindCancellationRequested
	}
	name := strings.TrimPrefix(fmt.Sprintf("%T", rootCause(err)), "*")
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return name
}

func rootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

package source

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound     = errors.New("source not found")
	ErrUnauthorized = errors.New("source access unauthorized")
	ErrHTTP         = errors.New("source http error")
)

// FetchError is a non-2xx response from the source host.
type FetchError struct {
	Repo       string
	Ref        string
	URL        string
	StatusCode int
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s@%s: %s returned HTTP %d", e.Repo, e.Ref, e.URL, e.StatusCode)
}

func (e *FetchError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	default:
		return ErrHTTP
	}
}

// IsFetchError reports whether err came from talking to the source host.
func IsFetchError(err error) bool {
	var fetchErr *FetchError
	return errors.As(err, &fetchErr) || errors.Is(err, ErrArchiveInvalid)
}

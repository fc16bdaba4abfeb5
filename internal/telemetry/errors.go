package telemetry

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindTransport ErrorKind = "transport"
	KindStatus    ErrorKind = "status"
	KindPayload   ErrorKind = "payload"
)

// LoadError is returned for every failed load. No samples accompany it.
type LoadError struct {
	Kind       ErrorKind
	Source     string
	StatusCode int
	Err        error
}

func (e *LoadError) Error() string {
	if e.Kind == KindStatus {
		return fmt.Sprintf("load telemetry from %s: status %d: %v", e.Source, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("load telemetry from %s: %s: %v", e.Source, e.Kind, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

func IsLoadError(err error) bool {
	var loadErr *LoadError
	return errors.As(err, &loadErr)
}

// Kind returns the kind of the LoadError wrapped in err, or "" for other errors.
func Kind(err error) ErrorKind {
	var loadErr *LoadError
	if errors.As(err, &loadErr) {
		return loadErr.Kind
	}
	return ""
}

func payloadError(source string, err error) *LoadError {
	return &LoadError{Kind: KindPayload, Source: source, Err: err}
}

func transportError(source string, err error) *LoadError {
	return &LoadError{Kind: KindTransport, Source: source, Err: err}
}

package cluster

import "fmt"

// TransportError is returned when a cluster endpoint could not be reached or it
// answered with a non-2xx status code.
type TransportError struct {
	URL    string // Endpoint that was queried
	Status int    // HTTP status code, zero if no response was received
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("request to %s failed with status %d: %v", e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("request to %s failed: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ParseError is returned when a cluster endpoint answered with a body that does
// not match any of the known response shapes.
type ParseError struct {
	URL string // Endpoint that was queried
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid response from %s: %v", e.URL, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Package alert delivers drift reports to human operators.
package alert

import (
	"context"
	"fmt"
	"strings"
)

// Sink is a notification channel alerts can be pushed into.
type Sink interface {
	// Notify delivers a single message, failing with a *DeliveryError if the
	// transport rejects it or times out.
	Notify(ctx context.Context, message string) error
}

// DeliveryError is returned when an alert could not be delivered.
type DeliveryError struct {
	Sink string // Name of the sink that failed
	Err  error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s delivery failed: %v", e.Sink, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// MultiError collects the failures of the members of a fan-out sink.
type MultiError struct {
	Errs  []error // Failures in sink order
	Sinks int     // Number of sinks attempted
}

func (e *MultiError) Error() string {
	failures := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		failures[i] = err.Error()
	}
	return fmt.Sprintf("%d of %d sinks failed: %s", len(e.Errs), e.Sinks, strings.Join(failures, "; "))
}

// Unwrap returns the first failure, the rest are reachable through Errs.
func (e *MultiError) Unwrap() error {
	if len(e.Errs) == 0 {
		return nil
	}
	return e.Errs[0]
}

// Multi fans a message out to a list of sinks. Every sink is attempted even if
// earlier ones fail.
type Multi []Sink

// Notify implements Sink.
func (m Multi) Notify(ctx context.Context, message string) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Notify(ctx, message); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return &DeliveryError{Sink: "multi", Err: &MultiError{Errs: errs, Sinks: len(m)}}
	}
	return nil
}

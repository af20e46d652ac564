// Package errors provides examples of structured error handling in starsync.
package errors_test

import (
	"fmt"
	"io"

	"github.com/ajitpratap0/starsync/pkg/errors"
)

// Example demonstrates basic error creation and wrapping.
func Example() {
	err := errors.New(errors.ErrorTypeConnection, "failed to connect to source").
		WithDetail("host", "localhost").
		WithDetail("port", 5432)

	fmt.Println(err.Error())

	// Output:
	// connection: failed to connect to source
}

// ExampleWrap shows how to wrap existing errors with context.
func ExampleWrap() {
	err := errors.Wrap(io.ErrUnexpectedEOF, errors.ErrorTypeReplication, "replication stream closed").
		WithDetail("slot", "starsync_slot")

	if errors.IsType(err, errors.ErrorTypeReplication) {
		fmt.Println("replication error")
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		fmt.Println("caused by unexpected EOF")
	}

	// Output:
	// replication error
	// caused by unexpected EOF
}

// ExampleIsRetryable demonstrates which error types are retried.
func ExampleIsRetryable() {
	fmt.Println(errors.IsRetryable(errors.New(errors.ErrorTypeTimeout, "load timed out")))
	fmt.Println(errors.IsRetryable(errors.New(errors.ErrorTypeData, "value out of range")))
	fmt.Println(errors.IsRetryable(errors.New(errors.ErrorTypeConfig, "missing host")))

	// Output:
	// true
	// false
	// false
}

package domain

import (
	"errors"
	"fmt"
)

// InvalidTaskError is returned by Enqueue for tasks that are never stored.
type InvalidTaskError struct {
	TaskID string
	Reason string
}

func (e *InvalidTaskError) Error() string {
	return fmt.Sprintf("invalid task %q: %s", e.TaskID, e.Reason)
}

// UnknownTaskError is returned when a task is not in the state the caller assumed.
type UnknownTaskError struct {
	TaskID string
}

func (e *UnknownTaskError) Error() string {
	return fmt.Sprintf("unknown task: %s is not in flight", e.TaskID)
}

// TaskNotFoundError is returned when no record exists for a task ID.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

// TransientFetchError marks a fetch failure worth retrying.
type TransientFetchError struct {
	TaskID string
	Err    error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("transient fetch error for %s: %v", e.TaskID, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// PermanentFetchError marks a fetch failure that no retry will fix.
type PermanentFetchError struct {
	TaskID string
	Err    error
}

func (e *PermanentFetchError) Error() string {
	return fmt.Sprintf("permanent fetch error for %s: %v", e.TaskID, e.Err)
}

func (e *PermanentFetchError) Unwrap() error { return e.Err }

// StoreUnavailableError wraps a failure to talk to the durable store.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

// LeaseLostError is returned when the caller no longer owns the worker lease.
type LeaseLostError struct {
	Token  string
	Reason string
}

func (e *LeaseLostError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("lease lost by %s", e.Token)
	}
	return fmt.Sprintf("lease lost by %s: %s", e.Token, e.Reason)
}

// IsPermanent reports whether err should dead-letter a task without retry.
func IsPermanent(err error) bool {
	var perm *PermanentFetchError
	return errors.As(err, &perm)
}

// IsFatal reports whether err must abort the current worker activation.
func IsFatal(err error) bool {
	var store *StoreUnavailableError
	var lost *LeaseLostError
	return errors.As(err, &store) || errors.As(err, &lost)
}

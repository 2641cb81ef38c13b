package model

import "errors"

var (
	// ErrNotFound is returned when a resource is not found.
	ErrNotFound = errors.New("not found")
	// ErrNotValid is returned when a value is not valid.
	ErrNotValid = errors.New("not valid")

	// ErrNotReviewing is returned when a review is submitted for a task that is not waiting for one.
	ErrNotReviewing = errors.New("task is not waiting for review")
	// ErrReviewInFlight is returned when a review submission is already pending.
	ErrReviewInFlight = errors.New("review submission already in flight")
	// ErrDiscardNotAcknowledged is returned when a rejection would drop local corrections the caller did not agree to lose.
	ErrDiscardNotAcknowledged = errors.New("rejecting discards local corrections and was not acknowledged")

	// ErrUnknownRecord is returned when an edit targets a record that is not loaded.
	ErrUnknownRecord = errors.New("unknown record")
	// ErrCommitInFlight is returned when a commit is already pending.
	ErrCommitInFlight = errors.New("commit already in flight")
	// ErrReadOnlyVersion is returned when mutating while a past version is selected.
	ErrReadOnlyVersion = errors.New("a past version is selected, edits are disabled")
	// ErrTaskInFlight is returned when starting a task while the previous one is still running.
	ErrTaskInFlight = errors.New("task already running")
	// ErrRecordsInUse is returned when regeneration would wipe records that are already used downstream.
	ErrRecordsInUse = errors.New("records are in use")

	// ErrChannelClosed is returned when connecting a channel that was disconnected for good.
	ErrChannelClosed = errors.New("notification channel closed")
)

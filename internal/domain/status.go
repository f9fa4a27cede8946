package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Status is a deployment lifecycle state.
type Status string

const (
	StatusPendingBuild         Status = "pending_build"
	StatusCloning              Status = "cloning"
	StatusBuilding             Status = "building"
	StatusPendingUpload        Status = "pending_upload"
	StatusUploading            Status = "uploading"
	StatusAwaitingSignature    Status = "awaiting_signature"
	StatusAwaitingConfirmation Status = "awaiting_confirmation"
	StatusSuccess              Status = "success"
	StatusFailed               Status = "failed"
	StatusCancelled            Status = "cancelled"
)

// ErrInvalidTransition is the root of every rejected status change.
var ErrInvalidTransition = errors.New("invalid status transition")

// pipeline lists the forward path in order. Terminal failure states are not part of it.
var pipeline = []Status{
	StatusPendingBuild,
	StatusCloning,
	StatusBuilding,
	StatusPendingUpload,
	StatusUploading,
	StatusAwaitingSignature,
	StatusAwaitingConfirmation,
	StatusSuccess,
}

// validTransitions holds the forward edges of the machine. failed and cancelled
// are reachable from every non-terminal state and are handled in CanTransition.
// uploading -> pending_upload is the only backward edge (retryable upload error).
var validTransitions = map[Status][]Status{
	StatusPendingBuild:         {StatusCloning},
	StatusCloning:              {StatusBuilding},
	StatusBuilding:             {StatusPendingUpload},
	StatusPendingUpload:        {StatusUploading},
	StatusUploading:            {StatusAwaitingSignature, StatusPendingUpload},
	StatusAwaitingSignature:    {StatusAwaitingConfirmation},
	StatusAwaitingConfirmation: {StatusSuccess},
	StatusSuccess:              {},
	StatusFailed:               {},
	StatusCancelled:            {},
}

// AllStatuses returns every known status in pipeline order followed by the failure terminals.
func AllStatuses() []Status {
	out := make([]Status, 0, len(pipeline)+2)
	out = append(out, pipeline...)
	return append(out, StatusFailed, StatusCancelled)
}

// ParseStatus validates a raw status string.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown deployment status %q", raw)
	}
	return s, nil
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

// IsTerminal reports whether s allows no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

// Rank is the position of s along the forward path, or -1 for failed/cancelled.
func (s Status) Rank() int {
	for i, p := range pipeline {
		if p == s {
			return i
		}
	}
	return -1
}

// CanTransition reports whether the machine has an edge from -> to.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() || from.IsTerminal() {
		return false
	}
	if to == StatusFailed || to == StatusCancelled {
		return true
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError explains why a status change was refused.
type TransitionError struct {
	From   Status
	To     Status
	Reason string
}

func (e *TransitionError) Error() string {
	if e.From == "" {
		return fmt.Sprintf("cannot enter %s: %s", e.To, e.Reason)
	}
	return fmt.Sprintf("cannot move from %s to %s: %s", e.From, e.To, e.Reason)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// ValidateTransition checks a requested change against the stored record.
// A same-status request is a field refresh and is only allowed on non-terminal records.
func ValidateTransition(current Deployment, to Status, fields DeploymentFields) error {
	from := current.Status
	reject := func(reason string) error {
		return &TransitionError{From: from, To: to, Reason: reason}
	}
	if !to.Valid() {
		return reject("unknown target status")
	}
	if from.IsTerminal() {
		return reject("deployment is terminal")
	}
	if from != to && !CanTransition(from, to) {
		return reject("no such edge")
	}
	return validateFields(to, current, fields, reject)
}

// ValidateEntry checks the status a new record starts in. Records may enter the
// machine at any non-terminal state as long as the stage prerequisites are present.
func ValidateEntry(status Status, fields DeploymentFields) error {
	reject := func(reason string) error {
		return &TransitionError{To: status, Reason: reason}
	}
	if !status.Valid() {
		return reject("unknown status")
	}
	if status.IsTerminal() {
		return reject("records cannot be created terminal")
	}
	return validateFields(status, Deployment{}, fields, reject)
}

func validateFields(to Status, current Deployment, fields DeploymentFields, reject func(string) error) error {
	contentAddress := firstNonEmpty(fields.ContentAddress, current.ContentAddress)
	txRef := firstNonEmpty(fields.NamingTxRef, current.NamingTxRef)

	if fields.ContentAddress != "" && to.Rank() >= 0 && to.Rank() < StatusUploading.Rank() {
		return reject("content address is only recorded from uploading onwards")
	}
	if fields.ContentAddress != "" && current.ContentAddress != "" && fields.ContentAddress != current.ContentAddress && to.Rank() > StatusAwaitingSignature.Rank() {
		return reject("content address cannot change after signing")
	}
	if fields.NamingTxRef != "" {
		if to != StatusAwaitingConfirmation && to != StatusSuccess && to != StatusFailed {
			return reject("naming transaction is only recorded after a signature")
		}
		if current.NamingTxRef != "" && current.NamingTxRef != fields.NamingTxRef {
			return reject("naming transaction already recorded")
		}
	}
	if fields.ErrorMessage != "" && to != StatusFailed {
		return reject("error message is only recorded on failure")
	}

	switch to {
	case StatusAwaitingSignature:
		if contentAddress == "" {
			return reject("content address required")
		}
	case StatusAwaitingConfirmation, StatusSuccess:
		if contentAddress == "" {
			return reject("content address required")
		}
		if txRef == "" {
			return reject("signed transaction required")
		}
	case StatusFailed:
		if strings.TrimSpace(fields.ErrorMessage) == "" {
			return reject("error message required")
		}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

package finalize

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Stage names one step of the finalization pipeline.
type Stage string

const (
	StageUpload     Stage = "upload"
	StagePrepare    Stage = "prepare"
	StageChainCheck Stage = "chain_check"
	StageSign       Stage = "sign"
	StageConfirm    Stage = "confirm"
)

// Kind is the policy bucket an error falls into.
type Kind int

const (
	// KindTransient errors are retried on the next tick without user noise.
	KindTransient Kind = iota
	// KindRejection means the user declined the signature; the deployment cools down.
	KindRejection
	// KindConfiguration is surfaced to the user and never retried automatically.
	KindConfiguration
	// KindTerminal marks the deployment failed.
	KindTerminal
)

func (k Kind) String() string {
	switch k {
	case KindRejection:
		return "rejection"
	case KindConfiguration:
		return "configuration"
	case KindTerminal:
		return "terminal"
	default:
		return "transient"
	}
}

// Classifier decides how the orchestrator reacts to a stage error.
type Classifier interface {
	Classify(stage Stage, err error) Kind
}

// ChainMismatchError reports that the signer is connected to a different chain
// than the one the update payload targets.
type ChainMismatchError struct {
	Expected uint64
	Active   uint64
}

func (e *ChainMismatchError) Error() string {
	return fmt.Sprintf("CHAIN_MISMATCH: wallet is on chain %d, update targets chain %d", e.Active, e.Expected)
}

// EIP-1193 user rejection and the matching ethers.js error code.
const (
	userRejectedCode   = 4001
	actionRejectedCode = "ACTION_REJECTED"
)

var rejectionPhrases = []string{
	"user rejected",
	"user canceled",
	"user cancelled",
	"rejected the request",
	"user denied",
}

type codedError interface {
	ErrorCode() int
}

type reasonedError interface {
	ErrorReason() string
}

type transientError interface {
	Transient() bool
}

// DefaultClassifier applies the standard policy. Rejections at signing cool
// down and a chain mismatch is a configuration problem. Timeouts and transient
// errors are retried, other upload and prepare failures are terminal, and
// everything else is retried.
type DefaultClassifier struct{}

// Classify implements Classifier.
func (DefaultClassifier) Classify(stage Stage, err error) Kind {
	if err == nil {
		return KindTransient
	}
	// Only the wallet can decline. Upload and prepare errors that happen to
	// mention a rejection come from services, not the user.
	if stage == StageSign && IsRejection(err) {
		return KindRejection
	}
	var mismatch *ChainMismatchError
	if errors.As(err, &mismatch) {
		return KindConfiguration
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || isTransient(err) {
		return KindTransient
	}
	switch stage {
	case StageUpload, StagePrepare:
		return KindTerminal
	default:
		return KindTransient
	}
}

// IsRejection reports whether err, or any error it wraps, is a user declining
// a wallet request.
func IsRejection(err error) bool {
	return walk(err, func(e error) bool {
		if coded, ok := e.(codedError); ok && coded.ErrorCode() == userRejectedCode {
			return true
		}
		if reasoned, ok := e.(reasonedError); ok && strings.EqualFold(reasoned.ErrorReason(), actionRejectedCode) {
			return true
		}
		msg := strings.ToLower(e.Error())
		if strings.Contains(msg, strings.ToLower(actionRejectedCode)) {
			return true
		}
		for _, phrase := range rejectionPhrases {
			if strings.Contains(msg, phrase) {
				return true
			}
		}
		return false
	})
}

func isTransient(err error) bool {
	return walk(err, func(e error) bool {
		t, ok := e.(transientError)
		return ok && t.Transient()
	})
}

// walk visits err and every error reachable through Unwrap, including joined errors.
func walk(err error, match func(error) bool) bool {
	if err == nil {
		return false
	}
	stack := []error{err}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if current == nil {
			continue
		}
		if match(current) {
			return true
		}
		switch u := current.(type) {
		case interface{ Unwrap() error }:
			stack = append(stack, u.Unwrap())
		case interface{ Unwrap() []error }:
			stack = append(stack, u.Unwrap()...)
		}
	}
	return false
}

// retryable marks record store and signer plumbing errors that must never mark
// a deployment failed.
type retryable struct {
	err error
}

func (r retryable) Error() string   { return r.err.Error() }
func (r retryable) Unwrap() error   { return r.err }
func (r retryable) Transient() bool { return true }

func transient(err error) error {
	if err == nil {
		return nil
	}
	return retryable{err: err}
}

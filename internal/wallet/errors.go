package wallet

import (
	"errors"
	"fmt"
)

var (
	// ErrNoSession is returned while no browser wallet is connected.
	ErrNoSession = errors.New("wallet: no session connected")
	// ErrSessionClosed is returned when the session drops with a request outstanding.
	ErrSessionClosed = errors.New("wallet: session closed")
	// ErrChainUnknown is returned before the browser has reported its chain.
	ErrChainUnknown = errors.New("wallet: active chain unknown")
)

// ProviderError is an error reported by the browser's wallet provider.
type ProviderError struct {
	Code    int
	Reason  string
	Message string
	Cause   error
}

func (e *ProviderError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("wallet provider error %d (%s): %s", e.Code, e.Reason, e.Message)
	}
	return fmt.Sprintf("wallet provider error %d: %s", e.Code, e.Message)
}

// ErrorCode returns the EIP-1193 error code.
func (e *ProviderError) ErrorCode() int { return e.Code }

// ErrorReason returns the library error code such as ACTION_REJECTED.
func (e *ProviderError) ErrorReason() string { return e.Reason }

func (e *ProviderError) Unwrap() error { return e.Cause }

type frameError struct {
	Code    int         `json:"code"`
	Reason  string      `json:"reason,omitempty"`
	Message string      `json:"message"`
	Cause   *frameError `json:"cause,omitempty"`
}

func (f *frameError) toError() error {
	if f == nil {
		return nil
	}
	return &ProviderError{Code: f.Code, Reason: f.Reason, Message: f.Message, Cause: f.Cause.toError()}
}

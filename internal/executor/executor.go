// Package executor submits, monitors and reconciles orders against an
// exchange. Two implementations share one interface: Paper (simulated, no
// network) and Binance (live). The session loop never branches on the mode.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"talon/internal/types"
)

// OpenRequest asks for a new position. Token is the caller-supplied
// idempotency token tied to the signal timestamp: submitting the same token
// twice must not create two positions.
type OpenRequest struct {
	Token      string
	Symbol     string
	Side       types.Side
	Quantity   float64
	EntryPrice float64
	StopLoss   float64
	TakeProfit float64
}

// CloseRequest asks to flatten an existing position.
type CloseRequest struct {
	PositionID string
	Reason     string
}

// Fill is the confirmed result of an open or close.
type Fill struct {
	PositionID string
	OrderRef   string
	Price      float64
	Quantity   float64
	FilledAt   time.Time
	// Duplicate marks an idempotent replay: the fill was served from a
	// previous submission of the same intent.
	Duplicate bool
}

// Status is the exchange's view of a position, used to detect drift between
// local state and reality. The exchange is always right.
type Status struct {
	PositionID string
	Known      bool // the exchange has any record of this position
	Open       bool
	Quantity   float64
	MarkPrice  float64
	ExitPrice  float64 // meaningful when the exchange closed it (stop triggered)
}

// Executor is the single execution surface the session loop talks to.
type Executor interface {
	Name() string
	Open(ctx context.Context, req OpenRequest) (*Fill, error)
	Close(ctx context.Context, req CloseRequest) (*Fill, error)
	Reconcile(ctx context.Context, positionID string) (Status, error)
}

// ErrorKind classifies execution failures for the retry policy.
type ErrorKind string

const (
	// KindTransient failures (timeouts, rate limits) are retried with
	// exponential backoff inside the adapter.
	KindTransient ErrorKind = "transient"
	// KindPermanent failures (insufficient balance, invalid symbol,
	// rejected order) surface immediately without retry.
	KindPermanent ErrorKind = "permanent"
	// KindExhausted marks a transient failure that survived the whole
	// retry budget. The intended trade must be treated as not executed.
	KindExhausted ErrorKind = "exhausted_retries"
)

// ExecutionError wraps an exchange failure with its retry classification.
type ExecutionError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

func transientErr(op string, err error) *ExecutionError {
	return &ExecutionError{Kind: KindTransient, Op: op, Err: err}
}

func permanentErr(op string, err error) *ExecutionError {
	return &ExecutionError{Kind: KindPermanent, Op: op, Err: err}
}

// KindOf extracts the classification; unknown errors default to permanent so
// ambiguous failures are never silently retried past the adapter.
func KindOf(err error) ErrorKind {
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return KindPermanent
}

// ErrUnknownPosition is returned when a close or reconcile names a position
// the executor has never seen.
var ErrUnknownPosition = errors.New("unknown position")

// MismatchError reports local position state disagreeing with the exchange's
// view. The exchange always wins: the caller corrects local state and logs
// the mismatch at warning level, it is never fatal and never silent.
type MismatchError struct {
	PositionID string
	Local      string
	Exchange   string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("position %s out of sync: local=%s exchange=%s", e.PositionID, e.Local, e.Exchange)
}

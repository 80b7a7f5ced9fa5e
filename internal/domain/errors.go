// internal/domain/errors.go
package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrAmountNotPositive   = errors.New("amount must be greater than zero")
	ErrAmountAboveCap      = errors.New("amount exceeds the maximum refill")
	ErrAmountStep          = errors.New("amount is not a multiple of the allowed step")
	ErrNoCard              = errors.New("no card has been read")
	ErrSessionLost         = errors.New("payment info lost, restart")
	ErrReferenceMismatch   = errors.New("returned reference does not match the pending refill")
	ErrPaymentNotCompleted = errors.New("payment not completed")
	ErrCardMismatch        = errors.New("card mismatch")
	ErrBalanceChanged      = errors.New("card balance changed during an interrupted refill")
	ErrNeedsInitialization = errors.New("card needs initialization")
	ErrBusy                = errors.New("busy")
	ErrScanCancelled       = errors.New("scan cancelled")
	ErrReceiptNotFound     = errors.New("receipt not found")
	ErrInvalidReceiptInput = errors.New("invalid receipt input")
)

// ErrorKind is the classification every engine failure is converted into.
type ErrorKind string

const (
	KindValidation      ErrorKind = "validation"
	KindGateway         ErrorKind = "gateway"
	KindMedium          ErrorKind = "medium"
	KindState           ErrorKind = "state"
	KindDecodeAmbiguity ErrorKind = "decode_ambiguity"
)

// RefillError carries enough context to resume or retry the failed step.
type RefillError struct {
	Kind      ErrorKind
	Op        string
	Reference string
	CardID    string
	Retryable bool
	Err       error
}

func (e *RefillError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Op)
	if e.Reference != "" {
		msg += " ref=" + e.Reference
	}
	if e.CardID != "" {
		msg += " card=" + MaskCardID(e.CardID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RefillError) Unwrap() error { return e.Err }

func ValidationError(op string, err error) *RefillError {
	return &RefillError{Kind: KindValidation, Op: op, Err: err}
}

func GatewayError(op, reference string, retryable bool, err error) *RefillError {
	return &RefillError{Kind: KindGateway, Op: op, Reference: reference, Retryable: retryable, Err: err}
}

func MediumError(op, reference, cardID string, err error) *RefillError {
	return &RefillError{Kind: KindMedium, Op: op, Reference: reference, CardID: cardID, Retryable: true, Err: err}
}

func StateError(op, reference, cardID string, err error) *RefillError {
	return &RefillError{Kind: KindState, Op: op, Reference: reference, CardID: cardID, Err: err}
}

func DecodeAmbiguityError(cardID string) *RefillError {
	return &RefillError{Kind: KindDecodeAmbiguity, Op: "decode", CardID: cardID, Err: ErrNeedsInitialization}
}

// KindOf returns the classification of err, or "" when err is not a RefillError.
func KindOf(err error) ErrorKind {
	var re *RefillError
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

// IsRetryable reports whether the same step can be attempted again without restarting.
func IsRetryable(err error) bool {
	var re *RefillError
	return errors.As(err, &re) && re.Retryable
}

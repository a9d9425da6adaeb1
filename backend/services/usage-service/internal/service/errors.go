package service

import (
	"encoding/json"
	"errors"
	"fmt"

	"aquatrack/backend/services/usage-service/internal/repository"
)

var (
	ErrInvalidInput      = errors.New("usage: invalid input")
	ErrUnknownToken      = errors.New("usage: unknown token")
	ErrDeviceNotFound    = errors.New("usage: device not found")
	ErrWrongDeviceType   = errors.New("usage: wrong device type")
	ErrSessionNotFound   = errors.New("usage: session not found")
	ErrWrongState        = errors.New("usage: operation invalid for session status")
	ErrInvalidState      = errors.New("usage: session does not accept measurements")
	ErrSessionConflict   = errors.New("usage: account or device already has an open session")
	ErrTokenMismatch     = errors.New("usage: token does not own session")
	ErrDeviceMismatch    = errors.New("usage: device does not own session")
	ErrDeviceCommFailed  = errors.New("usage: device communication failed")
	ErrLedgerWriteFailed = errors.New("usage: ledger write failed")
	ErrLedgerReadFailed  = errors.New("usage: ledger read failed")
	ErrLedgerNotFound    = errors.New("usage: ledger entry not found")
	ErrAccountNotFound   = errors.New("usage: account not found")
	ErrCascadeOverflow   = errors.New("usage: meter cascade exceeded iteration cap")
)

// ErrorKind classifies errors for callers deciding how to surface them.
type ErrorKind string

const (
	KindValidation    ErrorKind = "validation"
	KindAuthorization ErrorKind = "authorization"
	KindNotFound      ErrorKind = "not_found"
	KindStateConflict ErrorKind = "state_conflict"
	KindDeviceComm    ErrorKind = "device_comm"
	KindLedgerWrite   ErrorKind = "ledger_write"
	KindLedgerRead    ErrorKind = "ledger_read"
	KindInternal      ErrorKind = "internal"
)

// KindOf maps an error returned by this package to its kind.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrWrongDeviceType):
		return KindValidation
	case errors.Is(err, ErrUnknownToken), errors.Is(err, ErrTokenMismatch), errors.Is(err, ErrDeviceMismatch):
		return KindAuthorization
	case errors.Is(err, ErrDeviceNotFound), errors.Is(err, ErrSessionNotFound),
		errors.Is(err, ErrLedgerNotFound), errors.Is(err, ErrAccountNotFound):
		return KindNotFound
	case errors.Is(err, ErrWrongState), errors.Is(err, ErrInvalidState), errors.Is(err, ErrSessionConflict):
		return KindStateConflict
	case errors.Is(err, ErrDeviceCommFailed):
		return KindDeviceComm
	case errors.Is(err, ErrLedgerWriteFailed):
		return KindLedgerWrite
	case errors.Is(err, ErrLedgerReadFailed):
		return KindLedgerRead
	default:
		return KindInternal
	}
}

// BatchItemError records one failed item of a batch operation.
type BatchItemError struct {
	ID  string `json:"id"`
	Err error  `json:"-"`
}

func (e BatchItemError) Error() string {
	return fmt.Sprintf("%s: %v", e.ID, e.Err)
}

func (e BatchItemError) Unwrap() error {
	return e.Err
}

// MarshalJSON renders the item with its error message and kind.
func (e BatchItemError) MarshalJSON() ([]byte, error) {
	out := struct {
		ID    string    `json:"id"`
		Code  ErrorKind `json:"code"`
		Error string    `json:"error"`
	}{ID: e.ID, Code: KindOf(e.Err)}
	if e.Err != nil {
		out.Error = e.Err.Error()
	}
	return json.Marshal(out)
}

// joinBatchErrors folds per-item failures into one error for logging.
func joinBatchErrors(items []BatchItemError) error {
	errs := make([]error, 0, len(items))
	for _, item := range items {
		errs = append(errs, item)
	}
	return errors.Join(errs...)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

func sessionLookupErr(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return ErrSessionNotFound
	}
	return err
}

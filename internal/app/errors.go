package app

import (
	"errors"
	"fmt"
	"net/http"

	"teamdesk/internal/store"
)

type ErrorKind string

const (
	KindValidation       ErrorKind = "validation"
	KindNotFound         ErrorKind = "not_found"
	KindInvalidState     ErrorKind = "invalid_state"
	KindUnauthenticated  ErrorKind = "unauthenticated"
	KindForbidden        ErrorKind = "forbidden"
	KindStoreUnavailable ErrorKind = "store_unavailable"
)

// Sentinels match any DomainError of the same kind through errors.Is.
var (
	ErrValidation       = &DomainError{Kind: KindValidation}
	ErrNotFound         = &DomainError{Kind: KindNotFound}
	ErrInvalidState     = &DomainError{Kind: KindInvalidState}
	ErrUnauthenticated  = &DomainError{Kind: KindUnauthenticated}
	ErrForbidden        = &DomainError{Kind: KindForbidden}
	ErrStoreUnavailable = &DomainError{Kind: KindStoreUnavailable}
)

type DomainError struct {
	Kind    ErrorKind
	Status  int
	Code    string
	Message string
	Details any
	Err     error
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok || t == nil {
		return false
	}
	return t.Kind == e.Kind && (t.Code == "" || t.Code == e.Code)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Kind:    kindForStatus(status),
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func kindForStatus(status int) ErrorKind {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity, http.StatusRequestEntityTooLarge:
		return KindValidation
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusConflict:
		return KindInvalidState
	case http.StatusUnauthorized:
		return KindUnauthenticated
	case http.StatusForbidden:
		return KindForbidden
	default:
		return KindStoreUnavailable
	}
}

func validationError(code, message string, details any) *DomainError {
	return domainError(http.StatusUnprocessableEntity, code, message, details)
}

func notFoundError(code, message string) *DomainError {
	return domainError(http.StatusNotFound, code, message, nil)
}

func invalidStateError(code, message string, details any) *DomainError {
	return domainError(http.StatusConflict, code, message, details)
}

func unauthenticatedError(message string) *DomainError {
	return domainError(http.StatusUnauthorized, "UNAUTHENTICATED", message, nil)
}

func forbiddenError(message string) *DomainError {
	return domainError(http.StatusForbidden, "FORBIDDEN", message, nil)
}

func storeUnavailable(message string, err error, details any) *DomainError {
	e := domainError(http.StatusServiceUnavailable, "STORE_UNAVAILABLE", message, details)
	e.Err = err
	return e
}

// storeError maps a store failure onto the taxonomy. Missing rows become
// notFound; anything else is reported as the store being unavailable.
func storeError(err error, notFound *DomainError, op string) error {
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return err
	}
	if errors.Is(err, store.ErrNotFound) && notFound != nil {
		return notFound
	}
	return storeUnavailable(op+" failed", err, nil)
}

package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Error kinds. Every error returned by the ledger engine wraps exactly one of these.
var (
	ErrValidation         = errors.New("validation failed")
	ErrNotFound           = errors.New("resource not found")
	ErrConflict           = errors.New("conflicting concurrent change")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrIntegrityViolation = errors.New("ledger integrity violation")
)

// Validation errors
var (
	ErrInvalidAmount         = fmt.Errorf("%w: amount must be greater than zero", ErrValidation)
	ErrInvalidAmountScale    = fmt.Errorf("%w: amount must have at most 2 decimal places and be below 1000000000000", ErrValidation)
	ErrNegativeBudget        = fmt.Errorf("%w: total budget must be zero or positive", ErrValidation)
	ErrDescriptionRequired   = fmt.Errorf("%w: description is required", ErrValidation)
	ErrDescriptionTooLong    = fmt.Errorf("%w: description exceeds maximum length", ErrValidation)
	ErrInvalidDate           = fmt.Errorf("%w: date must be formatted as YYYY-MM-DD", ErrValidation)
	ErrCategoryRequired      = fmt.Errorf("%w: category is required", ErrValidation)
	ErrDuplicateCategoryName = fmt.Errorf("%w: category name already exists", ErrValidation)
	ErrInvalidCatalog        = fmt.Errorf("%w: invalid category catalog", ErrValidation)
)

// Not found errors
var (
	ErrCategoryNotFound = fmt.Errorf("%w: budget category not found", ErrNotFound)
	ErrExpenseNotFound  = fmt.Errorf("%w: expense not found", ErrNotFound)
	ErrSettingsNotFound = fmt.Errorf("%w: budget settings not found", ErrNotFound)
)

// Conflict errors
var (
	ErrExpenseChanged          = fmt.Errorf("%w: expense was modified or deleted concurrently", ErrConflict)
	ErrDuplicateIdempotencyKey = fmt.Errorf("%w: idempotency key already used", ErrConflict)
	ErrSpentChanged            = fmt.Errorf("%w: category spent amount changed concurrently", ErrConflict)
)

// Validation constants
const (
	MaxExpenseDescriptionLength = 255
	DateLayout                  = "2006-01-02"
	AmountScale                 = 2
)

// MaxAmount bounds every stored amount; columns are NUMERIC(14,2)
var MaxAmount = decimal.New(1, 12)

// ValidateAmountScale rejects amounts with more than two decimal places or at least MaxAmount
func ValidateAmountScale(amount decimal.Decimal) error {
	if !amount.Equal(amount.Round(AmountScale)) || amount.Abs().GreaterThanOrEqual(MaxAmount) {
		return ErrInvalidAmountScale
	}
	return nil
}

// StorageError wraps a failure of the persistence gateway
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrStorageUnavailable, e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error {
	return []error{ErrStorageUnavailable, e.Err}
}

// WrapStorage wraps err as a storage failure unless it already is a domain error.
func WrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsDomainError(err) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// IsDomainError reports whether err already carries one of the error kinds
func IsDomainError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrStorageUnavailable) ||
		errors.Is(err, ErrIntegrityViolation)
}

// IsRetryable reports whether the caller may refetch and retry the operation
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrStorageUnavailable)
}

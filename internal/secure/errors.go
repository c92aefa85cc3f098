// Package secure wraps tenant-scoped reads and writes. Every call runs under
// the caller's tenant session, results can be checked for foreign-tenant
// records, and writes invalidate only the caller's tenant cache entries.
package secure

import (
	"errors"
	"fmt"

	"nexflow-crm/backend/internal/tenant"
)

var (
	// ErrSecurityViolation matches every SecurityViolationError.
	ErrSecurityViolation = errors.New("security violation")

	// ErrQueryDisabled is returned by queries that did not run because no
	// tenant is selected. It wraps tenant.ErrNoTenant.
	ErrQueryDisabled = fmt.Errorf("query disabled: %w", tenant.ErrNoTenant)

	// ErrForbidden is returned when the principal's role does not allow an operation.
	ErrForbidden = errors.New("forbidden")
)

// SecurityViolationError reports a record whose tenant differs from the
// session tenant.
type SecurityViolationError struct {
	Resource       string
	Index          int // position of the offending record in the response
	ExpectedTenant string
	FoundTenant    string
}

func (e *SecurityViolationError) Error() string {
	return fmt.Sprintf("security violation: %s record %d belongs to tenant %q, expected %q",
		e.Resource, e.Index, e.FoundTenant, e.ExpectedTenant)
}

func (e *SecurityViolationError) Is(target error) bool {
	return target == ErrSecurityViolation
}

// IsSecurityViolation reports whether err is or wraps a security violation.
func IsSecurityViolation(err error) bool {
	return errors.Is(err, ErrSecurityViolation)
}

// Forbidden returns an error wrapping ErrForbidden.
func Forbidden(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrForbidden, fmt.Sprintf(format, args...))
}

/*
errors.go - Error taxonomy for the loyalty engine

PURPOSE:
  Every failure the engine reports is synchronous, caller-visible and carries
  a human-readable reason. Callers branch on the kind with errors.Is and show
  Error() to the user.

ERROR KINDS:
  ErrNotFound            merchant/diner/voucher/type/active code missing
  ErrValidation          malformed input, missing branch or CSV column
  ErrInvalidState        already redeemed, expired, code expired
  ErrScopeViolation      wrong merchant, ineligible branch
  ErrInsufficientCredits credit pool below the voucher cost

  Nothing here is retried internally; retry policy belongs to the caller.

SEE ALSO:
  - api/handlers.go: maps kinds to HTTP status codes
*/
package loyalty

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrNotFound            = errors.New("not found")
	ErrValidation          = errors.New("validation error")
	ErrInvalidState        = errors.New("invalid state")
	ErrScopeViolation      = errors.New("scope violation")
	ErrInsufficientCredits = errors.New("insufficient credits")
)

// Reasons reported with ErrInvalidState.
const (
	ReasonAlreadyRedeemed = "already redeemed"
	ReasonExpired         = "expired"
	ReasonCodeExpired     = "code expired"
)

// ReasonPresentAgain is reported when no active binding holds a code.
const ReasonPresentAgain = "code not recognised, ask customer to present again"

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// Error is a classified failure with a user-facing reason.
type Error struct {
	Kind   error
	Reason string
}

func (e *Error) Error() string { return e.Reason }
func (e *Error) Unwrap() error { return e.Kind }

func notFound(format string, args ...any) error {
	return &Error{Kind: ErrNotFound, Reason: fmt.Sprintf(format, args...)}
}

func invalid(format string, args ...any) error {
	return &Error{Kind: ErrValidation, Reason: fmt.Sprintf(format, args...)}
}

func invalidState(reason string) error {
	return &Error{Kind: ErrInvalidState, Reason: reason}
}

// ScopeViolationError names where the voucher does belong.
type ScopeViolationError struct {
	Reason           string
	MerchantName     string   // set when the voucher belongs to another merchant
	EligibleBranches []string // set when the branch is not on the allow-list
}

func (e *ScopeViolationError) Error() string { return e.Reason }
func (e *ScopeViolationError) Unwrap() error { return ErrScopeViolation }

func wrongMerchant(merchantName string) error {
	return &ScopeViolationError{
		Reason:       fmt.Sprintf("this voucher belongs to %s and cannot be redeemed here", merchantName),
		MerchantName: merchantName,
	}
}

func ineligibleBranch(names []string) error {
	return &ScopeViolationError{
		Reason:           fmt.Sprintf("this voucher can only be redeemed at: %s", strings.Join(names, ", ")),
		EligibleBranches: names,
	}
}

// InsufficientCreditsError reports the pool shortfall.
type InsufficientCreditsError struct {
	Mode      EarningMode
	Available int64
	Required  int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient %s credits: have %d, need %d", e.Mode, e.Available, e.Required)
}

func (e *InsufficientCreditsError) Unwrap() error { return ErrInsufficientCredits }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// Reason extracts the user-facing reason from any engine error.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsClientError returns true if the error is due to the request rather than
// the system.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrScopeViolation) ||
		errors.Is(err, ErrInsufficientCredits) ||
		errors.Is(err, ErrNotFound)
}

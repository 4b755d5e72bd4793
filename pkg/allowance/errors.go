package allowance

import "errors"

var (
	// ErrUnauthenticated is returned for a missing or invalid bearer credential
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrForbidden is returned when the caller lacks the privilege for an action
	ErrForbidden = errors.New("forbidden")

	// ErrPeriodExists is returned by a ledger when a new period would overlap
	// an existing period of the same user
	ErrPeriodExists = errors.New("allowance period already exists")

	// ErrPeriodNotFound is returned when a period does not exist
	ErrPeriodNotFound = errors.New("allowance period not found")

	// ErrProfileNotFound is returned when a user has no profile
	ErrProfileNotFound = errors.New("profile not found")

	// ErrInvalidWindow is returned for a period window with end <= start
	ErrInvalidWindow = errors.New("invalid period window")

	// ErrInvalidAmount is returned for negative token amounts
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidUserID is returned for an empty user id
	ErrInvalidUserID = errors.New("invalid user id")

	// ErrStorageUnavailable is returned when storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")
)

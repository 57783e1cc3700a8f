package status

import "errors"

var (
	ErrInvalidFormat     = errors.New("ticket: invalid code format")
	ErrSignatureMismatch = errors.New("ticket: signature mismatch")
	ErrTicketNotFound    = errors.New("ticket: ticket not found")
	ErrInvalidTransition = errors.New("ticket: invalid state transition")

	ErrInsufficientCapacity = errors.New("inventory: insufficient capacity")
	ErrCategoryNotFound     = errors.New("inventory: category not found")
	ErrInvalidQuantity      = errors.New("inventory: quantity must be positive")

	ErrInvalidPaymentFact = errors.New("payment: invalid payment fact")
	ErrInvalidSignature   = errors.New("payment: invalid webhook signature")

	ErrOrderNotFound = errors.New("order: order not found")
	ErrOrderBusy     = errors.New("order: finalize in progress")
	ErrClaimLost     = errors.New("order: claim lost to another attempt")
	ErrOrderFailed   = errors.New("order: order is not completed")

	ErrEventNotFound = errors.New("event: event not found")
	ErrUserNotFound  = errors.New("user: user not found")
	ErrForbidden     = errors.New("auth: caller not allowed")
)

// IsPermanent reports whether retrying the same request can never succeed.
func IsPermanent(err error) bool {
	for _, target := range []error{
		ErrInvalidPaymentFact,
		ErrInvalidSignature,
		ErrEventNotFound,
		ErrCategoryNotFound,
		ErrInvalidQuantity,
		ErrForbidden,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

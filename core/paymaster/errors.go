package paymaster

import "errors"

var (
	ErrScopeDenied    = errors.New("scope is not sponsorable")
	ErrLimitReached   = errors.New("sponsorship limit reached")
	ErrSessionInvalid = errors.New("session key is not registered for this scope")
)

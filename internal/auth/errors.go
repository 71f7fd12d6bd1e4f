package auth

import "errors"

// Error kinds recovered at the request boundary and translated into stable
// external codes. Login failures are deliberately coarse: a missing user and
// a wrong password both surface ErrInvalidCredentials so that responses do
// not enumerate accounts.
var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrAccountDeactivated = errors.New("auth: account deactivated")
	ErrEmailNotVerified   = errors.New("auth: email not verified")
	ErrTokenExpired       = errors.New("auth: token expired")
	ErrTokenInvalid       = errors.New("auth: token invalid")
	ErrSessionInvalid     = errors.New("auth: session invalid")
	ErrSessionExpired     = errors.New("auth: session expired")
	ErrRateLimited        = errors.New("auth: rate limited")
	ErrUnauthorized       = errors.New("auth: unauthorized")
	ErrForbidden          = errors.New("auth: forbidden")
	ErrConflict           = errors.New("auth: conflict")
	ErrValidation         = errors.New("auth: invalid input")
	ErrNotFound           = errors.New("auth: not found")
)

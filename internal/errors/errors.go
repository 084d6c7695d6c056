package errors

import "errors"

// Authorization flow errors.
var (
	ErrRegistration         = errors.New("client registration failed")
	ErrAuthorizationDenied  = errors.New("authorization denied")
	ErrAuthorizationTimeout = errors.New("authorization timed out")
	ErrStateMismatch        = errors.New("state parameter mismatch")
	ErrTokenExchange        = errors.New("token exchange failed")
)

// Token lifecycle errors.
var (
	ErrTokenRefresh             = errors.New("token refresh rejected")
	ErrReauthenticationRequired = errors.New("reauthentication required")
	ErrNotLoggedIn              = errors.New("not logged in")
)

// Proxy errors.
var (
	ErrEncryption = errors.New("payload encryption failed")
	ErrDecryption = errors.New("payload decryption failed")
	ErrCancelled  = errors.New("exchange cancelled")
)

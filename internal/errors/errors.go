package errors

import "errors"

// Device flow errors. All four terminate an authentication attempt.
var (
	ErrAuthServer           = errors.New("authorization server rejected the request")
	ErrAuthorizationTimeout = errors.New("authorization polling attempts exhausted")
	ErrAccessDenied         = errors.New("user denied authorization")
	ErrGrantExpired         = errors.New("device code expired")
)

// Credential state errors.
var (
	// ErrNoToken means no credential is present, in memory or at rest.
	// An absent blob is normal; an undecryptable one is ErrDecrypt.
	ErrNoToken = errors.New("no credential present")

	// ErrDecrypt means the persisted blob exists but cannot be decrypted
	// (wrong key or corruption). Never conflated with ErrNoToken.
	ErrDecrypt = errors.New("persisted credential cannot be decrypted")

	// ErrRefreshRejected means the authorization server refused the
	// refresh grant. The lifecycle recovers by re-running the device
	// flow, so this is never fatal on its own.
	ErrRefreshRejected = errors.New("refresh token rejected")
)

package media

import "errors"

// Source acquisition failures
var (
	ErrPermissionDenied         = errors.New("permission denied")
	ErrDeviceUnavailable        = errors.New("device unavailable")
	ErrConstraintsUnsatisfiable = errors.New("constraints unsatisfiable")
	ErrUserCancelled            = errors.New("user cancelled")
	ErrUnsupported              = errors.New("capability unsupported")
)

// Recorder failures
var (
	ErrRecordingTooShort = errors.New("recording too short")
	ErrEncoderFailure    = errors.New("encoder failure")
)

// Upload failures
var (
	ErrTransientNetwork       = errors.New("transient network failure")
	ErrTransferFailed         = errors.New("transfer failed")
	ErrServerProcessingFailed = errors.New("server processing failed")
	ErrUploadCancelled        = errors.New("upload cancelled")
)

// ErrSessionNotFound is returned by the session store for unknown ids
var ErrSessionNotFound = errors.New("session not found")

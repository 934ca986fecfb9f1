package protocol

const (
	// Request validation.
	ErrBadRequest = "E_BAD_REQUEST"

	// Lookup.
	ErrNotFound        = "E_NOT_FOUND"
	ErrSessionNotFound = "E_SESSION_NOT_FOUND"

	// Session lifecycle.
	ErrSessionNotActive = "E_SESSION_NOT_ACTIVE"
	ErrSessionMismatch  = "E_SESSION_MISMATCH"

	// Storage.
	ErrStoreUnavailable = "E_STORE_UNAVAILABLE"

	ErrInternal = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrBadRequest:       {},
	ErrNotFound:         {},
	ErrSessionNotFound:  {},
	ErrSessionNotActive: {},
	ErrSessionMismatch:  {},
	ErrStoreUnavailable: {},
	ErrInternal:         {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

package core

import "errors"

var (
	// ErrPermissionDenied is returned when device access is refused
	ErrPermissionDenied = errors.New("permission denied")
	// ErrDeviceUnavailable is returned when there is no hardware or it is in exclusive use
	ErrDeviceUnavailable = errors.New("device unavailable")
	// ErrConfiguration is returned for malformed ICE server urls, unknown kinds etc.
	ErrConfiguration = errors.New("configuration error")
	// ErrNegotiation wraps errors from the negotiation engine
	ErrNegotiation = errors.New("negotiation error")
	// ErrHardwareFault is reported when a running device fails
	ErrHardwareFault = errors.New("hardware fault")
)

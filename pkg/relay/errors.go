package relay

import "errors"

// Protocol failures are reported to peers through the Status field of the
// reply, these errors only reach the logs.
var (
	ErrSessionNotFound             = errors.New("session not found")
	ErrRequesterUnresolved         = errors.New("requester not found")
	ErrRequesterMissingID          = errors.New("no requester id")
	ErrServiceNotFound             = errors.New("service not found")
	ErrAuthenticationRejected      = errors.New("authentication rejected")
	ErrElevationTimeout            = errors.New("elevated client has not connected in time")
	ErrDesktopSwitchTimeout        = errors.New("no elevated client after desktop switch")
	ErrEncryptionNegotiationFailed = errors.New("encryption negotiation failed")
	ErrConnectionClosed            = errors.New("connection closed")

	ErrNotClassified     = errors.New("connection is not classified")
	ErrAlreadyClassified = errors.New("connection is already classified")
	ErrUnexpectedRole    = errors.New("message is not allowed for the role")
)

// isProtocol tells apart expected protocol outcomes from real failures.
func isProtocol(err error) bool {
	for _, e := range []error{
		ErrSessionNotFound, ErrRequesterUnresolved, ErrRequesterMissingID, ErrServiceNotFound,
		ErrAuthenticationRejected, ErrElevationTimeout, ErrDesktopSwitchTimeout, ErrConnectionClosed,
	} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}

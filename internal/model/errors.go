package model

//
// The taxonomy of the conditions under which a session stops. Each reason
// carries whether the owner should attempt to re-establish the tunnel or
// give up.
//

// StopReason classifies why a session stopped.
type StopReason int

const (
	// StopRequested means the owner asked us to stop.
	StopRequested = StopReason(iota)

	// StopNegotiationTimeout means a key exceeded its negotiation deadline.
	StopNegotiationTimeout

	// StopBadCredentials means the server replied with AUTH_FAILED.
	StopBadCredentials

	// StopPingTimeout means no inbound traffic was seen within the ping timeout.
	StopPingTimeout

	// StopStaleSession means the server sent a hard reset after the
	// negotiation had already advanced.
	StopStaleSession

	// StopSessionMismatch means a control packet carried a session id
	// diverging from the pinned remote session id.
	StopSessionMismatch

	// StopMissingSessionID means a control packet required a pinned remote
	// session id that was never learned.
	StopMissingSessionID

	// StopBadKey means a data packet referenced an unknown key id.
	StopBadKey

	// StopWrongControlDataPrefix means the key-method-2 message prefix
	// bytes did not match.
	StopWrongControlDataPrefix

	// StopFailedLinkWrite means the underlying link failed a write.
	StopFailedLinkWrite

	// StopPeerVerification means the TLS certificate or EKU check failed.
	StopPeerVerification

	// StopTLSHandshake means a non-retriable TLS error occurred.
	StopTLSHandshake
)

// String returns the reason's string representation.
func (r StopReason) String() string {
	switch r {
	case StopRequested:
		return "requested"
	case StopNegotiationTimeout:
		return "negotiationTimeout"
	case StopBadCredentials:
		return "badCredentials"
	case StopPingTimeout:
		return "pingTimeout"
	case StopStaleSession:
		return "staleSession"
	case StopSessionMismatch:
		return "sessionMismatch"
	case StopMissingSessionID:
		return "missingSessionId"
	case StopBadKey:
		return "badKey"
	case StopWrongControlDataPrefix:
		return "wrongControlDataPrefix"
	case StopFailedLinkWrite:
		return "failedLinkWrite"
	case StopPeerVerification:
		return "peerVerificationFailed"
	case StopTLSHandshake:
		return "tlsHandshake"
	default:
		return "unknown"
	}
}

// ShouldReconnect returns whether the owner should attempt to re-establish
// the tunnel after stopping for this reason. A negotiation timeout is only
// recoverable while still in the hard-reset phase; the session manager
// overrides this default when emitting the stop event.
func (r StopReason) ShouldReconnect() bool {
	switch r {
	case StopFailedLinkWrite:
		return true
	default:
		return false
	}
}

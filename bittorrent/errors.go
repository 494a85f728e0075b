package bittorrent

// ClientError represents an error that should be exposed to the client over
// the BitTorrent protocol implementation.
type ClientError string

// Error implements the error interface for ClientError.
func (c ClientError) Error() string { return string(c) }

// ProtocolError represents a malformed or invalid request field. The request
// is ignored and the message is surfaced to the client as a tracker failure
// reason.
type ProtocolError string

// Error implements the error interface for ProtocolError.
func (e ProtocolError) Error() string { return string(e) }

// ApprovalError represents a client that is not permitted by the configured
// client approval policy.
type ApprovalError string

// Error implements the error interface for ApprovalError.
func (e ApprovalError) Error() string { return string(e) }

// RateLimitError represents a re-announce that arrived before the minimum
// announce interval elapsed. It is recoverable: the transport maps it to a
// retry-later response rather than a hard failure.
type RateLimitError string

// Error implements the error interface for RateLimitError.
func (e RateLimitError) Error() string { return string(e) }

// IsClientError reports whether an error's message is safe to surface to a
// BitTorrent client as a failure reason.
func IsClientError(err error) bool {
	switch err.(type) {
	case ClientError, ProtocolError, ApprovalError, RateLimitError:
		return true
	default:
		return false
	}
}

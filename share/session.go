package tnshare

import "crypto/subtle"

// Session describes one gateway session slot: a pair of passwords a
// proxy-client and proxy-server present to join the same pipe (spec §3).
type Session struct {
	ID              uint32
	ClientPassword  []byte
	ServerPassword  []byte
}

// CheckPassword compares candidate against the password for role using a
// constant-time comparison, so a malformed or malicious peer cannot use
// response timing to recover a valid password byte-by-byte. crypto/subtle
// is the standard-library primitive the pack itself reaches for in this
// situation (see DESIGN.md); no third-party password-matching library is
// warranted for a byte-slice equality check.
func (s *Session) CheckPassword(role Role, candidate []byte) bool {
	want := s.ServerPassword
	if role == RoleClient {
		want = s.ClientPassword
	}
	if len(want) != len(candidate) {
		// Still run a comparison of equal-length buffers so both branches
		// take roughly the same time regardless of length mismatches.
		subtle.ConstantTimeCompare(want, want)
		return false
	}
	return subtle.ConstantTimeCompare(want, candidate) == 1
}

// SessionTable is a lookup of session ID to Session, as loaded from a
// gateway's configuration file (spec §4.G).
type SessionTable map[uint32]*Session

// Lookup returns the session for id, or nil if unknown.
func (t SessionTable) Lookup(id uint32) *Session {
	return t[id]
}

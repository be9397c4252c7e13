// Package models defines types shared across internal packages.
package models

// SessionStatus tracks where a session is in its lifecycle. A session
// starts pending and transitions exactly once when the auth check
// resolves.
type SessionStatus string

const (
	SessionPending         SessionStatus = "pending"
	SessionAuthenticated   SessionStatus = "authenticated"
	SessionUnauthenticated SessionStatus = "unauthenticated"
)

// Session holds the current authenticated identity. Token acquisition
// happens outside this system; the sync core only reads these fields.
type Session struct {
	UserID string
	Token  string
	Status SessionStatus
}

// Authenticated reports whether the session can back a push channel.
func (s Session) Authenticated() bool {
	return s.Status == SessionAuthenticated && s.UserID != ""
}

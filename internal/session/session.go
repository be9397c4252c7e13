// Package session holds the current authenticated identity and exposes
// its lifecycle to the rest of the sync core. The core never acquires
// tokens itself; whoever owns authentication calls SetAuthenticated or
// Clear and everything downstream reacts through listeners.
package session

import (
	"sync"

	"github.com/corehr/portal-sync/internal/models"
)

// Context is the process-wide session holder. A session starts pending,
// transitions once the auth check resolves, and is destroyed on logout.
type Context struct {
	mu        sync.RWMutex
	current   models.Session
	listeners []func(models.Session)
}

// NewContext creates a Context in the pending state.
func NewContext() *Context {
	return &Context{
		current: models.Session{Status: models.SessionPending},
	}
}

// Current returns a copy of the current session.
func (c *Context) Current() models.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.current
}

// SetAuthenticated installs an authenticated identity, replacing
// whatever was there. Listeners run after the swap, outside the lock.
func (c *Context) SetAuthenticated(userID, token string) {
	c.set(models.Session{
		UserID: userID,
		Token:  token,
		Status: models.SessionAuthenticated,
	})
}

// Clear destroys the current session. The connection manager listens
// for this and tears down the channel before any new one opens.
func (c *Context) Clear() {
	c.set(models.Session{Status: models.SessionUnauthenticated})
}

// Token returns the current auth token, or empty string.
func (c *Context) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.current.Token
}

// OnChange registers a listener invoked on every session transition.
// Listeners cannot be removed; register once at wiring time.
func (c *Context) OnChange(fn func(models.Session)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

func (c *Context) set(s models.Session) {
	c.mu.Lock()
	c.current = s
	listeners := make([]func(models.Session), len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(s)
	}
}

package models

import (
	"fmt"
	"time"
)

func (a *Account) Local() bool {
	return a.Domain == ""
}

// Acct returns the webfinger-style handle: bare username for local
// accounts, username@domain for remote ones.
func (a *Account) Acct() string {
	if a.Local() {
		return a.Username
	}
	return fmt.Sprintf("%s@%s", a.Username, a.Domain)
}

// Suspended reports whether the account is currently unavailable. The
// instance actor always reports false regardless of stored flags, since it
// must remain externally reachable.
func (a *Account) Suspended() bool {
	if a.InstanceActor {
		return false
	}
	return a.SuspendedAt != nil
}

// Unavailable reports whether the account should be hidden from the read
// path: suspended, or moved elsewhere.
func (a *Account) Unavailable() bool {
	return a.Suspended() || a.Moved()
}

func (a *Account) Moved() bool {
	return a.MovedToAccountID != nil
}

func (m *Mute) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && !m.ExpiresAt.After(now)
}

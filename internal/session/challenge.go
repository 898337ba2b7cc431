package session

import "time"

// challenge is the single live pairing challenge. At most one non-expired
// challenge exists; a new connection attempt invalidates any prior one.
//
// The raw value is handed only to the /qr endpoint; it is never logged or
// persisted.
type challenge struct {
	value     string
	issuedAt  time.Time
	expiresAt time.Time
}

func (c *challenge) expired(now time.Time) bool {
	return c == nil || !now.Before(c.expiresAt)
}

// CurrentChallenge returns the live pairing code, or "" when connected, no
// challenge was issued, or it expired. Expiry is checked lazily on read.
func (m *Manager) CurrentChallenge() (code string, expiresAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status == StatusConnected {
		return "", time.Time{}
	}
	if m.chal.expired(m.now()) {
		m.chal = nil
		return "", time.Time{}
	}
	return m.chal.value, m.chal.expiresAt
}

func (m *Manager) setChallengeLocked(code string) {
	now := m.now()
	m.chal = &challenge{
		value:     code,
		issuedAt:  now,
		expiresAt: now.Add(m.cfg.ChallengeTTL),
	}
}

func (m *Manager) clearChallengeLocked() { m.chal = nil }

package session

import "time"

// Snapshot is the read-only health view of the session. It never includes
// the pairing challenge value or credential material.
type Snapshot struct {
	Status               Status    `json:"status"`
	Connected            bool      `json:"connected"`
	Identity             string    `json:"identity,omitempty"`
	LastSeen             time.Time `json:"last_seen,omitzero"`
	LastDisconnectReason string    `json:"last_disconnect_reason,omitempty"`
	LastDisconnectCode   int       `json:"last_disconnect_code,omitempty"`
	DisconnectCount      int       `json:"disconnect_count"`
	ReconnectAttempt     int       `json:"reconnect_attempt"`
	NeedsManualRelink    bool      `json:"needs_manual_relink"`
	GroupJID             string    `json:"group_jid,omitempty"`
	LastErrors           []string  `json:"last_errors"`
}

// DestinationJID returns the resolved group id, falling back to the
// configured id or name so callers have a stable scope identifier before
// the first connection.
func (m *Manager) DestinationJID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.groupJID != "" {
		return m.groupJID
	}
	if m.cfg.GroupJID != "" {
		return m.cfg.GroupJID
	}
	return m.cfg.GroupName
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{
		Status:               m.status,
		Connected:            m.status == StatusConnected,
		Identity:             m.identity,
		LastSeen:             m.lastSeen,
		LastDisconnectReason: m.lastDisconnectReason,
		LastDisconnectCode:   m.lastDisconnectCode,
		DisconnectCount:      m.disconnectCount,
		ReconnectAttempt:     m.reconnectAttempt,
		NeedsManualRelink:    m.needsRelink,
		GroupJID:             m.groupJID,
		LastErrors:           append([]string(nil), m.lastErrors...),
	}
	return s
}

package websocket

import "sync"

// ConnectionManager tracks every live session by account so the
// administrative disconnect endpoint can close all of a user's channels at
// once, regardless of which scope they subscribed through.
type ConnectionManager struct {
	mu     sync.Mutex
	byUser map[string]map[SessionKey]*Session
}

// NewConnectionManager returns an empty manager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{byUser: make(map[string]map[SessionKey]*Session)}
}

// Track registers a session under its account.
func (cm *ConnectionManager) Track(sess *Session) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	sessions, ok := cm.byUser[sess.UserID()]
	if !ok {
		sessions = make(map[SessionKey]*Session)
		cm.byUser[sess.UserID()] = sessions
	}
	sessions[sess.Key()] = sess
}

// Untrack removes a session once its handler exits.
func (cm *ConnectionManager) Untrack(sess *Session) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	sessions, ok := cm.byUser[sess.UserID()]
	if !ok {
		return
	}
	delete(sessions, sess.Key())
	if len(sessions) == 0 {
		delete(cm.byUser, sess.UserID())
	}
}

// DisconnectUser closes every session of the account with the given close
// code and returns how many were closed. The scope registries notice the
// closed sessions on their next broadcast pass.
func (cm *ConnectionManager) DisconnectUser(userID string, code int, reason string) int {
	cm.mu.Lock()
	sessions := cm.byUser[userID]
	closing := make([]*Session, 0, len(sessions))
	for _, sess := range sessions {
		closing = append(closing, sess)
	}
	delete(cm.byUser, userID)
	cm.mu.Unlock()

	for _, sess := range closing {
		sess.Close(code, reason)
	}
	return len(closing)
}

// CloseAll closes every tracked session, used during shutdown.
func (cm *ConnectionManager) CloseAll(code int, reason string) {
	cm.mu.Lock()
	var closing []*Session
	for _, sessions := range cm.byUser {
		for _, sess := range sessions {
			closing = append(closing, sess)
		}
	}
	cm.byUser = make(map[string]map[SessionKey]*Session)
	cm.mu.Unlock()

	for _, sess := range closing {
		sess.Close(code, reason)
	}
}

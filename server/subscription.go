package server

import (
	"sync"

	"github.com/gobwas/glob"
	"github.com/prism-mcp/prism/protocol"
	"github.com/prism-mcp/prism/session"
)

// subscriptionManager tracks which sessions subscribed to which resource
// URIs. Patterns use glob syntax so a client can watch a subtree
// (file:///logs/*) with one subscription.
type subscriptionManager struct {
	mu   sync.RWMutex
	subs map[*session.Session]map[string]glob.Glob // session -> uri pattern -> matcher
}

func newSubscriptionManager() *subscriptionManager {
	return &subscriptionManager{subs: make(map[*session.Session]map[string]glob.Glob)}
}

// subscribe records a session's interest in a URI or glob pattern.
func (m *subscriptionManager) subscribe(sess *session.Session, uri string) error {
	matcher, err := glob.Compile(uri)
	if err != nil {
		return protocol.NewInvalidParamsError("invalid subscription pattern: " + err.Error())
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subs[sess] == nil {
		m.subs[sess] = make(map[string]glob.Glob)
	}
	m.subs[sess][uri] = matcher
	return nil
}

// unsubscribe removes one subscription. Removing an absent subscription is
// not an error.
func (m *subscriptionManager) unsubscribe(sess *session.Session, uri string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs[sess], uri)
}

// dropSession removes every subscription a session held.
func (m *subscriptionManager) dropSession(sess *session.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, sess)
}

// subscribers returns the sessions whose patterns match the updated URI.
func (m *subscriptionManager) subscribers(uri string) []*session.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*session.Session
	for sess, patterns := range m.subs {
		for _, matcher := range patterns {
			if matcher.Match(uri) {
				out = append(out, sess)
				break
			}
		}
	}
	return out
}

package session

import (
	"fmt"
	"sync"

	"github.com/prism-mcp/prism/protocol"
)

// progressRegistry routes inbound notifications/progress to the callback
// registered for the token, if any. Progress for unknown tokens is allowed
// and ignored.
type progressRegistry struct {
	mu       sync.RWMutex
	handlers map[string][]func(protocol.ProgressParams)
}

func newProgressRegistry() *progressRegistry {
	return &progressRegistry{handlers: make(map[string][]func(protocol.ProgressParams))}
}

// tokenKey normalizes string and numeric tokens into one key space. JSON
// numbers arrive as float64.
func tokenKey(token any) string {
	switch v := token.(type) {
	case string:
		return "s:" + v
	case float64:
		return fmt.Sprintf("n:%v", v)
	case int:
		return fmt.Sprintf("n:%v", float64(v))
	case int64:
		return fmt.Sprintf("n:%v", float64(v))
	default:
		return fmt.Sprintf("o:%v", v)
	}
}

func (r *progressRegistry) register(token any, fn func(protocol.ProgressParams)) func() {
	key := tokenKey(token)
	r.mu.Lock()
	r.handlers[key] = append(r.handlers[key], fn)
	idx := len(r.handlers[key]) - 1
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			fns := r.handlers[key]
			if idx < len(fns) {
				fns[idx] = nil
			}
		})
	}
}

func (r *progressRegistry) dispatch(params protocol.ProgressParams) {
	key := tokenKey(params.ProgressToken)
	r.mu.RLock()
	fns := make([]func(protocol.ProgressParams), len(r.handlers[key]))
	copy(fns, r.handlers[key])
	r.mu.RUnlock()
	for _, fn := range fns {
		if fn != nil {
			fn(params)
		}
	}
}

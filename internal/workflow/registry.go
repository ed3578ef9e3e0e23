package workflow

import (
	"sync"

	evbus "github.com/asaskevich/EventBus"
	"github.com/segmentio/ksuid"
)

// Registry keeps independent sessions in one process. Sessions share the
// remover and the event bus but no state.
type Registry struct {
	opts Options

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates a registry. A bus is created when opts has none.
func NewRegistry(opts Options) *Registry {
	if opts.Bus == nil {
		opts.Bus = evbus.New()
	}
	return &Registry{
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// Create starts a new Idle session under a fresh id.
func (r *Registry) Create() *Session {
	s := NewSession(ksuid.New().String(), r.opts)

	r.mu.Lock()
	r.sessions[s.ID()] = s
	r.mu.Unlock()
	return s
}

// Get looks up a session.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove resets and forgets a session. Any call still in flight for it is
// abandoned.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if ok {
		s.Reset()
	}
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Subscribe registers fn for every state change of every session. The
// returned function removes the subscription.
func (r *Registry) Subscribe(fn func(Snapshot)) (func(), error) {
	if err := r.opts.Bus.Subscribe(TopicStateChanged, fn); err != nil {
		return nil, err
	}
	return func() {
		_ = r.opts.Bus.Unsubscribe(TopicStateChanged, fn)
	}, nil
}

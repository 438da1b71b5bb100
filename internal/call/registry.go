package call

import "sync"

// Factory builds the controller for a conversation.
type Factory func(conversationID string) (*Controller, error)

// Registry keeps at most one live Controller per conversation.
type Registry struct {
	build Factory

	mu     sync.Mutex
	active map[string]*Controller
}

// NewRegistry returns a Registry that creates controllers with build.
func NewRegistry(build Factory) *Registry {
	return &Registry{
		build:  build,
		active: make(map[string]*Controller),
	}
}

// Mount creates the controller for conversationID. A controller already
// mounted for it is closed first, so its subscription and any call it holds
// are gone before the new one subscribes.
func (r *Registry) Mount(conversationID string) (*Controller, error) {
	r.mu.Lock()
	old, ok := r.active[conversationID]
	delete(r.active, conversationID)
	r.mu.Unlock()

	if ok {
		old.Close()
	}

	c, err := r.build(conversationID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	prev, raced := r.active[conversationID]
	r.active[conversationID] = c
	r.mu.Unlock()

	if raced {
		prev.Close()
	}
	return c, nil
}

// Get returns the mounted controller for conversationID.
func (r *Registry) Get(conversationID string) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.active[conversationID]
	return c, ok
}

// Unmount closes and forgets the controller for conversationID.
func (r *Registry) Unmount(conversationID string) {
	r.mu.Lock()
	c, ok := r.active[conversationID]
	delete(r.active, conversationID)
	r.mu.Unlock()

	if ok {
		c.Close()
	}
}

// Close unmounts every controller.
func (r *Registry) Close() {
	r.mu.Lock()
	all := r.active
	r.active = make(map[string]*Controller)
	r.mu.Unlock()

	for _, c := range all {
		c.Close()
	}
}
